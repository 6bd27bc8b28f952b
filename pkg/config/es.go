// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"time"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/vsockdial"
)

const (
	envESNetwork        = "ES_NETWORK"
	envESListenAddr     = "ES_LISTEN_ADDR"
	envESListenPort     = "ES_PORT"
	envESHTRNetwork     = "HTR_NETWORK"
	envESHTRCID         = "HTR_CID"
	envESHTRPort        = "HTR_PORT"
	envESHTRAddr        = "HTR_LISTEN_ADDR"
	envESConnectTO      = "ES_CONNECT_TIMEOUT_MS"
	envESTLSHandshakeTO = "ES_TLS_HANDSHAKE_TIMEOUT_MS"
	envESOutboundTO     = "OUTBOUND_TIMEOUT_MS"
	envESLogLevel       = "ES_LOG_LEVEL"

	defaultHTRCID           = 2
	defaultESConnectToMS    = 10_000
	defaultESTLSHandshakeMS = 10_000
	defaultESOutboundMS     = 30_000
	defaultESLogLevel       = "info"
)

// ESConfig captures runtime settings for the Enclave Sidecar.
type ESConfig struct {
	Listen vsockdial.Endpoint
	HTR    vsockdial.Endpoint

	ConnectTimeout      time.Duration
	TLSHandshakeTimeout time.Duration
	OutboundTimeout     time.Duration

	LogLevel string
}

// LoadES reads ES configuration from the environment.
func LoadES() (ESConfig, error) {
	listen, err := loadEndpoint(envESNetwork, "", envESListenPort, envESListenAddr, 0, defaultESPort, "0.0.0.0:5000")
	if err != nil {
		return ESConfig{}, err
	}

	htr, err := loadEndpoint(envESHTRNetwork, envESHTRCID, envESHTRPort, envESHTRAddr, defaultHTRCID, defaultHTRPort, "127.0.0.1:5001")
	if err != nil {
		return ESConfig{}, err
	}

	return ESConfig{
		Listen:              listen,
		HTR:                 htr,
		ConnectTimeout:      getDurationMillis(envESConnectTO, defaultESConnectToMS),
		TLSHandshakeTimeout: getDurationMillis(envESTLSHandshakeTO, defaultESTLSHandshakeMS),
		OutboundTimeout:     getDurationMillis(envESOutboundTO, defaultESOutboundMS),
		LogLevel:            getString(envESLogLevel, defaultESLogLevel),
	}, nil
}
