// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"time"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/vsockdial"
)

const (
	envHTRNetwork       = "HTR_NETWORK"
	envHTRPort          = "HTR_PORT"
	envHTRAddr          = "HTR_LISTEN_ADDR"
	envHTRConnectTO     = "HTR_CONNECT_TIMEOUT_MS"
	envHTRBufferBytes   = "TUNNEL_BUFFER_BYTES"
	envHTRMaxTunnels    = "HTR_MAX_TUNNELS"
	envHTRLogLevel      = "HTR_LOG_LEVEL"
	envHTRAllowPrivate  = "HTR_ALLOW_PRIVATE_TARGETS"

	defaultHTRPort         = 5001
	defaultHTRConnectToMS  = 10_000
	defaultHTRBufferBytes  = 8 * 1024
	defaultHTRMaxTunnels   = 1024
	defaultHTRLogLevel     = "info"
)

// HTRConfig captures runtime settings for the Host Tunnel Relay.
type HTRConfig struct {
	Listen vsockdial.Endpoint

	ConnectTimeout time.Duration
	BufferBytes    int
	MaxTunnels     int

	// AllowPrivateTargets disables the defense-in-depth check that rejects
	// RFC 1918 / loopback / link-local targets. LoadHTR defaults it to true
	// (check disabled) unless HTR_ALLOW_PRIVATE_TARGETS says otherwise; a
	// zero-value HTRConfig leaves it false, so tests that build the struct
	// directly and dial loopback origins set it explicitly.
	AllowPrivateTargets bool

	LogLevel string
}

// LoadHTR reads HTR configuration from the environment.
func LoadHTR() (HTRConfig, error) {
	listen, err := loadEndpoint(envHTRNetwork, "", envHTRPort, envHTRAddr, 0, defaultHTRPort, "0.0.0.0:5001")
	if err != nil {
		return HTRConfig{}, err
	}

	return HTRConfig{
		Listen:              listen,
		ConnectTimeout:      getDurationMillis(envHTRConnectTO, defaultHTRConnectToMS),
		BufferBytes:         getInt(envHTRBufferBytes, defaultHTRBufferBytes),
		MaxTunnels:          getInt(envHTRMaxTunnels, defaultHTRMaxTunnels),
		AllowPrivateTargets: getBool(envHTRAllowPrivate, true),
		LogLevel:            getString(envHTRLogLevel, defaultHTRLogLevel),
	}, nil
}
