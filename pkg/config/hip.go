// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"fmt"
	"time"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/vsockdial"
)

const (
	envHIPHTTPPort       = "HIP_HTTP_PORT"
	envHIPNetwork        = "ES_NETWORK"
	envESCID             = "ES_CID"
	envESPort            = "ES_PORT"
	envESAddr            = "ES_ADDR"
	envMaxRetries        = "MAX_RETRIES"
	envRetryDelayMS      = "RETRY_DELAY_MS"
	envOutboundTimeoutMS = "OUTBOUND_TIMEOUT_MS"
	envHIPMaxPoolConns   = "HIP_MAX_POOL_CONNS"
	envHIPReadTimeout    = "HIP_SERVER_READ_TIMEOUT"
	envHIPWriteTimeout   = "HIP_SERVER_WRITE_TIMEOUT"
	envHIPIdleTimeout    = "HIP_SERVER_IDLE_TIMEOUT"
	envHIPGracefulShut   = "HIP_GRACEFUL_SHUTDOWN"
	envHIPLogLevel       = "HIP_LOG_LEVEL"
	envHIPProbeHTR       = "HIP_PROBE_HTR"
	envHIPHTRNetwork     = "HTR_NETWORK"
	envHIPHTRCID         = "HTR_CID"
	envHIPHTRPort        = "HTR_PORT"
	envHIPHTRAddr        = "HTR_LISTEN_ADDR"

	defaultHIPHTTPPort       = 8080
	defaultESCID             = 3
	defaultESPort            = 5000
	defaultMaxRetries        = 3
	defaultRetryDelayMS      = 1000
	defaultOutboundTimeoutMS = 30_000
	defaultHIPMaxPoolConns   = 8
	defaultHIPReadTimeout    = 30 * time.Second
	defaultHIPWriteTimeout   = 30 * time.Second
	defaultHIPIdleTimeout    = 120 * time.Second
	defaultHIPGracefulShut   = 10 * time.Second
	defaultHIPLogLevel       = "info"
	defaultHIPProbeHTR       = false
)

// HIPConfig captures runtime settings for the Host Ingress Proxy.
type HIPConfig struct {
	ListenAddr string
	ES         vsockdial.Endpoint

	MaxRetries      int
	RetryDelay      time.Duration
	OutboundTimeout time.Duration
	MaxPoolConns    int

	// ProbeHTR, when set, makes /health additionally dial HTR and report
	// 503 if it is unreachable. Off by default: HIP's only required
	// dependency is ES (the dependency order is HTR -> HIP -> ES, where
	// HIP depends only on the control channel endpoint in ES), so probing
	// HTR is an opt-in extra liveness check, not a required one.
	ProbeHTR bool
	HTR      vsockdial.Endpoint

	ServerReadTimeout       time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration

	LogLevel string
}

// LoadHIP reads HIP configuration from the environment.
func LoadHIP() (HIPConfig, error) {
	esEndpoint, err := loadEndpoint(envHIPNetwork, envESCID, envESPort, envESAddr, defaultESCID, defaultESPort, "127.0.0.1:5000")
	if err != nil {
		return HIPConfig{}, fmt.Errorf("config: load ES endpoint: %w", err)
	}

	htrEndpoint, err := loadEndpoint(envHIPHTRNetwork, envHIPHTRCID, envHIPHTRPort, envHIPHTRAddr, defaultHTRCID, defaultHTRPort, "127.0.0.1:5001")
	if err != nil {
		return HIPConfig{}, fmt.Errorf("config: load HTR endpoint: %w", err)
	}

	return HIPConfig{
		ListenAddr:              fmt.Sprintf("0.0.0.0:%d", getInt(envHIPHTTPPort, defaultHIPHTTPPort)),
		ES:                      esEndpoint,
		MaxRetries:              getInt(envMaxRetries, defaultMaxRetries),
		RetryDelay:              getDurationMillis(envRetryDelayMS, defaultRetryDelayMS),
		OutboundTimeout:         getDurationMillis(envOutboundTimeoutMS, defaultOutboundTimeoutMS),
		MaxPoolConns:            getInt(envHIPMaxPoolConns, defaultHIPMaxPoolConns),
		ProbeHTR:                getBool(envHIPProbeHTR, defaultHIPProbeHTR),
		HTR:                     htrEndpoint,
		ServerReadTimeout:       getDuration(envHIPReadTimeout, defaultHIPReadTimeout),
		ServerWriteTimeout:      getDuration(envHIPWriteTimeout, defaultHIPWriteTimeout),
		ServerIdleTimeout:       getDuration(envHIPIdleTimeout, defaultHIPIdleTimeout),
		GracefulShutdownTimeout: getDuration(envHIPGracefulShut, defaultHIPGracefulShut),
		LogLevel:                getString(envHIPLogLevel, defaultHIPLogLevel),
	}, nil
}
