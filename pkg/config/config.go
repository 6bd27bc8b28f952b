// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config loads the named-constant configuration for all three
// pipeline binaries (the host ingress proxy, the host tunnel relay, and
// the enclave sidecar) from environment variables, following a common
// fail-fast-on-required / fall-back-on-optional pattern for each.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/vsockdial"
)

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getUint32(key string, fallback uint32) uint32 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return fallback
	}
	return uint32(parsed)
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

// getDurationMillis reads key as a plain millisecond integer (the form the
// spec's *_MS named constants take) rather than a Go duration literal.
func getDurationMillis(key string, fallbackMillis int) time.Duration {
	return time.Duration(getInt(key, fallbackMillis)) * time.Millisecond
}

// loadEndpoint builds a vsockdial.Endpoint for a dial target from a
// {networkKey, cidKey, portKey, addrKey} quartet of environment variables.
// networkKey selects "vsock" (the production default) or "tcp" (used in
// tests and local development where no vsock device is present).
func loadEndpoint(networkKey, cidKey, portKey, addrKey string, defaultCID, defaultPort uint32, defaultAddr string) (vsockdial.Endpoint, error) {
	network := vsockdial.Network(getString(networkKey, string(vsockdial.NetworkVsock)))
	switch network {
	case vsockdial.NetworkVsock:
		return vsockdial.Endpoint{
			Network: network,
			CID:     getUint32(cidKey, defaultCID),
			Port:    getUint32(portKey, defaultPort),
		}, nil
	case vsockdial.NetworkTCP:
		return vsockdial.Endpoint{
			Network: network,
			Addr:    getString(addrKey, defaultAddr),
		}, nil
	default:
		return vsockdial.Endpoint{}, fmt.Errorf("config: unknown network %q for %s", network, networkKey)
	}
}
