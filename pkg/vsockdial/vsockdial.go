// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package vsockdial abstracts the CID:port socket family used for both
// host↔enclave channels behind a plain net.Conn/net.Listener interface.
// Production wiring dials real vsock sockets via github.com/mdlayher/vsock;
// tests substitute a loopback TCP endpoint so they never need a vsock
// device, matching the "TLS client generic over any full-duplex byte
// stream" design note in the specification this module implements.
package vsockdial

import (
	"context"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

// Network selects which transport an Endpoint addresses.
type Network string

const (
	// NetworkVsock dials/listens on a real AF_VSOCK socket.
	NetworkVsock Network = "vsock"
	// NetworkTCP dials/listens on loopback TCP; used in tests and local
	// development where no vsock device is present.
	NetworkTCP Network = "tcp"
)

// Endpoint identifies a dial or listen target on either transport.
type Endpoint struct {
	Network Network
	// CID and Port address a vsock endpoint. CID is ignored by Listen,
	// which always binds the local context ID.
	CID  uint32
	Port uint32
	// Addr addresses a host:port TCP endpoint when Network is NetworkTCP.
	Addr string
}

// String renders the endpoint for logging.
func (e Endpoint) String() string {
	if e.Network == NetworkTCP {
		return fmt.Sprintf("tcp://%s", e.Addr)
	}
	return fmt.Sprintf("vsock://%d:%d", e.CID, e.Port)
}

// Dial connects to ep, honoring ctx cancellation even though the
// underlying vsock dialer has no native context support.
func Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	switch ep.Network {
	case NetworkTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ep.Addr)
	case NetworkVsock:
		return dialVsockContext(ctx, ep.CID, ep.Port)
	default:
		return nil, fmt.Errorf("vsockdial: unknown network %q", ep.Network)
	}
}

func dialVsockContext(ctx context.Context, cid, port uint32) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := vsock.Dial(cid, port, nil)
		done <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		return r.conn, r.err
	}
}

// Listen binds ep for accepting connections. For NetworkVsock, ep.CID is
// ignored; the listener always binds the enclave's or host's own context ID.
func Listen(ep Endpoint) (net.Listener, error) {
	switch ep.Network {
	case NetworkTCP:
		return net.Listen("tcp", ep.Addr)
	case NetworkVsock:
		return vsock.Listen(ep.Port, nil)
	default:
		return nil, fmt.Errorf("vsockdial: unknown network %q", ep.Network)
	}
}
