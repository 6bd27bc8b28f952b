// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package hostproxy implements the Host Ingress Proxy (HIP): an HTTP
// listener that frames local requests onto the control channel to the
// enclave sidecar and translates the JSON envelope reply back into an
// HTTP response.
package hostproxy

import (
	"context"
	"sync"

	"net"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/vsockdial"
)

// Pool is a bounded, LIFO connection pool for the HIP↔ES control channel.
// Checkout blocks (respecting ctx) once maxSize connections are
// outstanding; it never multiplexes two requests on one connection, per
// the specification's "at most one request in flight per control
// connection" invariant — each checked-out connection is owned
// exclusively by its caller until Put or Discard.
type Pool struct {
	endpoint vsockdial.Endpoint

	mu   sync.Mutex
	idle []net.Conn

	sem chan struct{}
}

// NewPool constructs a Pool that dials endpoint on demand, up to maxSize
// concurrent connections.
func NewPool(endpoint vsockdial.Endpoint, maxSize int) *Pool {
	return &Pool{
		endpoint: endpoint,
		sem:      make(chan struct{}, maxSize),
	}
}

// Get checks out a connection: an idle one if available (LIFO), otherwise
// a freshly dialed one once a pool slot is free.
func (p *Pool) Get(ctx context.Context) (net.Conn, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := vsockdial.Dial(ctx, p.endpoint)
	if err != nil {
		<-p.sem
		return nil, err
	}
	return conn, nil
}

// Put returns a healthy connection to the idle stack for reuse.
func (p *Pool) Put(conn net.Conn) {
	p.mu.Lock()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	<-p.sem
}

// Discard closes a broken connection and frees its pool slot without
// returning it to the idle stack, per the retry policy: any I/O error
// talking to ES means the connection is no longer trustworthy.
func (p *Pool) Discard(conn net.Conn) {
	_ = conn.Close()
	<-p.sem
}

// IdleLen reports the number of currently idle connections, for tests.
func (p *Pool) IdleLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// CloseAll closes every idle connection, for graceful shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conn := range p.idle {
		_ = conn.Close()
	}
	p.idle = nil
}
