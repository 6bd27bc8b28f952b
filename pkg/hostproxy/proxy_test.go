// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package hostproxy

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/config"
	"github.com/go-core-stack/nitro-egress-tunnel/pkg/vsockdial"
	"github.com/go-core-stack/nitro-egress-tunnel/pkg/wire"
)

// startStubES starts a bare listener speaking the control-channel protocol,
// driven by handle for every accepted connection.
func startStubES(t *testing.T, handle func(conn net.Conn)) vsockdial.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()

	return vsockdial.Endpoint{Network: vsockdial.NetworkTCP, Addr: ln.Addr().String()}
}

func newTestProxy(es vsockdial.Endpoint) *Proxy {
	cfg := config.HIPConfig{
		ES:              es,
		MaxRetries:      2,
		RetryDelay:      time.Millisecond,
		OutboundTimeout: time.Second,
		MaxPoolConns:    4,
	}
	p := New(cfg)
	p.sleep = func(time.Duration) {}
	return p
}

func respondOnce(resp wire.ControlResponse) func(conn net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		var req wire.ControlRequest
		if err := wire.ReadMessage(conn, &req); err != nil {
			return
		}
		_ = wire.WriteMessage(conn, resp)
	}
}

func TestProxyServesHealthWhenESReachable(t *testing.T) {
	es := startStubES(t, func(conn net.Conn) { conn.Close() })
	p := newTestProxy(es)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "healthy")
}

func TestProxyHealthReportsUnavailableWhenESDown(t *testing.T) {
	es := vsockdial.Endpoint{Network: vsockdial.NetworkTCP, Addr: "127.0.0.1:1"}
	p := newTestProxy(es)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxyHealthIgnoresHTRWhenProbeDisabled(t *testing.T) {
	es := startStubES(t, func(conn net.Conn) { conn.Close() })
	p := newTestProxy(es)
	p.cfg.HTR = vsockdial.Endpoint{Network: vsockdial.NetworkTCP, Addr: "127.0.0.1:1"}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyHealthReportsUnavailableWhenHTRProbeFails(t *testing.T) {
	es := startStubES(t, func(conn net.Conn) { conn.Close() })
	p := newTestProxy(es)
	p.cfg.ProbeHTR = true
	p.cfg.HTR = vsockdial.Endpoint{Network: vsockdial.NetworkTCP, Addr: "127.0.0.1:1"}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxyHealthSucceedsWhenHTRProbePasses(t *testing.T) {
	es := startStubES(t, func(conn net.Conn) { conn.Close() })
	htr := startStubES(t, func(conn net.Conn) { conn.Close() })
	p := newTestProxy(es)
	p.cfg.ProbeHTR = true
	p.cfg.HTR = htr

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyForwardsSuccessResponse(t *testing.T) {
	es := startStubES(t, respondOnce(wire.NewSuccessResponse(200, wire.Headers{
		{Name: "Content-Type", Value: "text/plain"},
	}, "hello")))
	p := newTestProxy(es)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/foo", nil)
	req.Host = "example.com"
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
	require.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestProxyForwardsNonRetryableFailureImmediately(t *testing.T) {
	var attempts atomic.Int32
	es := startStubES(t, func(conn net.Conn) {
		defer conn.Close()
		attempts.Add(1)
		var req wire.ControlRequest
		if err := wire.ReadMessage(conn, &req); err != nil {
			return
		}
		_ = wire.WriteMessage(conn, wire.NewFailureResponse(502, "bad gateway from origin"))
	})
	p := newTestProxy(es)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/foo", nil)
	req.Host = "example.com"
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "bad gateway from origin")
	require.EqualValues(t, 1, attempts.Load())
}

func TestProxyRetriesOn503ThenSucceeds(t *testing.T) {
	var calls int
	mu := make(chan struct{}, 1)
	mu <- struct{}{}

	es := startStubES(t, func(conn net.Conn) {
		defer conn.Close()
		var req wire.ControlRequest
		if err := wire.ReadMessage(conn, &req); err != nil {
			return
		}

		<-mu
		calls++
		n := calls
		mu <- struct{}{}

		if n == 1 {
			_ = wire.WriteMessage(conn, wire.NewFailureResponse(503, "enclave unavailable"))
			return
		}
		_ = wire.WriteMessage(conn, wire.NewSuccessResponse(200, nil, "ok"))
	})
	p := newTestProxy(es)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/foo", nil)
	req.Host = "example.com"
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestProxyExhaustsRetriesOnPersistentConnectionFailure(t *testing.T) {
	es := vsockdial.Endpoint{Network: vsockdial.NetworkTCP, Addr: "127.0.0.1:1"}
	p := newTestProxy(es)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/foo", nil)
	req.Host = "example.com"
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProxyRejectsRequestMissingHost(t *testing.T) {
	es := startStubES(t, func(conn net.Conn) { conn.Close() })
	p := newTestProxy(es)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/foo", nil)
	req.Host = ""
	req.URL.Host = ""
	p.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxyHandlesConcurrentRequestsWithinPoolCapacity(t *testing.T) {
	es := startStubES(t, func(conn net.Conn) {
		defer conn.Close()
		var req wire.ControlRequest
		if err := wire.ReadMessage(conn, &req); err != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
		_ = wire.WriteMessage(conn, wire.NewSuccessResponse(200, nil, "ok"))
	})
	p := newTestProxy(es)

	const n = 6
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		go func() {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "http://proxy.local/foo", nil)
			req.Host = "example.com"
			p.ServeHTTP(rec, req)
			results <- rec.Code
		}()
	}

	for i := 0; i < n; i++ {
		select {
		case code := <-results:
			require.Equal(t, http.StatusOK, code)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for concurrent request")
		}
	}
}

func TestBuildControlRequestRejectsInvalidUTF8Body(t *testing.T) {
	p := newTestProxy(vsockdial.Endpoint{})
	req := httptest.NewRequest(http.MethodPost, "http://proxy.local/foo", nil)
	req.Host = "example.com"
	req.Body = io.NopCloser(bytes.NewReader([]byte{0xff, 0xfe, 0xfd}))

	_, err := p.buildControlRequest(req)
	require.Error(t, err)
}
