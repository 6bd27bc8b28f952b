// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package sidecar

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/config"
	"github.com/go-core-stack/nitro-egress-tunnel/pkg/wire"
)

func newTestServer(t *testing.T, dial func(ctx context.Context, host string, port int) (net.Conn, error), rootCAs *httptest.Server) *Server {
	t.Helper()
	cfg := config.ESConfig{
		ConnectTimeout:      2 * time.Second,
		TLSHandshakeTimeout: 2 * time.Second,
		OutboundTimeout:     5 * time.Second,
	}
	s := NewServer(cfg)
	s.dialTunnel = dial
	if rootCAs != nil {
		s.rootCAs = rootCAs.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs
	}
	return s
}

func dialDirect(addr string) func(ctx context.Context, host string, port int) (net.Conn, error) {
	return func(ctx context.Context, host string, port int) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

func TestProcessRequestGETSuccess(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "hi")
	}))
	defer upstream.Close()

	addr := upstream.Listener.Addr().String()
	s := newTestServer(t, dialDirect(addr), upstream)

	req := wire.ControlRequest{Method: "GET", URL: "https://example.com/"}
	resp := s.processRequest(context.Background(), req, zerolog.Nop())

	require.True(t, resp.Success)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, "hi", resp.Body)
}

func TestProcessRequestRejectsNonHTTPS(t *testing.T) {
	s := newTestServer(t, nil, nil)
	resp := s.processRequest(context.Background(), wire.ControlRequest{Method: "GET", URL: "http://example.test/"}, zerolog.Nop())
	require.False(t, resp.Success)
	require.Equal(t, 400, resp.Status)
}

func TestProcessRequestRejectsEmptyURL(t *testing.T) {
	s := newTestServer(t, nil, nil)
	resp := s.processRequest(context.Background(), wire.ControlRequest{Method: "GET", URL: ""}, zerolog.Nop())
	require.False(t, resp.Success)
	require.Equal(t, 400, resp.Status)
}

func TestProcessRequestTunnelFailure(t *testing.T) {
	s := newTestServer(t, func(ctx context.Context, host string, port int) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}, nil)

	resp := s.processRequest(context.Background(), wire.ControlRequest{Method: "GET", URL: "https://example.test/"}, zerolog.Nop())
	require.False(t, resp.Success)
	require.Equal(t, 503, resp.Status)
}

func TestProcessRequestTLSHandshakeFailure(t *testing.T) {
	// A plain TCP listener that reads once and closes is not a TLS
	// endpoint, so the handshake fails.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			buf := make([]byte, 4096)
			conn.Read(buf)
		}
	}()

	s := newTestServer(t, dialDirect(ln.Addr().String()), nil)
	resp := s.processRequest(context.Background(), wire.ControlRequest{Method: "GET", URL: "https://example.test/"}, zerolog.Nop())
	require.False(t, resp.Success)
	require.Equal(t, 502, resp.Status)
}

func TestProcessRequestPOSTWithBody(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "7", r.Header.Get("Content-Length"))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":42}`)
	}))
	defer upstream.Close()

	s := newTestServer(t, dialDirect(upstream.Listener.Addr().String()), upstream)

	body := `{"a":1}`
	req := wire.ControlRequest{
		Method: "POST",
		URL:    "https://example.com/submit",
		Headers: wire.Headers{
			{Name: "Content-Type", Value: "application/json"},
		},
		Body: &body,
	}
	resp := s.processRequest(context.Background(), req, zerolog.Nop())

	require.True(t, resp.Success)
	require.Equal(t, 201, resp.Status)
	require.Equal(t, `{"id":42}`, resp.Body)
}
