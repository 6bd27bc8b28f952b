// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package sidecar implements the Enclave Sidecar (ES): it receives request
// metadata from the host ingress proxy over the control channel, opens a
// tunnel through the host tunnel relay, performs the TLS 1.3 handshake
// against the remote origin itself, and returns the decrypted response.
// Plaintext never leaves this process.
package sidecar

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/config"
	"github.com/go-core-stack/nitro-egress-tunnel/pkg/httpclient"
	"github.com/go-core-stack/nitro-egress-tunnel/pkg/vsockdial"
	"github.com/go-core-stack/nitro-egress-tunnel/pkg/wire"
)

// Server is the Enclave Sidecar.
type Server struct {
	cfg         config.ESConfig
	logger      zerolog.Logger
	attestation *Attestation

	wg sync.WaitGroup

	// dialTunnel is overridden in tests to avoid a real vsock/TCP round
	// trip to a tunnel relay; production always uses openTunnel.
	dialTunnel func(ctx context.Context, host string, port int) (net.Conn, error)

	// rootCAs overrides the trust store used for origin TLS verification.
	// Nil (the production default) uses the host's system trust store.
	rootCAs *x509.CertPool
}

// NewServer constructs a Server bound to cfg. It generates and logs a
// startup attestation document, matching the original sidecar's
// "attestation is produced at startup" behavior.
func NewServer(cfg config.ESConfig) *Server {
	s := &Server{
		cfg:         cfg,
		logger:      log.With().Str("component", "sidecar").Logger(),
		attestation: NewStubAttestation(),
	}
	s.dialTunnel = s.openTunnel

	doc, err := s.attestation.Generate(nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to generate startup attestation")
	} else {
		s.logger.Info().
			Time("attested_at", doc.Timestamp).
			Str("doc", doc.Doc).
			Msg("startup attestation generated")
	}

	return s
}

// Serve accepts control connections on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info().Str("addr", s.cfg.Listen.String()).Msg("sidecar listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sidecar: accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown waits up to the context deadline for in-flight requests to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sidecar: shutdown timed out with requests still active: %w", ctx.Err())
	}
}

// handleConn serves one HIP↔ES control connection: request/response are
// strictly sequential on this connection until EOF or a framing error.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	event := s.logger.With().Str("conn_id", connID).Logger()

	for {
		var req wire.ControlRequest
		if err := wire.ReadMessage(conn, &req); err != nil {
			event.Debug().Err(err).Msg("control connection closed")
			return
		}

		reqID := uuid.NewString()
		reqEvent := event.With().Str("request_id", reqID).Str("method", req.Method).Str("url", req.URL).Logger()
		reqEvent.Info().Msg("processing request")

		resp := s.processRequest(ctx, req, reqEvent)

		if err := wire.WriteMessage(conn, resp); err != nil {
			event.Error().Err(err).Msg("failed to write control response; closing connection")
			return
		}

		reqEvent.Info().Bool("success", resp.Success).Int("status", resp.Status).Msg("request complete")
	}
}

// processRequest implements §4.3.1 of the specification: validate, open a
// tunnel, perform the TLS handshake, round-trip the HTTP/1.1 request, and
// translate every failure into a ControlResponse rather than letting it
// escape unserialized.
func (s *Server) processRequest(parent context.Context, req wire.ControlRequest, event zerolog.Logger) wire.ControlResponse {
	ctx, cancel := context.WithTimeout(parent, s.cfg.OutboundTimeout)
	defer cancel()

	target, err := url.Parse(req.URL)
	if err != nil || req.URL == "" {
		return wire.NewFailureResponse(400, "url is required and must be a valid absolute URL")
	}
	if target.Scheme != "https" {
		return wire.NewFailureResponse(400, "only https URLs are supported")
	}

	host := target.Hostname()
	if host == "" {
		return wire.NewFailureResponse(400, "url must include a host")
	}
	port := 443
	if p := target.Port(); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return wire.NewFailureResponse(400, "invalid port in url")
		}
		port = parsed
	}

	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}

	tunnelConn, err := s.dialTunnel(ctx, host, port)
	if err != nil {
		event.Error().Err(err).Msg("failed to open tunnel")
		return wire.NewFailureResponse(503, err.Error())
	}
	defer tunnelConn.Close()

	authority := host
	if port != 443 {
		authority = net.JoinHostPort(host, strconv.Itoa(port))
	}

	tlsConn := tls.Client(tunnelConn, &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: false,
		RootCAs:            s.rootCAs,
	})

	handshakeCtx, handshakeCancel := context.WithTimeout(ctx, s.cfg.TLSHandshakeTimeout)
	defer handshakeCancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		event.Error().Err(err).Msg("TLS handshake failed")
		return wire.NewFailureResponse(502, err.Error())
	}
	defer tlsConn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = tunnelConn.SetDeadline(deadline)
	}

	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes = []byte(*req.Body)
	}

	outboundReq := httpclient.Request{
		Method:  req.Method,
		Path:    path,
		Headers: httpclient.PrepareForOrigin(req.Headers, authority, bodyBytes),
		Body:    bodyBytes,
	}

	if err := httpclient.WriteRequest(tlsConn, outboundReq); err != nil {
		event.Error().Err(err).Msg("failed to write request to origin")
		return wire.NewFailureResponse(502, err.Error())
	}

	resp, err := httpclient.ReadResponse(bufio.NewReader(tlsConn))
	if err != nil {
		event.Error().Err(err).Msg("failed to parse origin response")
		return wire.NewFailureResponse(502, err.Error())
	}

	return wire.NewSuccessResponse(resp.Status, resp.Headers, resp.Body)
}

// openTunnel connects to the tunnel relay, sends the TunnelOpen handshake,
// and returns the underlying connection on success.
func (s *Server) openTunnel(ctx context.Context, host string, port int) (net.Conn, error) {
	conn, err := vsockdial.Dial(ctx, s.cfg.HTR)
	if err != nil {
		return nil, fmt.Errorf("connect to tunnel relay: %w", err)
	}

	if err := wire.WriteMessage(conn, wire.TunnelOpen{Host: host, Port: uint16(port)}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send tunnel-open: %w", err)
	}

	var reply wire.TunnelReply
	if err := wire.ReadMessage(conn, &reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read tunnel-open reply: %w", err)
	}
	if !reply.Connected() {
		conn.Close()
		return nil, fmt.Errorf("%s", reply.Message)
	}

	return conn, nil
}
