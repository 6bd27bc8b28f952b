// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package tunnelrelay implements the Host Tunnel Relay (HTR): a vsock
// server that opens a raw TCP connection per tunnel request and bridges
// bytes bidirectionally between the enclave and the remote endpoint
// without ever inspecting payload bytes beyond the opening handshake.
package tunnelrelay

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/config"
	"github.com/go-core-stack/nitro-egress-tunnel/pkg/wire"
)

// handshakeTimeout bounds how long a peer has to send its TunnelOpen
// request after connecting, before the relay gives up on it.
const handshakeTimeout = 10 * time.Second

// Server is the Host Tunnel Relay.
type Server struct {
	cfg    config.HTRConfig
	logger zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewServer constructs a Server bound to cfg.
func NewServer(cfg config.HTRConfig) *Server {
	return &Server{
		cfg:    cfg,
		logger: log.With().Str("component", "tunnel-relay").Logger(),
		sem:    make(chan struct{}, cfg.MaxTunnels),
	}
}

// Serve accepts connections on ln until ctx is canceled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info().Str("addr", s.cfg.Listen.String()).Int("max_tunnels", s.cfg.MaxTunnels).Msg("tunnel relay listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tunnelrelay: accept: %w", err)
		}

		select {
		case s.sem <- struct{}{}:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				s.handleConn(ctx, conn)
			}()
		default:
			s.logger.Warn().Int("max_tunnels", s.cfg.MaxTunnels).Msg("tunnel capacity exceeded, rejecting connection")
			_ = conn.Close()
		}
	}
}

// Shutdown waits up to the context deadline for in-flight tunnels to drain.
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
		return fmt.Errorf("tunnelrelay: shutdown timed out with tunnels still active: %w", ctx.Err())
	}
}

func (s *Server) handleConn(ctx context.Context, enclaveConn net.Conn) {
	defer enclaveConn.Close()

	tunnelID := uuid.NewString()
	event := s.logger.With().Str("tunnel_id", tunnelID).Logger()

	_ = enclaveConn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var open wire.TunnelOpen
	if err := wire.ReadMessage(enclaveConn, &open); err != nil {
		event.Error().Err(err).Msg("failed to read tunnel-open handshake")
		return
	}
	_ = enclaveConn.SetReadDeadline(time.Time{})

	event = event.With().Str("target", net.JoinHostPort(open.Host, strconv.Itoa(int(open.Port)))).Logger()

	if open.Host == "" || open.Port == 0 {
		s.replyError(enclaveConn, event, "missing host or port")
		return
	}

	if !s.cfg.AllowPrivateTargets && isPrivateTarget(open.Host) {
		s.replyError(enclaveConn, event, "target address is not allowed")
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	targetConn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(open.Host, strconv.Itoa(int(open.Port))))
	if err != nil {
		event.Error().Err(err).Msg("failed to connect to target")
		s.replyError(enclaveConn, event, err.Error())
		return
	}
	defer targetConn.Close()

	if err := wire.WriteMessage(enclaveConn, wire.NewConnectedReply()); err != nil {
		event.Error().Err(err).Msg("failed to write tunnel-open reply")
		return
	}

	event.Info().Msg("tunnel established")
	s.forward(enclaveConn, targetConn, event)
	event.Info().Msg("tunnel closed")
}

func (s *Server) replyError(conn net.Conn, event zerolog.Logger, message string) {
	if err := wire.WriteMessage(conn, wire.NewErrorReply(message)); err != nil {
		event.Error().Err(err).Msg("failed to write tunnel-open error reply")
	}
}

// forward bridges enclaveConn and targetConn bidirectionally until both
// directions have reached EOF or one side errors, at which point both
// sockets are force-closed.
func (s *Server) forward(enclaveConn, targetConn net.Conn, event zerolog.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := s.copyHalf(targetConn, enclaveConn); err != nil {
			event.Debug().Err(err).Msg("enclave->target forwarding ended")
			_ = enclaveConn.Close()
			_ = targetConn.Close()
		}
	}()

	go func() {
		defer wg.Done()
		if err := s.copyHalf(enclaveConn, targetConn); err != nil {
			event.Debug().Err(err).Msg("target->enclave forwarding ended")
			_ = enclaveConn.Close()
			_ = targetConn.Close()
		}
	}()

	wg.Wait()
}

// copyHalf copies from src to dst until src reaches EOF, then half-closes
// dst's write side so the peer observes EOF on its own read without the
// full connection being torn down. If dst cannot half-close (no
// CloseWrite), it is closed outright.
func (s *Server) copyHalf(dst, src net.Conn) error {
	buf := make([]byte, s.cfg.BufferBytes)
	_, err := io.CopyBuffer(dst, src, buf)

	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	} else {
		_ = dst.Close()
	}

	return err
}

// isPrivateTarget reports whether host resolves to a loopback, link-local,
// or RFC 1918 private address. It is a defense-in-depth hook, off by
// default per the specification's "default allows any resolvable address".
func isPrivateTarget(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return false
		}
		ip = addrs[0]
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
