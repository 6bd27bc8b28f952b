// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package hostproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/config"
	"github.com/go-core-stack/nitro-egress-tunnel/pkg/vsockdial"
	"github.com/go-core-stack/nitro-egress-tunnel/pkg/wire"
)

// healthCheckTimeout bounds how long the /health probe waits for ES to
// accept a connection before declaring it unhealthy.
const healthCheckTimeout = 2 * time.Second

// Proxy is the Host Ingress Proxy's http.Handler: it accepts local HTTP
// requests, frames them onto the control channel, and translates the JSON
// reply back into an HTTP response.
type Proxy struct {
	cfg    config.HIPConfig
	pool   *Pool
	logger zerolog.Logger

	// sleep is overridden in tests to avoid real retry delays.
	sleep func(time.Duration)
}

// New constructs a Proxy backed by a bounded connection pool to the
// configured ES endpoint.
func New(cfg config.HIPConfig) *Proxy {
	return &Proxy{
		cfg:    cfg,
		pool:   NewPool(cfg.ES, cfg.MaxPoolConns),
		logger: log.With().Str("component", "host-proxy").Logger(),
		sleep:  time.Sleep,
	}
}

// ServeHTTP dispatches /health probes and proxies everything else.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method == http.MethodGet && r.URL.Path == "/health" {
		p.serveHealth(w, r)
		return
	}

	requestID := uuid.NewString()
	event := p.logger.With().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("remote_addr", r.RemoteAddr).
		Logger()

	p.serveProxy(w, r, event)
	event.Info().Dur("duration", time.Since(start)).Msg("request handled")
}

// serveHealth probes ES liveness by attempting a bare connect to its
// CID:port, without going through the pool and without side effects on
// any control-connection state. If ProbeHTR is configured it additionally
// probes HTR the same way, since HIP itself never talks to HTR directly
// but an unreachable HTR means every ES request will fail regardless of
// HIP's own health.
func (p *Proxy) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := p.probe(ctx, p.cfg.ES); err != nil {
		p.logger.Warn().Err(err).Msg("health check: enclave unreachable")
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	if p.cfg.ProbeHTR {
		if err := p.probe(ctx, p.cfg.HTR); err != nil {
			p.logger.Warn().Err(err).Msg("health check: tunnel relay unreachable")
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK: Proxy and enclave are healthy")
}

func (p *Proxy) probe(ctx context.Context, ep vsockdial.Endpoint) error {
	conn, err := vsockdial.Dial(ctx, ep)
	if err != nil {
		return err
	}
	return conn.Close()
}

// serveProxy builds a control-channel request from r, round-trips it to ES
// with the configured retry policy, and translates the outcome into an
// HTTP response.
func (p *Proxy) serveProxy(w http.ResponseWriter, r *http.Request, event zerolog.Logger) {
	req, err := p.buildControlRequest(r)
	if err != nil {
		event.Warn().Err(err).Msg("bad request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := p.roundTripWithRetry(r.Context(), req, event)
	if err != nil {
		event.Error().Err(err).Msg("enclave unavailable after retries")
		http.Error(w, fmt.Sprintf("enclave unavailable: %v", err), http.StatusServiceUnavailable)
		return
	}

	p.writeResponse(w, resp, event)
}

// buildControlRequest reconstructs the absolute target URL from the
// request-target plus the Host header (or, in classic forward-proxy mode,
// from an already-absolute request-target), and carries headers and body
// verbatim into the envelope.
func (p *Proxy) buildControlRequest(r *http.Request) (wire.ControlRequest, error) {
	targetURL, err := targetURLFor(r)
	if err != nil {
		return wire.ControlRequest{}, err
	}

	var headers wire.Headers
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		// net/http's Header is a map keyed by canonical name, so the
		// original wire order is already lost: entries are added in Go's
		// (unordered) map-iteration order. The envelope carries one value
		// per name, so repeated headers collapse to their last value.
		headers.Set(name, values[len(values)-1])
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return wire.ControlRequest{}, fmt.Errorf("read request body: %w", err)
	}
	if !utf8.Valid(bodyBytes) {
		return wire.ControlRequest{}, fmt.Errorf("request body is not valid UTF-8")
	}

	req := wire.ControlRequest{
		Method:  r.Method,
		URL:     targetURL,
		Headers: headers,
	}
	if len(bodyBytes) > 0 {
		body := string(bodyBytes)
		req.Body = &body
	}
	return req, nil
}

func targetURLFor(r *http.Request) (string, error) {
	if r.URL.IsAbs() {
		return r.URL.String(), nil
	}

	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if host == "" {
		return "", fmt.Errorf("request is missing a Host header")
	}

	target := &url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	return target.String(), nil
}

// roundTripWithRetry implements the retry policy of §4.1: connection-level
// failures and TunnelFailed/EnclaveUnavailable (status 503) failure
// envelopes are retried up to MaxRetries with RetryDelay between
// attempts; every other outcome (Success or any other Failure status) is
// returned immediately without retry.
func (p *Proxy) roundTripWithRetry(ctx context.Context, req wire.ControlRequest, event zerolog.Logger) (*wire.ControlResponse, error) {
	var lastFailure *wire.ControlResponse
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		resp, err := p.roundTrip(ctx, req)
		if err != nil {
			lastErr = err
			event.Warn().Err(err).Int("attempt", attempt+1).Msg("control round trip failed")
			if attempt < p.cfg.MaxRetries {
				p.sleep(p.cfg.RetryDelay)
				continue
			}
			break
		}

		if !resp.Success && resp.Status == http.StatusServiceUnavailable && attempt < p.cfg.MaxRetries {
			lastFailure = resp
			lastErr = nil
			event.Warn().Int("attempt", attempt+1).Str("error", resp.Error).Msg("enclave reported a retryable failure")
			p.sleep(p.cfg.RetryDelay)
			continue
		}

		return resp, nil
	}

	if lastFailure != nil {
		return lastFailure, nil
	}
	return nil, lastErr
}

// roundTrip performs one control-channel request/response exchange,
// checking out a connection from the pool and discarding it on any I/O or
// framing error so it is never reused in a corrupted state.
func (p *Proxy) roundTrip(ctx context.Context, req wire.ControlRequest) (*wire.ControlResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.OutboundTimeout)
	defer cancel()

	conn, err := p.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkout control connection: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := wire.WriteMessage(conn, req); err != nil {
		p.pool.Discard(conn)
		return nil, fmt.Errorf("write control request: %w", err)
	}

	var resp wire.ControlResponse
	if err := wire.ReadMessage(conn, &resp); err != nil {
		p.pool.Discard(conn)
		return nil, fmt.Errorf("read control response: %w", err)
	}

	_ = conn.SetDeadline(time.Time{})
	p.pool.Put(conn)
	return &resp, nil
}

// writeResponse translates a ControlResponse into the client-facing HTTP
// response, per §4.1's response-translation rules.
func (p *Proxy) writeResponse(w http.ResponseWriter, resp *wire.ControlResponse, event zerolog.Logger) {
	if !resp.Success {
		http.Error(w, resp.Error, statusOrDefault(resp.Status, http.StatusServiceUnavailable))
		return
	}

	bodyBytes := []byte(resp.Body)

	contentType := "text/plain"
	for _, h := range resp.Headers {
		if equalFoldHeader(h.Name, "Content-Type") {
			contentType = h.Value
		}
	}

	header := w.Header()
	for _, h := range resp.Headers {
		if equalFoldHeader(h.Name, "Content-Length") || equalFoldHeader(h.Name, "Connection") {
			continue
		}
		header.Add(h.Name, h.Value)
	}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(bodyBytes)))

	w.WriteHeader(statusOrDefault(resp.Status, http.StatusOK))
	if _, err := w.Write(bodyBytes); err != nil {
		event.Error().Err(err).Msg("failed to write response body to client")
	}
}

func statusOrDefault(status, fallback int) int {
	if status == 0 {
		return fallback
	}
	return status
}

func equalFoldHeader(a, b string) bool {
	return len(a) == len(b) && foldASCIIEqual(a, b)
}

func foldASCIIEqual(a, b string) bool {
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Close releases pooled connections. It does not stop in-flight requests;
// callers coordinate that via the http.Server's own Shutdown.
func (p *Proxy) Close() {
	p.pool.CloseAll()
}
