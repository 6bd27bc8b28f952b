// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package httpclient writes HTTP/1.1 requests and parses HTTP/1.1
// responses directly against an io.ReadWriter, rather than net/http's
// own transport. The enclave sidecar needs this because its "connection"
// to the origin is a TLS client layered over an opaque tunnel byte
// stream, not anything net/http's RoundTripper can dial on its own.
package httpclient

import (
	"fmt"
	"io"
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/wire"
)

// Request is the serializable shape of an outbound HTTP/1.1 request.
type Request struct {
	Method  string
	Path    string // path plus raw query, e.g. "/a/b?c=d"
	Headers wire.Headers
	Body    []byte
}

// Validate checks that every header name is a valid RFC 7230 token.
// Invalid names would otherwise corrupt the request line framing.
func (r Request) Validate() error {
	for _, h := range r.Headers {
		if !httpguts.ValidHeaderFieldName(h.Name) {
			return fmt.Errorf("httpclient: invalid header field name %q", h.Name)
		}
	}
	return nil
}

// PrepareForOrigin returns a copy of r.Headers with Host, Connection, and
// Content-Length adjusted per the wire protocol this sidecar speaks to
// origins: Host is set from authority if absent, Connection is forced to
// close, and Content-Length is derived from the body when the caller
// didn't already set one.
func PrepareForOrigin(headers wire.Headers, authority string, body []byte) wire.Headers {
	out := make(wire.Headers, len(headers))
	copy(out, headers)

	if _, ok := out.Get("Host"); !ok {
		out.Set("Host", authority)
	}
	out.Set("Connection", "close")

	if len(body) > 0 {
		if _, ok := out.Get("Content-Length"); !ok {
			out.Set("Content-Length", strconv.Itoa(len(body)))
		}
	}

	return out
}

// WriteRequest serializes req as an HTTP/1.1 request onto w: request line,
// headers in insertion order, a blank line, then the body bytes.
func WriteRequest(w io.Writer, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", req.Method, req.Path); err != nil {
		return fmt.Errorf("httpclient: write request line: %w", err)
	}

	for _, h := range req.Headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value); err != nil {
			return fmt.Errorf("httpclient: write header %q: %w", h.Name, err)
		}
	}

	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return fmt.Errorf("httpclient: write header terminator: %w", err)
	}

	if len(req.Body) > 0 {
		if _, err := w.Write(req.Body); err != nil {
			return fmt.Errorf("httpclient: write body: %w", err)
		}
	}

	return nil
}
