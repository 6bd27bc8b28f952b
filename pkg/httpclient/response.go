// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package httpclient

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/wire"
)

// Response is the parsed shape of an inbound HTTP/1.1 response, with the
// body already decoded to a UTF-8 string for the control-channel envelope.
type Response struct {
	Status  int
	Reason  string
	Headers wire.Headers
	Body    string
}

var statusLineRE = regexp.MustCompile(`^HTTP/\d\.\d (\d{3}) (.*)$`)

// ReadResponse reads one HTTP/1.1 response from r: a status line, headers
// up to a blank line, then a body sized per Content-Length, chunked
// transfer-encoding, or (absent either) read to EOF.
func ReadResponse(r *bufio.Reader) (*Response, error) {
	statusLine, err := readCRLFLine(r)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read status line: %w", err)
	}

	m := statusLineRE.FindStringSubmatch(statusLine)
	if m == nil {
		return nil, fmt.Errorf("httpclient: malformed status line %q", statusLine)
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("httpclient: malformed status code %q", m[1])
	}

	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}

	body, err := readBody(r, headers)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status:  code,
		Reason:  m[2],
		Headers: headers,
		Body:    decodeUTF8Lossy(body),
	}, nil
}

func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readHeaders reads header lines until a blank line, splitting each on the
// first colon and trimming surrounding linear whitespace. Duplicate keys
// collapse to the last value, matching the envelope's map<string,string>
// contract; Go's own http.Header can preserve every value, but the wire
// envelope cannot, so collapsing here keeps response parsing and envelope
// serialization consistent.
func readHeaders(r *bufio.Reader) (wire.Headers, error) {
	var headers wire.Headers
	for {
		line, err := readCRLFLine(r)
		if err != nil {
			return nil, fmt.Errorf("httpclient: read header line: %w", err)
		}
		if line == "" {
			return headers, nil
		}

		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("httpclient: malformed header line %q", line)
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		headers.Set(name, value)
	}
}

func readBody(r *bufio.Reader, headers wire.Headers) ([]byte, error) {
	if te, ok := headers.Get("Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(te), "chunked") {
		return readChunkedBody(r)
	}

	if cl, ok := headers.Get("Content-Length"); ok {
		length, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("httpclient: invalid Content-Length %q", cl)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("httpclient: read fixed-length body: %w", err)
		}
		return buf, nil
	}

	// No Content-Length and not chunked: read until EOF. This is only
	// correct because the sidecar always sends "Connection: close", so
	// the origin is guaranteed to close the stream once the body ends.
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("httpclient: read body to EOF: %w", err)
	}
	return body, nil
}

func readChunkedBody(r *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		sizeLine, err := readCRLFLine(r)
		if err != nil {
			return nil, fmt.Errorf("httpclient: read chunk size: %w", err)
		}

		sizeField := sizeLine
		if semi := strings.IndexByte(sizeField, ';'); semi >= 0 {
			sizeField = sizeField[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("httpclient: invalid chunk size %q", sizeLine)
		}

		if size == 0 {
			// Trailer section, terminated by a blank line.
			for {
				line, err := readCRLFLine(r)
				if err != nil {
					return nil, fmt.Errorf("httpclient: read trailer: %w", err)
				}
				if line == "" {
					break
				}
			}
			return body, nil
		}

		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, fmt.Errorf("httpclient: read chunk body: %w", err)
		}
		body = append(body, chunk...)

		if _, err := readCRLFLine(r); err != nil {
			return nil, fmt.Errorf("httpclient: read chunk terminator: %w", err)
		}
	}
}

// decodeUTF8Lossy decodes b as UTF-8, replacing invalid sequences with the
// Unicode replacement character. Binary responses are therefore lossy;
// this is a deliberate, documented trade-off of forcing response bodies
// into a JSON string envelope (see design notes).
func decodeUTF8Lossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		sb.WriteRune(r)
		i += size
	}
	return sb.String()
}
