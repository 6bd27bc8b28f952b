// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package httpclient

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/wire"
)

func TestWriteRequestSerializesHeadersAndBody(t *testing.T) {
	req := Request{
		Method: "POST",
		Path:   "/a/b?c=d",
		Headers: wire.Headers{
			{Name: "Host", Value: "example.test"},
			{Name: "Content-Type", Value: "application/json"},
			{Name: "Content-Length", Value: "7"},
			{Name: "Connection", Value: "close"},
		},
		Body: []byte(`{"a":1}`),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))

	want := "POST /a/b?c=d HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: 7\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		`{"a":1}`
	require.Equal(t, want, buf.String())
}

func TestWriteRequestRejectsInvalidHeaderName(t *testing.T) {
	req := Request{
		Method:  "GET",
		Path:    "/",
		Headers: wire.Headers{{Name: "Bad Header", Value: "x"}},
	}
	var buf bytes.Buffer
	require.Error(t, WriteRequest(&buf, req))
}

func TestPrepareForOriginSetsHostConnectionAndLength(t *testing.T) {
	out := PrepareForOrigin(wire.Headers{{Name: "Accept", Value: "*/*"}}, "example.test:8443", []byte("hi"))

	host, ok := out.Get("Host")
	require.True(t, ok)
	require.Equal(t, "example.test:8443", host)

	conn, ok := out.Get("Connection")
	require.True(t, ok)
	require.Equal(t, "close", conn)

	cl, ok := out.Get("Content-Length")
	require.True(t, ok)
	require.Equal(t, "2", cl)
}

func TestPrepareForOriginDoesNotOverrideExplicitContentLength(t *testing.T) {
	out := PrepareForOrigin(wire.Headers{{Name: "Content-Length", Value: "999"}}, "example.test", []byte("hi"))
	cl, _ := out.Get("Content-Length")
	require.Equal(t, "999", cl)
}

func TestReadResponseFixedLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, "OK", resp.Reason)
	require.Equal(t, "hi", resp.Body)
}

func TestReadResponseChunked(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, "Wikipedia", resp.Body)
}

func TestReadResponseUntilEOF(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nall the bytes"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Equal(t, "all the bytes", resp.Body)
}

func TestReadResponseMalformedStatusLine(t *testing.T) {
	raw := "NOT HTTP\r\n\r\n"
	_, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
	require.Error(t, err)
}

func TestReadResponseDuplicateHeaderKeepsLast(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nX-A: first\r\nX-A: second\r\nContent-Length: 0\r\n\r\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	v, ok := resp.Headers.Get("X-A")
	require.True(t, ok)
	require.Equal(t, "second", v)
}
