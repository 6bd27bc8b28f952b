// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package wire defines the length-framed JSON envelopes exchanged on the two
// host↔enclave channels (the HIP↔ES control channel and the ES↔HTR tunnel
// channel) and the codec used to read/write them.
package wire

import "encoding/json"

// ControlRequest is the HIP→ES envelope for one HTTP transaction.
type ControlRequest struct {
	Method  string  `json:"method"`
	URL     string  `json:"url"`
	Headers Headers `json:"headers"`
	Body    *string `json:"body,omitempty"`
}

// ControlResponse is the ES→HIP envelope. Success and Failure share the
// `success` discriminator; exactly one of the two shapes is populated
// depending on its value.
type ControlResponse struct {
	Success bool    `json:"success"`
	Status  int     `json:"status"`
	Headers Headers `json:"headers,omitempty"`
	Body    string  `json:"body,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// NewSuccessResponse builds a Success control envelope.
func NewSuccessResponse(status int, headers Headers, body string) ControlResponse {
	return ControlResponse{Success: true, Status: status, Headers: headers, Body: body}
}

// NewFailureResponse builds a Failure control envelope.
func NewFailureResponse(status int, errMsg string) ControlResponse {
	return ControlResponse{Success: false, Status: status, Error: errMsg}
}

// TunnelOpen is the ES→HTR envelope that opens a raw byte tunnel to a
// remote TCP endpoint.
type TunnelOpen struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// TunnelReply is the HTR→ES reply to a TunnelOpen request.
type TunnelReply struct {
	Status  string `json:"status"` // "connected" or "error"
	Message string `json:"message,omitempty"`
}

// Connected reports whether the tunnel was successfully established.
func (r TunnelReply) Connected() bool {
	return r.Status == "connected"
}

// NewConnectedReply builds a successful TunnelReply.
func NewConnectedReply() TunnelReply {
	return TunnelReply{Status: "connected"}
}

// NewErrorReply builds a failed TunnelReply carrying the cause.
func NewErrorReply(message string) TunnelReply {
	return TunnelReply{Status: "error", Message: message}
}

// marshal is a thin wrapper kept so every envelope type serializes through
// one code path; it exists mainly so call sites read uniformly.
func marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
