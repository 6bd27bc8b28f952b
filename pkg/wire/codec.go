// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageBytes bounds a single length-prefixed message. Messages
// declaring a larger length are rejected before any body bytes are read,
// so a hostile or corrupt peer cannot force an unbounded allocation.
const MaxMessageBytes = 16 * 1024 * 1024 // 16 MiB

// WriteMessage encodes v as JSON and writes it to w prefixed by its
// 4-byte big-endian length, per the framing rule shared by the control
// and tunnel-open channels.
func WriteMessage(w io.Writer, v any) error {
	payload, err := marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode message: %w", err)
	}
	if len(payload) > MaxMessageBytes {
		return fmt.Errorf("wire: message of %d bytes exceeds cap of %d", len(payload), MaxMessageBytes)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))

	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON message from r and decodes it
// into v. It returns io.EOF unmodified when the peer closed the connection
// before sending a length prefix, so callers can distinguish a clean
// disconnect from a framing error.
func ReadMessage(r io.Reader, v any) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("wire: truncated length prefix: %w", err)
		}
		return err
	}

	length := binary.BigEndian.Uint32(lenPrefix[:])
	if length > MaxMessageBytes {
		return fmt.Errorf("wire: declared message length %d exceeds cap of %d", length, MaxMessageBytes)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("wire: read message body: %w", err)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: decode message: %w", err)
	}
	return nil
}
