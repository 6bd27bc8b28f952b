// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Header is a single name/value pair carried in an envelope.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of header name/value pairs. Unlike net/http's
// map-based representation, Headers preserves the insertion order its
// caller gave it, which keeps re-serialized requests reproducible across
// the control channel. Duplicate names collapse to the last value written,
// matching the envelope's map<string,string> shape in the data model.
type Headers []Header

// Set appends name/value, replacing any existing entry with the same name
// (case-sensitively; canonicalization is the caller's responsibility).
func (h *Headers) Set(name, value string) {
	for i := range *h {
		if (*h)[i].Name == name {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Get returns the value for name and whether it was present.
func (h Headers) Get(name string) (string, bool) {
	for _, kv := range h {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// Del removes the entry for name, if any.
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, kv := range *h {
		if kv.Name != name {
			out = append(out, kv)
		}
	}
	*h = out
}

// MarshalJSON writes Headers as a JSON object, preserving insertion order.
// encoding/json would otherwise sort map keys and discard order, which is
// why Headers is not a plain map[string]string.
func (h Headers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range h {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(kv.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object into Headers, preserving the order in
// which keys appear on the wire.
func (h *Headers) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("wire: headers must be a JSON object")
	}

	var out Headers
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("wire: header name must be a string")
		}

		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("wire: header %q value must be a string: %w", key, err)
		}
		out = append(out, Header{Name: key, Value: value})
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	*h = out
	return nil
}
