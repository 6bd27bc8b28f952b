// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package sidecar

import (
	"encoding/hex"
	"time"
)

// AttestationDocument is the shape returned by the enclave's attestation
// interface. The specification treats the document format itself as an
// external collaborator (the platform attestation API); this type only
// carries the envelope fields the sidecar logs and would forward.
type AttestationDocument struct {
	Doc       string            `json:"doc"`
	PCRs      map[string]string `json:"pcrs"`
	Timestamp time.Time         `json:"timestamp"`
	Nonce     string            `json:"nonce,omitempty"`
}

// Attestation produces attestation documents at sidecar startup. In
// production this wraps the Nitro Enclave attestation API; the built-in
// stub returns fixed doc and PCR values (stamped with the current time) so
// test and demo builds never need real enclave hardware.
type Attestation struct {
	// Generator is swappable so production builds can plug in the real
	// platform attestation call without changing call sites. Nil uses the
	// built-in stub.
	Generator func(nonce []byte) (AttestationDocument, error)
	// Now is swappable for deterministic tests.
	Now func() time.Time
}

// NewStubAttestation returns an Attestation that always produces the same
// doc and PCR values, with Timestamp taken from Now and Nonce set from the
// nonce argument, suitable for test and demo builds.
func NewStubAttestation() *Attestation {
	return &Attestation{Now: time.Now}
}

// Generate produces an attestation document for nonce, which may be nil.
func (a *Attestation) Generate(nonce []byte) (AttestationDocument, error) {
	if a.Generator != nil {
		return a.Generator(nonce)
	}
	return a.stub(nonce)
}

func (a *Attestation) stub(nonce []byte) (AttestationDocument, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}

	doc := AttestationDocument{
		Doc: "stub-attestation-document",
		PCRs: map[string]string{
			"0": "stub-pcr0",
			"1": "stub-pcr1",
			"2": "stub-pcr2",
		},
		Timestamp: now(),
	}
	if len(nonce) > 0 {
		doc.Nonce = hex.EncodeToString(nonce)
	}
	return doc, nil
}
