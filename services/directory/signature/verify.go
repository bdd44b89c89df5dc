// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package signature verifies update-endpoint payloads. The service
// treats the verifier as a port; the default implementation checks an
// ed25519 signature against a configured public key.
package signature

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature means the payload was not signed by the
	// configured key.
	ErrInvalidSignature = errors.New("invalid payload signature")

	// ErrNoKey means no public key is configured; updates are disabled.
	ErrNoKey = errors.New("no update public key configured")
)

// Verifier checks that a payload carries a valid signature.
type Verifier interface {
	Verify(payload, sig []byte) error
}

// Ed25519Verifier verifies ed25519 signatures.
type Ed25519Verifier struct {
	pub ed25519.PublicKey
}

// NewEd25519FromHex builds a verifier from a hex-encoded public key.
func NewEd25519FromHex(hexKey string) (*Ed25519Verifier, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &Ed25519Verifier{pub: ed25519.PublicKey(raw)}, nil
}

// Verify implements Verifier.
func (v *Ed25519Verifier) Verify(payload, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(v.pub, payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Disabled rejects every payload. Used when no key is configured.
type Disabled struct{}

// Verify implements Verifier.
func (Disabled) Verify([]byte, []byte) error {
	return ErrNoKey
}
