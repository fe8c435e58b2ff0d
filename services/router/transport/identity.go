// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identity is what the transport layer learned about a peer. For TLS
// connections with a verified client certificate, TLSFingerprint holds
// the normalized SHA-256 digest of the leaf certificate; otherwise it
// is empty.
type Identity struct {
	TLSFingerprint string
}

// Fingerprint computes the normalized SHA-256 fingerprint of a
// certificate: 64 lowercase hex characters.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint canonicalizes an operator-supplied fingerprint:
// colons and whitespace are stripped and hex digits lowercased. Rejects
// anything that is not exactly 64 hex characters afterwards.
func NormalizeFingerprint(s string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '\t':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))

	if len(cleaned) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %d characters after normalization", ErrInvalidFingerprint, len(cleaned))
	}
	if _, err := hex.DecodeString(cleaned); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	return cleaned, nil
}

// GenerateAuthToken creates a fresh shared-secret token for the
// router/worker handshake. Tokens travel via environment, never argv.
func GenerateAuthToken() string {
	return uuid.NewString() + uuid.NewString()
}
