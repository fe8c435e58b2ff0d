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

import "errors"

var (
	// ErrUnknownScheme is returned for an unrecognized address scheme.
	ErrUnknownScheme = errors.New("unknown transport scheme")

	// ErrInvalidAddr is returned for a malformed address string.
	ErrInvalidAddr = errors.New("invalid transport address")

	// ErrMissingTLSConfig is returned when a tcp+tls address is used
	// without TLS material.
	ErrMissingTLSConfig = errors.New("tcp+tls requires a TLS config")

	// ErrInvalidFingerprint is returned when a certificate fingerprint
	// is not 64 hex characters after normalization.
	ErrInvalidFingerprint = errors.New("invalid certificate fingerprint")
)
