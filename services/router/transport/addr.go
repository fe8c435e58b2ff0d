// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport provides the listener and dialer surface shared by
// the router and its workers: unix domain sockets, named pipes, and TCP
// with optional mutual TLS.
//
// Addresses use a scheme prefix so one string can travel through worker
// argv unambiguously: "unix:/run/r.sock", "pipe:indexd", "tcp:127.0.0.1:9400",
// "tcp+tls:10.0.0.5:9400".
package transport

import (
	"fmt"
	"strings"
)

// Scheme selects the transport family of an Addr.
type Scheme string

const (
	SchemeUnix   Scheme = "unix"
	SchemePipe   Scheme = "pipe"
	SchemeTCP    Scheme = "tcp"
	SchemeTCPTLS Scheme = "tcp+tls"
)

// Addr is a parsed scheme-prefixed endpoint. Target is a filesystem path
// for unix, a pipe name for pipe, and host:port for the TCP schemes.
type Addr struct {
	Scheme Scheme
	Target string
}

// ParseAddr parses a scheme-prefixed address string.
//
// Outputs:
//   - Addr: Parsed address such that addr.String() round-trips.
//   - error: ErrUnknownScheme for unrecognized prefixes, ErrInvalidAddr
//     for empty targets.
func ParseAddr(s string) (Addr, error) {
	scheme, target, ok := strings.Cut(s, ":")
	if !ok {
		return Addr{}, fmt.Errorf("%w: %q has no scheme prefix", ErrInvalidAddr, s)
	}

	switch Scheme(scheme) {
	case SchemeUnix, SchemePipe, SchemeTCP, SchemeTCPTLS:
	default:
		return Addr{}, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	if target == "" {
		return Addr{}, fmt.Errorf("%w: %q has an empty target", ErrInvalidAddr, s)
	}
	return Addr{Scheme: Scheme(scheme), Target: target}, nil
}

// String returns the scheme-prefixed form accepted by ParseAddr.
func (a Addr) String() string {
	return string(a.Scheme) + ":" + a.Target
}

// IsLocal reports whether the transport never leaves the machine.
func (a Addr) IsLocal() bool {
	return a.Scheme == SchemeUnix || a.Scheme == SchemePipe
}

// IsLoopbackTCP reports whether a TCP target binds a loopback interface.
// Used to decide whether plaintext TCP is tolerable.
func (a Addr) IsLoopbackTCP() bool {
	if a.Scheme != SchemeTCP {
		return false
	}
	host := a.Target
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
