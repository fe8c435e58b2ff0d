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
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
)

// Options carries transport-level settings shared by Listen and Dial.
type Options struct {
	// TLS is required for tcp+tls addresses and ignored otherwise.
	TLS *tls.Config
}

// Conn is a transport connection with an optional TLS peer identity.
type Conn struct {
	net.Conn
	identity Identity
}

// Handshake completes any transport-level negotiation. For TLS
// connections it runs the TLS handshake (bounded by ctx) and records the
// client certificate fingerprint. For plaintext transports it is a no-op.
// Must be called before Identity.
func (c *Conn) Handshake(ctx context.Context) error {
	tconn, ok := c.Conn.(*tls.Conn)
	if !ok {
		return nil
	}
	if err := tconn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	if certs := tconn.ConnectionState().PeerCertificates; len(certs) > 0 {
		c.identity.TLSFingerprint = Fingerprint(certs[0])
	}
	return nil
}

// Identity returns the peer identity established by Handshake.
func (c *Conn) Identity() Identity {
	return c.identity
}

// Listener accepts transport connections for one Addr.
type Listener struct {
	addr  Addr
	inner net.Listener
}

// Listen opens a listener for addr.
//
// Unix sockets: a stale socket file at the target path is removed first
// and the fresh socket is restricted to the owning user.
func Listen(addr Addr, opts Options) (*Listener, error) {
	switch addr.Scheme {
	case SchemeUnix:
		// A crashed router leaves the socket file behind; a live one
		// holds it open, so bind failure still surfaces below.
		_ = os.Remove(addr.Target)
		ln, err := net.Listen("unix", addr.Target)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		if err := os.Chmod(addr.Target, 0o600); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("restrict socket %s: %w", addr.Target, err)
		}
		return &Listener{addr: addr, inner: ln}, nil

	case SchemePipe:
		ln, err := listenPipe(addr.Target)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		return &Listener{addr: addr, inner: ln}, nil

	case SchemeTCP:
		ln, err := net.Listen("tcp", addr.Target)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		return &Listener{addr: addr, inner: ln}, nil

	case SchemeTCPTLS:
		if opts.TLS == nil {
			return nil, ErrMissingTLSConfig
		}
		ln, err := net.Listen("tcp", addr.Target)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		return &Listener{addr: addr, inner: tls.NewListener(ln, opts.TLS)}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, addr.Scheme)
	}
}

// Accept waits for the next connection. The returned connection has not
// completed its transport handshake yet; callers set a deadline and call
// Conn.Handshake before reading.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: c}, nil
}

// Addr returns the address the listener was opened with.
func (l *Listener) Addr() Addr {
	return l.addr
}

// Close stops accepting. Safe to call more than once.
func (l *Listener) Close() error {
	return l.inner.Close()
}

// Dial connects to addr. For tcp+tls the TLS handshake completes before
// Dial returns, bounded by ctx.
func Dial(ctx context.Context, addr Addr, opts Options) (*Conn, error) {
	var d net.Dialer

	switch addr.Scheme {
	case SchemeUnix:
		c, err := d.DialContext(ctx, "unix", addr.Target)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return &Conn{Conn: c}, nil

	case SchemePipe:
		c, err := dialPipe(ctx, addr.Target)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return &Conn{Conn: c}, nil

	case SchemeTCP:
		c, err := d.DialContext(ctx, "tcp", addr.Target)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return &Conn{Conn: c}, nil

	case SchemeTCPTLS:
		if opts.TLS == nil {
			return nil, ErrMissingTLSConfig
		}
		raw, err := d.DialContext(ctx, "tcp", addr.Target)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		tconn := tls.Client(raw, opts.TLS)
		conn := &Conn{Conn: tconn}
		if err := conn.Handshake(ctx); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, addr.Scheme)
	}
}
