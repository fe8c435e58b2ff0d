// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !windows

package transport

import (
	"context"
	"net"
	"os"
	"path/filepath"
)

// pipePath maps a pipe name onto a per-user unix socket path so pipe:
// addresses stay usable on non-Windows hosts.
func pipePath(name string) string {
	return filepath.Join(os.TempDir(), name+".pipe")
}

func listenPipe(name string) (net.Listener, error) {
	path := pipePath(name)
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

func dialPipe(ctx context.Context, name string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", pipePath(name))
}
