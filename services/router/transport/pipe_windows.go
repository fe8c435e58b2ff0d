// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package transport

import (
	"context"
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
)

// pipePath expands a bare pipe name into the Windows pipe namespace.
// Fully qualified names are passed through unchanged.
func pipePath(name string) string {
	if strings.HasPrefix(name, `\\.\pipe\`) {
		return name
	}
	return `\\.\pipe\` + name
}

func listenPipe(name string) (net.Listener, error) {
	return winio.ListenPipe(pipePath(name), nil)
}

func dialPipe(ctx context.Context, name string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, pipePath(name))
}
