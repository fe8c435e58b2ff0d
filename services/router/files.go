// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianIndex/services/router/protocol"
)

// CollectJavaFiles walks root and returns the sorted paths of every
// .java file under it. Hidden directories are skipped. A missing root
// yields an empty slice rather than an error; a root may appear before
// its first build.
func CollectJavaFiles(ctx context.Context, root string) ([]string, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if name := d.Name(); strings.HasPrefix(name, ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".java") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

// readFileTexts loads paths into wire-ready file payloads. Unreadable
// files are logged and skipped; a file deleted mid-walk must not sink
// the whole indexing pass.
func readFileTexts(ctx context.Context, paths []string, logger *slog.Logger) ([]protocol.FileText, error) {
	files := make([]protocol.FileText, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		files = append(files, protocol.FileText{Path: path, Text: string(text)})
	}
	return files, nil
}

// shardForPath maps a file path to the shard of the first source root
// containing it. Roots are compared as cleaned path prefixes.
func shardForPath(sourceRoots []string, path string) (protocol.ShardID, bool) {
	cleaned := filepath.Clean(path)
	for i, root := range sourceRoots {
		rootClean := filepath.Clean(root)
		if cleaned == rootClean {
			return protocol.ShardID(i), true
		}
		if strings.HasPrefix(cleaned, rootClean+string(filepath.Separator)) {
			return protocol.ShardID(i), true
		}
	}
	return 0, false
}
