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
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher defaults.
const (
	// DefaultDebounceWindow is how long to wait for more changes before
	// pushing a batch of updates. Editors produce bursts of writes;
	// reindexing per keystroke would thrash the workers.
	DefaultDebounceWindow = 100 * time.Millisecond

	watcherBufferSize = 1000
)

// SourceWatcher watches the source roots and feeds debounced file
// changes into a router's UpdateFile. Removed files are pushed as empty
// text, which drops their symbols from the index.
//
// Thread Safety: safe for concurrent use. Updates are pushed from a
// single goroutine.
type SourceWatcher struct {
	router      QueryRouter
	sourceRoots []string
	logger      *slog.Logger
	debounce    time.Duration

	watcher *fsnotify.Watcher
	changes chan string
	done    chan struct{}

	stopOnce sync.Once
}

// NewSourceWatcher creates a watcher over the router's source roots.
// Call Start to begin watching.
func NewSourceWatcher(router QueryRouter, sourceRoots []string, logger *slog.Logger) (*SourceWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceWatcher{
		router:      router,
		sourceRoots: sourceRoots,
		logger:      logger.With(slog.String("component", "watcher")),
		debounce:    DefaultDebounceWindow,
		watcher:     fsw,
		changes:     make(chan string, watcherBufferSize),
		done:        make(chan struct{}),
	}, nil
}

// Start begins watching. Both goroutines exit when Stop is called or
// ctx is canceled.
func (w *SourceWatcher) Start(ctx context.Context) error {
	for _, root := range w.sourceRoots {
		if err := w.addRecursive(root); err != nil {
			return err
		}
	}
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops the watcher. Idempotent.
func (w *SourceWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *SourceWatcher) addRecursive(root string) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *SourceWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addRecursive(event.Name)
					continue
				}
			}
			if !strings.HasSuffix(event.Name, ".java") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			select {
			case w.changes <- event.Name:
			default:
				// Buffer full; the next full index pass will catch up.
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// debounceLoop batches change paths and pushes them once the window
// closes without new events.
func (w *SourceWatcher) debounceLoop(ctx context.Context) {
	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		for path := range pending {
			w.pushUpdate(ctx, path)
			delete(pending, path)
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case path := <-w.changes:
			pending[path] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

func (w *SourceWatcher) pushUpdate(ctx context.Context, path string) {
	text, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("reading changed file failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return
		}
		// Deleted. An empty body clears its symbols.
		text = nil
	}

	if err := w.router.UpdateFile(ctx, path, string(text)); err != nil {
		w.logger.Warn("file update failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
}
