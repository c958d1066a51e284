// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package runner

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ignoredArtifacts are interpreter droppings, not program output.
var ignoredArtifacts = []string{"__pycache__", "*.pyc", ".git", "go.sum"}

// artifactWatcher records files created under a root while it runs.
//
// Thread Safety: start/stop are called from the owning Run; the event
// loop runs in its own goroutine guarded by the mutex.
type artifactWatcher struct {
	watcher *fsnotify.Watcher
	root    string

	mu      sync.Mutex
	created map[string]struct{}

	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
	result   []string
}

func newArtifactWatcher(root string) (*artifactWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	aw := &artifactWatcher{
		watcher:  w,
		root:     root,
		created:  make(map[string]struct{}),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if err := aw.addRecursive(root); err != nil {
		w.Close()
		return nil, err
	}
	return aw, nil
}

func (w *artifactWatcher) start() {
	go w.loop()
}

// stop ends the watch and returns the sorted created paths, relative to
// the root. Safe to call more than once.
func (w *artifactWatcher) stop() []string {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
		<-w.loopDone

		w.mu.Lock()
		for path := range w.created {
			if rel, err := filepath.Rel(w.root, path); err == nil {
				w.result = append(w.result, rel)
			}
		}
		w.mu.Unlock()
		sort.Strings(w.result)
	})
	return w.result
}

func (w *artifactWatcher) loop() {
	defer close(w.loopDone)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) || w.shouldIgnore(event.Name) {
				continue
			}
			info, err := os.Stat(event.Name)
			if err != nil {
				continue
			}
			if info.IsDir() {
				// A new directory joins the watch, and anything already
				// inside it was also created during the run: record it
				// now, since its create events predate the watch.
				w.adoptDir(event.Name)
				continue
			}
			w.record(event.Name)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors degrade to missed artifacts, never a failed run.
		}
	}
}

func (w *artifactWatcher) record(path string) {
	w.mu.Lock()
	w.created[path] = struct{}{}
	w.mu.Unlock()
}

// adoptDir watches a directory created mid-run and records the files that
// raced ahead of the watch registration.
func (w *artifactWatcher) adoptDir(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if w.shouldIgnore(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			_ = w.watcher.Add(path)
			return nil
		}
		w.record(path)
		return nil
	})
}

func (w *artifactWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.shouldIgnore(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *artifactWatcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range ignoredArtifacts {
		if base == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, base); matched {
			return true
		}
		if strings.Contains(path, string(filepath.Separator)+pattern+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
