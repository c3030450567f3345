// Copyright 2024 The BM2 Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch implements the supervision engine's recursive,
// debounced source-change watcher (spec.md §4.7), built on
// fsnotify.Watcher the way cronmon/watcher.go watches its
// configuration directory, generalized to recurse into subdirectories
// and filter by ignore globs via doublestar.
package watch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	pkgerrors "github.com/pkg/errors"
)

var defaultIgnores = []string{"node_modules", ".git", ".bm2"}

// Watcher recursively watches a set of roots and debounces change
// notifications with a trailing-edge window.
type Watcher struct {
	onChange func()
	debounce time.Duration
	ignore   []string

	fsw *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	stop chan struct{}
	done chan struct{}
}

// New creates and arms a Watcher over roots (defaulting to the
// current directory when empty, per spec.md §8's boundary case),
// skipping any path matching one of defaultIgnores or extraIgnore
// (doublestar patterns). onChange fires at most once per debounce
// window, from the Watcher's own goroutine.
func New(roots, extraIgnore []string, debounce time.Duration, onChange func()) (*Watcher, error) {
	if len(roots) == 0 {
		roots = []string{"."}
	}
	if debounce <= 0 {
		debounce = time.Second
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "watch: create fsnotify watcher")
	}

	w := &Watcher{
		onChange: onChange,
		debounce: debounce,
		ignore:   append(append([]string{}, defaultIgnores...), extraIgnore...),
		fsw:      fsw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			fsw.Close()
			return nil, pkgerrors.Wrapf(err, "watch: add %q", root)
		}
	}

	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// A root that disappears mid-walk degrades gracefully
			// (spec.md §4.7: non-fatal); the error is skipped, not reported.
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if w.ignored(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	for _, pat := range w.ignore {
		if matched, _ := doublestar.Match(pat, filepath.Base(path)); matched {
			return true
		}
		if matched, _ := doublestar.Match(pat, path); matched {
			return true
		}
	}
	return false
}

// Run blocks dispatching fsnotify events until Stop is called.
func (w *Watcher) Run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Non-fatal per spec.md §4.7; watcher errors are discarded.
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.ignored(evt.Name) {
				continue
			}
			if evt.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(evt.Name)
				}
			}
			w.debouncedFire()
		}
	}
}

func (w *Watcher) debouncedFire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}

// Stop closes the underlying fsnotify watcher and waits for Run to
// return.
func (w *Watcher) Stop() {
	close(w.stop)
	w.fsw.Close()
	<-w.done
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}
