// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/log"
)

// DefaultDebounce collapses bursts of editor writes into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Loader produces the full descriptor set for a reload.
type Loader func() ([]*connector.Descriptor, error)

// DirLoader loads every descriptor under dir, followed by extra (typically
// the builtins). Descriptors in dir replace builtins with the same id.
func DirLoader(dir string, extra func() ([]*connector.Descriptor, error)) Loader {
	return func() ([]*connector.Descriptor, error) {
		fromDir, err := connector.LoadDir(dir)
		if err != nil {
			return nil, err
		}
		var base []*connector.Descriptor
		if extra != nil {
			if base, err = extra(); err != nil {
				return nil, err
			}
		}
		return merge(base, fromDir), nil
	}
}

func merge(base, overrides []*connector.Descriptor) []*connector.Descriptor {
	seen := make(map[string]int, len(base)+len(overrides))
	out := make([]*connector.Descriptor, 0, len(base)+len(overrides))
	for _, d := range append(base, overrides...) {
		if i, ok := seen[d.ID]; ok {
			out[i] = d
			continue
		}
		seen[d.ID] = len(out)
		out = append(out, d)
	}
	return out
}

// Watcher reloads the registry when files under a descriptor directory change.
// A reload that fails validation is logged and the previous contents stay live.
type Watcher struct {
	reg      *Registry
	dir      string
	load     Loader
	debounce time.Duration
	logger   *slog.Logger

	fsw    *fsnotify.Watcher
	mu     sync.Mutex
	timer  *time.Timer
	doneCh chan struct{}

	onReload func(*Snapshot)

	// reloaded receives the outcome of each reload; used by tests.
	reloaded chan error
}

// OnReload registers fn to run with the new snapshot after each accepted
// reload. Call it before Run.
func (w *Watcher) OnReload(fn func(*Snapshot)) { w.onReload = fn }

// NewWatcher watches dir and every subdirectory present at start.
func NewWatcher(reg *Registry, dir string, load Loader, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving descriptor directory: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", abs, err)
	}

	return &Watcher{
		reg:      reg,
		dir:      abs,
		load:     load,
		debounce: DefaultDebounce,
		logger:   log.WithComponent(logger, "registry-watcher").With(slog.String("path", abs)),
		fsw:      fsw,
		doneCh:   make(chan struct{}),
	}, nil
}

// Run processes events until ctx is cancelled, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.doneCh)
	defer w.fsw.Close()

	w.logger.Info("descriptor watcher started")
	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			w.logger.Info("descriptor watcher stopped")
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("descriptor watcher error", log.Error(err))
		}
	}
}

// Done is closed when Run returns.
func (w *Watcher) Done() <-chan struct{} { return w.doneCh }

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	// A removed path may have been a directory of descriptors.
	relevant := ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename)
	if _, err := connector.FormatFromPath(ev.Name); err == nil {
		relevant = true
	}
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			relevant = true
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Warn("cannot watch new directory", slog.String("dir", ev.Name), log.Error(err))
			}
		}
	}
	if !relevant {
		return
	}

	w.logger.Debug("descriptor change", slog.String("file", ev.Name), slog.String("op", ev.Op.String()))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) reload() {
	ds, err := w.load()
	if err == nil {
		err = w.reg.Replace(ds)
	}
	if err != nil {
		w.logger.Error("descriptor reload rejected, keeping previous registry", log.Error(err))
	} else {
		w.logger.Info("descriptors reloaded", slog.Int("connectors", len(ds)))
		if w.onReload != nil {
			w.onReload(w.reg.Snapshot())
		}
	}
	if w.reloaded != nil {
		select {
		case w.reloaded <- err:
		default:
		}
	}
}
