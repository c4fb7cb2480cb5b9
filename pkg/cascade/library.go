// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cascade

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Library holds the cascades loaded from a directory and optionally hot
// reloads them when files change. A cascade that fails to parse is
// logged and skipped; the previously loaded version stays available.
type Library struct {
	dir    string
	logger *zap.Logger

	mu       sync.RWMutex
	cascades map[string]*Cascade

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewLibrary loads every *.yaml / *.yml file under dir.
func NewLibrary(dir string, logger *zap.Logger) (*Library, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Library{
		dir:      dir,
		logger:   logger,
		cascades: make(map[string]*Cascade),
		done:     make(chan struct{}),
	}
	if err := l.loadAll(); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns the cascade with the given id.
func (l *Library) Get(id string) (*Cascade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.cascades[id]
	return c, ok
}

// IDs returns the loaded cascade ids, sorted.
func (l *Library) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.cascades))
	for id := range l.cascades {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watch starts hot reloading. File writes and creations reload the
// single file; removals are ignored so a transient editor rename does
// not drop a cascade.
func (l *Library) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}
	l.watcher = watcher

	go func() {
		for {
			select {
			case <-l.done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isYAML(ev.Name) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := l.loadFile(ev.Name); err != nil {
					l.logger.Warn("cascade reload failed",
						zap.String("file", ev.Name),
						zap.Error(err))
					continue
				}
				l.logger.Info("cascade reloaded", zap.String("file", ev.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops watching.
func (l *Library) Close() error {
	l.once.Do(func() { close(l.done) })
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

func (l *Library) loadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read cascade directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.loadFile(path); err != nil {
			l.logger.Warn("skipping cascade file",
				zap.String("file", path),
				zap.Error(err))
		}
	}
	return nil
}

func (l *Library) loadFile(path string) error {
	c, err := LoadFile(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cascades[c.CascadeID] = c
	l.mu.Unlock()
	return nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
