// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bravellian/platform/internal/log"
)

// Holder holds an AppConfig with atomic reloading: readers call Snapshot
// (or Get for the AppConfig alone) without ever blocking on a reload in
// progress, and a successful Reload atomically swaps in a new Snapshot
// with a monotonically increasing Epoch.
type Holder struct {
	reloadOpMu sync.Mutex
	epoch      atomic.Uint64
	snapshot   atomic.Pointer[Snapshot]
	loader     *Loader
	configPath string
	configDir  string
	configFile string
	watcher    *fsnotify.Watcher

	listenersMu sync.RWMutex
	listeners   []chan<- Snapshot
}

// NewHolder builds a Holder seeded with initial, bound to loader for
// subsequent Reload calls.
func NewHolder(initial AppConfig, loader *Loader, configPath string) *Holder {
	h := &Holder{loader: loader, configPath: configPath}
	h.swap(Snapshot{App: initial, LoadedAt: now()})
	return h
}

func now() time.Time { return time.Now() }

// Get returns the current AppConfig.
func (h *Holder) Get() AppConfig { return h.Snapshot().App }

// Snapshot returns the current immutable Snapshot.
func (h *Holder) Snapshot() Snapshot {
	if s := h.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

func (h *Holder) swap(next Snapshot) Snapshot {
	next.Epoch = h.epoch.Add(1)
	prev := h.snapshot.Swap(&next)
	if prev == nil {
		return Snapshot{}
	}
	return *prev
}

// Reload re-runs the Loader and, if the result validates, atomically
// swaps it in and notifies registered listeners. If validation (or
// loading) fails, the previous Snapshot is kept unchanged and the error
// is returned.
func (h *Holder) Reload(_ context.Context) error {
	h.reloadOpMu.Lock()
	defer h.reloadOpMu.Unlock()

	log.WithComponent("config").Info().Msg("reloading configuration")

	next, err := h.loader.Load()
	if err != nil {
		log.WithComponent("config").Error().Err(err).Msg("config reload failed to load")
		return fmt.Errorf("config: reload load: %w", err)
	}
	if err := Validate(next); err != nil {
		log.WithComponent("config").Error().Err(err).Msg("config reload failed validation")
		return fmt.Errorf("config: reload validate: %w", err)
	}

	snap := h.swap(Snapshot{App: next, LoadedAt: now()})
	_ = snap
	h.notify(h.Snapshot())

	log.WithComponent("config").Info().Msg("configuration reloaded")
	return nil
}

// RegisterListener registers ch to receive the new Snapshot whenever a
// reload succeeds. Sends are non-blocking: a full channel drops the
// notification rather than stalling the reload path.
func (h *Holder) RegisterListener(ch chan<- Snapshot) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(snap Snapshot) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- snap:
		default:
			log.WithComponent("config").Warn().Msg("dropped reload notification, listener channel full")
		}
	}
}

// StartWatcher watches the config file's directory for writes/creates/
// renames (covering editors that write via tmp+rename) and debounces
// rapid bursts of events into a single Reload. A no-op if configPath is
// empty. The watcher stops when ctx is done.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		log.WithComponent("config").Info().Msg("config watcher disabled: no config file")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	h.watcher = watcher
	h.configDir = filepath.Dir(h.configPath)
	h.configFile = filepath.Base(h.configPath)

	if err := watcher.Add(h.configDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch dir: %w", err)
	}

	log.WithComponent("config").Info().Str("path", h.configPath).Msg("watching config file")
	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != h.configFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := h.Reload(ctx); err != nil {
					log.WithComponent("config").Error().Err(err).Msg("automatic config reload failed")
				}
			})
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			log.WithComponent("config").Error().Err(err).Msg("config watcher error")
		}
	}
}

// Stop closes the file watcher, if running.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}
