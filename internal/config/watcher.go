package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/gatecheck/internal/monitoring"
)

var log = monitoring.Component("config")

// ReloadCallback receives the previous and the newly loaded config. An error
// is logged; it does not stop other callbacks.
type ReloadCallback func(old, updated *TuningConfig) error

// Watcher reloads the tuning file when it changes on disk. A file that fails
// to load or validate is rejected and the previous config stays current.
type Watcher struct {
	path     string
	debounce time.Duration

	mu        sync.RWMutex
	current   *TuningConfig
	callbacks []ReloadCallback
}

// NewWatcher returns a Watcher for path seeded with the already loaded cfg.
// Bursts of changes closer together than debounce cause one reload, after
// the last of them.
func NewWatcher(path string, cfg *TuningConfig, debounce time.Duration) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		debounce: debounce,
		current:  cfg,
	}
}

// OnReload registers a callback run after every accepted reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Current returns the config currently in force.
func (w *Watcher) Current() *TuningConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches the file's directory until ctx is cancelled. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	log.Diagf("watching %s for changes", w.path)
	w.watch(ctx, fw.Events, fw.Errors)
	return nil
}

// watch consumes file events. Each relevant event restarts the debounce
// timer; the reload runs when it expires.
func (w *Watcher) watch(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				log.OpsErr(err, "config reload rejected, keeping previous config")
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			log.OpsErr(err, "config watcher error")
		}
	}
}

// Reload loads the file now and, when it is valid, makes it current and
// runs the callbacks.
func (w *Watcher) Reload() error {
	updated, err := LoadTuningConfig(w.path)
	if err != nil {
		return err
	}
	if _, err := updated.ResolveGates(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	w.mu.Lock()
	old := w.current
	w.current = updated
	callbacks := append([]ReloadCallback(nil), w.callbacks...)
	w.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(old, updated); err != nil {
			log.OpsErr(err, "config reload callback failed")
		}
	}
	log.Diagf("config reloaded from %s", w.path)
	return nil
}
