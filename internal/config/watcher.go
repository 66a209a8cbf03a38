package config

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 200 * time.Millisecond

// Snapshot is an immutable view of the refill settings at one point in time.
// Readers hold on to the pointer for the duration of an operation.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Refill   RefillSettings
}

// Watcher publishes refill settings snapshots and swaps them when the config
// file changes on disk.
type Watcher struct {
	cfg    *Config
	logger *zap.Logger

	current atomic.Pointer[Snapshot]
	version atomic.Int64

	mu        sync.Mutex
	timer     *time.Timer
	validate  func(RefillSettings) error
	listeners []func(*Snapshot)
}

func NewWatcher(cfg *Config, logger *zap.Logger) *Watcher {
	w := &Watcher{cfg: cfg, logger: logger}
	w.publish(cfg.Refill)
	return w
}

// NewStaticWatcher serves a fixed snapshot; Update still swaps it.
func NewStaticWatcher(settings RefillSettings) *Watcher {
	w := &Watcher{logger: zap.NewNop()}
	w.publish(settings)
	return w
}

func (w *Watcher) Snapshot() *Snapshot {
	return w.current.Load()
}

// SetValidator registers a check run against every reloaded snapshot. Problems
// are logged loudly but do not block the swap: per-principal policy errors
// surface again at resolution time.
func (w *Watcher) SetValidator(fn func(RefillSettings) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.validate = fn
}

func (w *Watcher) OnChange(fn func(*Snapshot)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start enables file watching. It is a no-op for static watchers.
func (w *Watcher) Start() {
	if w.cfg == nil || w.cfg.v == nil || w.cfg.v.ConfigFileUsed() == "" {
		return
	}

	w.cfg.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timer = time.AfterFunc(reloadDebounce, func() {
			if err := w.Reload(); err != nil {
				w.logger.Error("Refill configuration reload failed, keeping previous snapshot",
					zap.String("file", e.Name),
					zap.Error(err))
			}
		})
		w.mu.Unlock()
	})
	w.cfg.v.WatchConfig()

	w.logger.Info("Watching refill configuration",
		zap.String("file", w.cfg.v.ConfigFileUsed()))
}

// Reload decodes the refill section from the current viper state.
func (w *Watcher) Reload() error {
	if w.cfg == nil || w.cfg.v == nil {
		return fmt.Errorf("watcher has no backing configuration")
	}

	if w.cfg.v.ConfigFileUsed() != "" {
		if err := w.cfg.v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Decode the whole tree so nested defaults are merged in.
	var reloaded Config
	if err := w.cfg.v.Unmarshal(&reloaded); err != nil {
		return fmt.Errorf("unable to decode refill settings: %w", err)
	}

	w.Update(reloaded.Refill)
	return nil
}

// Update publishes new settings as the current snapshot.
func (w *Watcher) Update(settings RefillSettings) {
	w.mu.Lock()
	validate := w.validate
	w.mu.Unlock()

	if validate != nil {
		if err := validate(settings); err != nil {
			w.logger.Error("Refill configuration has invalid policies", zap.Error(err))
		}
	}

	snap := w.publish(settings)
	w.logger.Info("Refill configuration loaded",
		zap.Int64("version", snap.Version),
		zap.Int("role_defaults", len(settings.RoleDefaults)),
		zap.Int("overrides", len(settings.Overrides)))

	w.mu.Lock()
	listeners := append([]func(*Snapshot){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func (w *Watcher) publish(settings RefillSettings) *Snapshot {
	snap := &Snapshot{
		Version:  w.version.Add(1),
		LoadedAt: time.Now(),
		Refill:   settings,
	}
	w.current.Store(snap)
	return snap
}
