package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Manager publishes immutable config snapshots. Readers take the
// current pointer without locking; reload swaps the pointer atomically
// and keeps the previous snapshot when the new file fails validation.
type Manager struct {
	path string
	cur  atomic.Pointer[Config]
	log  *slog.Logger

	mu    sync.Mutex
	hooks []func(*Config)
}

// NewManager loads the initial snapshot from path.
func NewManager(path string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, log: log}
	m.cur.Store(cfg)
	return m, nil
}

// NewStaticManager wraps an already-built config; used by tests and by
// callers without a file on disk.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{log: slog.Default()}
	m.cur.Store(cfg)
	return m
}

// Current returns the live snapshot. The returned value is shared and
// must be treated as immutable.
func (m *Manager) Current() *Config {
	return m.cur.Load()
}

// OnReload registers a hook invoked with each new snapshot, in
// registration order, from the reloading goroutine.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Reload re-reads the config file and swaps the snapshot. On error the
// previous snapshot stays live.
func (m *Manager) Reload() error {
	if m.path == "" {
		return fmt.Errorf("config manager has no backing file")
	}
	cfg, err := Load(m.path)
	if err != nil {
		return fmt.Errorf("config reload rejected: %w", err)
	}
	m.cur.Store(cfg)

	m.mu.Lock()
	hooks := append(([]func(*Config))(nil), m.hooks...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(cfg)
	}
	m.log.Info("config reloaded", "path", m.path, "routes", len(cfg.Routes))
	return nil
}

// WatchHUP reloads on SIGHUP until ctx is done.
func (m *Manager) WatchHUP(ctx context.Context) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				if err := m.Reload(); err != nil {
					m.log.Error("config reload failed", "error", err)
				}
			}
		}
	}()
}
