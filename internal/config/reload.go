package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dskow/tenant-edge/internal/filewatch"
	"github.com/dskow/tenant-edge/internal/metrics"
)

// Reloader watches the config file and reloads on changes. It supports
// file watching on every platform and SIGHUP on Unix (reload_unix.go).
//
// The platform domain is fixed for the process lifetime: a reloaded file
// that names a different domain is rejected and the running config kept.
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	callbacks []func(*Config)
	watcher   *filewatch.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback that is invoked with the new config
// after a successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching the config file and listening for SIGHUP.
// A watcher failure is logged; SIGHUP reload still works.
func (r *Reloader) Start() {
	w, err := filewatch.New("config", []string{r.path}, filewatch.DefaultDebounce, func() { r.Reload() }, r.logger)
	if err != nil {
		r.logger.Error("failed to watch config file", "path", r.path, "error", err)
	} else {
		r.watcher = w
		r.logger.Info("config file watcher started", "path", r.path)
	}

	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Stop()
		}
	})
}

// Reload loads the config from disk and, if it is valid and keeps the
// platform domain, swaps it in and notifies all registered callbacks.
// Returns true if the reload succeeded.
func (r *Reloader) Reload() bool {
	r.logger.Info("reloading configuration", "path", r.path)

	newCfg, err := Load(r.path)
	if err == nil {
		err = checkImmutable(r.Current(), newCfg)
	}
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("rejected").Inc()
		r.logger.Error("config reload failed: invalid config, keeping current",
			"path", r.path, "error", err)
		return false
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.logChanges(old, newCfg)
	for _, w := range newCfg.Warnings {
		r.logger.Warn("config warning", "warning", w)
	}

	for _, cb := range callbacks {
		cb(newCfg)
	}

	metrics.ConfigReloads.WithLabelValues("success").Inc()
	r.logger.Info("configuration reloaded successfully")
	return true
}

// checkImmutable rejects changes to settings that are bound at startup.
func checkImmutable(old, new *Config) error {
	if old.Platform.Domain != new.Platform.Domain {
		return fmt.Errorf("platform.domain cannot change at runtime (%q -> %q); restart to apply",
			old.Platform.Domain, new.Platform.Domain)
	}
	if old.Server.Port != new.Server.Port {
		return fmt.Errorf("server.port cannot change at runtime (%d -> %d); restart to apply",
			old.Server.Port, new.Server.Port)
	}
	return nil
}

// logChanges logs a summary of what changed between the old and new config.
func (r *Reloader) logChanges(old, new *Config) {
	if old.RateLimit.Limit != new.RateLimit.Limit {
		r.logger.Info("rate limit config changed",
			"old_rps", old.RateLimit.RequestsPerSecond,
			"new_rps", new.RateLimit.RequestsPerSecond,
			"old_burst", old.RateLimit.BurstSize,
			"new_burst", new.RateLimit.BurstSize,
		)
	}

	if len(old.Routes) != len(new.Routes) {
		r.logger.Info("route count changed",
			"old", len(old.Routes),
			"new", len(new.Routes),
		)
	}

	if old.Auth.Enabled != new.Auth.Enabled {
		r.logger.Info("auth enabled changed",
			"old", old.Auth.Enabled,
			"new", new.Auth.Enabled,
		)
	}

	if old.Platform.BlocksInternalPaths() != new.Platform.BlocksInternalPaths() {
		r.logger.Info("internal path guard changed",
			"old", old.Platform.BlocksInternalPaths(),
			"new", new.Platform.BlocksInternalPaths(),
		)
	}
}
