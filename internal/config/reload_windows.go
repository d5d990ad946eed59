//go:build windows

package config

// registerSignalHandler is a no-op on Windows: there is no SIGHUP, so
// reloads come from the file watcher only.
func (r *Reloader) registerSignalHandler() {
	r.logger.Info("SIGHUP not available on Windows, config reload uses the file watcher only")
}
