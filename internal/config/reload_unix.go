//go:build !windows

package config

import (
	"os"
	"os/signal"
	"syscall"
)

// registerSignalHandler triggers Reload on every SIGHUP. Signals arriving
// while a reload runs coalesce into one follow-up reload.
func (r *Reloader) registerSignalHandler() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-r.stopCh:
				return
			case sig := <-hup:
				ok := r.Reload()
				r.logger.Info("config reload requested by signal", "signal", sig.String(), "applied", ok)
			}
		}
	}()
}
