// Package main is the entry point for the tenant edge. It loads
// configuration, builds the server, serves HTTP or HTTPS and shuts down
// gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dskow/tenant-edge/internal/config"
	"github.com/dskow/tenant-edge/internal/logging"
	"github.com/dskow/tenant-edge/internal/metrics"
	"github.com/dskow/tenant-edge/internal/server"
	"github.com/dskow/tenant-edge/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/edge.yaml", "path to configuration file")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	flag.Parse()

	if err := run(*configPath, *validateOnly); err != nil {
		fmt.Fprintf(os.Stderr, "edge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, validateOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if validateOnly {
		for _, w := range cfg.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		fmt.Printf("configuration OK: domain %s, %d routes\n", cfg.Platform.Domain, len(cfg.Routes))
		return nil
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}
	logger.Info("configuration loaded",
		"domain", cfg.Platform.Domain,
		"port", cfg.Server.Port,
		"routes", len(cfg.Routes),
		"auth_enabled", cfg.Auth.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"trusted_proxies", len(cfg.Server.TrustedProxies),
		"block_internal_paths", cfg.Platform.BlocksInternalPaths(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	reloader := config.NewReloader(configPath, cfg, logger)
	reloader.OnReload(func(next *config.Config) {
		if err := srv.Apply(next); err != nil {
			logger.Error("failed to apply reloaded config, keeping current chain", "error", err)
		}
	})
	reloader.Start()
	defer reloader.Stop()

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if tc := cfg.Server.TLS; tc.Enabled {
		certs, err := tlsutil.New(tc.CertFile, tc.KeyFile, logger)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		defer certs.Stop()
		if err := certs.CoversPlatform(srv.Router().Domain()); err != nil {
			logger.Warn("TLS certificate does not cover every tenant host", "error", err)
		}
		httpSrv.TLSConfig, err = certs.ServerConfig(tc.MinVersion)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting edge", "addr", httpSrv.Addr, "tls", httpSrv.TLSConfig != nil)
		var err error
		if httpSrv.TLSConfig != nil {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloader.Current().Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", reloader.Current().Server.ShutdownTimeout)
	if err := httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("edge stopped gracefully")
	return nil
}
