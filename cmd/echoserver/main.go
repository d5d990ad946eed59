// Package main provides an echo upstream for exercising the edge locally.
// It returns request details as JSON, including the routing headers the
// edge adds, which makes context rewriting and prefix stripping visible.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Headers set by the edge that are surfaced at the top level of the echo.
var edgeHeaders = []string{
	"X-Edge-Context",
	"X-Edge-Tenant",
	"X-Edge-Original-Path",
	"X-Edge-Subject",
	"X-Forwarded-Host",
	"X-Forwarded-For",
	"X-Request-ID",
}

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "echo", "service name")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			*port = n
		}
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", *name)

	mux := http.NewServeMux()

	// /__status/{code} answers with an arbitrary status, e.g. 503 to trip
	// the breaker.
	mux.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/__status/"))
		if err != nil || code < 100 || code > 599 {
			code = http.StatusInternalServerError
		}
		writeJSON(w, code, map[string]any{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		edge := make(map[string]string, len(edgeHeaders))
		for _, h := range edgeHeaders {
			if v := r.Header.Get(h); v != "" {
				edge[h] = v
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"service":     *name,
			"method":      r.Method,
			"host":        r.Host,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"edge":        edge,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}
