package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dskow/tenant-edge/internal/hostroute"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("log line %q is not JSON: %v", line, err)
	}
	return m
}

func TestLogging_OutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))

	req := httptest.NewRequest("GET", "/test/path", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	m := decodeLogLine(t, &buf)
	if m["method"] != "GET" || m["path"] != "/test/path" {
		t.Errorf("unexpected method/path in %v", m)
	}
	if m["status"] != float64(200) {
		t.Errorf("status = %v", m["status"])
	}
	if m["bytes"] != float64(5) {
		t.Errorf("bytes = %v", m["bytes"])
	}
	if _, ok := m["latency_ms"]; !ok {
		t.Error("expected latency_ms in log output")
	}
	if _, ok := m["context"]; ok {
		t.Error("context should be absent for unrouted requests")
	}
}

func TestLogging_IncludesRoutingDecision(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	rt, err := hostroute.New("umkm.example.id")
	if err != nil {
		t.Fatal(err)
	}
	handler := hostroute.Middleware(rt, hostroute.Options{}, logger)(
		Logging(logger, nil, nil)(http.HandlerFunc(ok)),
	)

	req := httptest.NewRequest("GET", "/products", nil)
	req.Host = "acme.umkm.example.id"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	m := decodeLogLine(t, &buf)
	if m["path"] != "/_tenant/acme/products" {
		t.Errorf("path = %v", m["path"])
	}
	if m["original_path"] != "/products" {
		t.Errorf("original_path = %v", m["original_path"])
	}
	if m["context"] != "tenant" || m["tenant"] != "acme" {
		t.Errorf("context/tenant = %v/%v", m["context"], m["tenant"])
	}
	if m["host"] != "acme.umkm.example.id" {
		t.Errorf("host = %v", m["host"])
	}
}

func TestLogging_CapturesStatusCode(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Logging(logger, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/missing", nil))

	if !strings.Contains(buf.String(), `"status":404`) {
		t.Errorf("expected status 404 in log, got: %s", buf.String())
	}
}

func TestLogging_RouteLevelNone(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	level := func(r *http.Request) slog.Level {
		if strings.HasPrefix(r.URL.Path, "/_next/static") {
			return LogLevelNone
		}
		return slog.LevelInfo
	}
	handler := Logging(logger, level, nil)(http.HandlerFunc(ok))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/_next/static/app.js", nil))

	if buf.Len() != 0 {
		t.Errorf("expected no log for none-level route, got %s", buf.String())
	}
}

func TestLogging_BodyLoggingRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var upstreamSaw string
	handler := Logging(logger, nil, &LoggingConfig{BodyLogging: true, MaxBodyLogBytes: 1024})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			upstreamSaw = string(b)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"eyJhbGci","tenant_id":"acme"}`))
		}),
	)

	reqBody := `{"email":"a@b.c","password":"hunter2"}`
	req := httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if upstreamSaw != reqBody {
		t.Errorf("upstream body = %q, want untouched", upstreamSaw)
	}
	out := buf.String()
	if strings.Contains(out, "hunter2") || strings.Contains(out, "eyJhbGci") {
		t.Errorf("secret leaked into log: %s", out)
	}
	if !strings.Contains(out, `tenant_id`) {
		t.Errorf("expected non-sensitive response fields in log: %s", out)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"none":  LogLevelNone,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRedactSensitive(t *testing.T) {
	tests := []struct{ in, want string }{
		{`{"password":"x"}`, `{"password":"***"}`},
		{`{"refresh_token": "abc"}`, `{"refresh_token": "***"}`},
		{`{"Authorization":"Bearer t"}`, `{"Authorization":"***"}`},
		{`{"tenant":"acme"}`, `{"tenant":"acme"}`},
	}
	for _, tt := range tests {
		if got := redactSensitive(tt.in); got != tt.want {
			t.Errorf("redactSensitive(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
