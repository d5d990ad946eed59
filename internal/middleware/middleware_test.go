package middleware

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func ok(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

// --- CORS tests ---

func TestCORS_Headers(t *testing.T) {
	handler := CORS(DefaultCORSConfig())(http.HandlerFunc(ok))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected Access-Control-Allow-Origin header")
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("expected Access-Control-Allow-Methods header")
	}
	if rec.Header().Get("Vary") != "Origin" {
		t.Errorf("expected Vary: Origin, got %q", rec.Header().Get("Vary"))
	}
}

func TestCORS_NoHeadersWithoutOrigin(t *testing.T) {
	handler := CORS(DefaultCORSConfig())(http.HandlerFunc(ok))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set without Origin header")
	}
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	handler := CORS(DefaultCORSConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", rec.Code)
	}
	if called {
		t.Error("preflight must not reach the upstream")
	}
}

func TestCORS_PlainOptionsReachesUpstream(t *testing.T) {
	called := false
	handler := CORS(DefaultCORSConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("non-preflight OPTIONS should be forwarded")
	}
}

func TestCORS_TenantWildcard(t *testing.T) {
	cfg := CORSConfig{
		AllowedOrigins: []string{"https://*.umkm.example.id"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Authorization"},
		MaxAge:         "3600",
	}
	handler := CORS(cfg)(http.HandlerFunc(ok))

	tests := []struct {
		origin string
		want   string
	}{
		{"https://acme.umkm.example.id", "https://acme.umkm.example.id"},
		{"https://owner.umkm.example.id", "https://owner.umkm.example.id"},
		{"https://umkm.example.id", ""},
		{"http://acme.umkm.example.id", ""},
		{"https://acme.umkm.example.id.evil.com", ""},
		{"https://evilumkm.example.id", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %q: allow-origin = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestCORS_ExactOrigin(t *testing.T) {
	cfg := CORSConfig{
		AllowedOrigins: []string{"https://a.example.com", "https://b.example.com"},
		AllowedMethods: []string{"GET"},
		MaxAge:         "3600",
	}
	handler := CORS(cfg)(http.HandlerFunc(ok))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "https://b.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://b.example.com" {
		t.Errorf("expected single echoed origin, got %q", got)
	}
	if rec.Header().Get("Access-Control-Max-Age") != "3600" {
		t.Errorf("expected max-age 3600, got %q", rec.Header().Get("Access-Control-Max-Age"))
	}
}

// --- Recovery tests ---

func TestRecovery_PanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	req := httptest.NewRequest("GET", "/panic", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["error_code"] != "EDGE_INTERNAL_ERROR" {
		t.Errorf("error_code = %q", body["error_code"])
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Error("expected panic to be logged")
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Error("expected panic message in log")
	}
}

func TestRecovery_ReraisesAbortHandler(t *testing.T) {
	handler := Recovery(slog.New(slog.NewJSONHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if p := recover(); p != http.ErrAbortHandler {
			t.Errorf("expected ErrAbortHandler to propagate, got %v", p)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := Recovery(slog.Default())(http.HandlerFunc(ok))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/ok", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// --- BodyLimit tests ---

func TestBodyLimit_UnderLimit(t *testing.T) {
	handler := BodyLimit(1024)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/upload", strings.NewReader(strings.Repeat("a", 500)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for body under limit, got %d", rec.Code)
	}
}

func TestBodyLimit_ContentLengthRejectedEarly(t *testing.T) {
	called := false
	handler := BodyLimit(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("POST", "/upload", strings.NewReader(strings.Repeat("a", 200)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 for body over limit, got %d", rec.Code)
	}
	if called {
		t.Error("handler should not run for an oversized Content-Length")
	}
	if !strings.Contains(rec.Body.String(), "EDGE_BODY_TOO_LARGE") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestBodyLimit_ChunkedOverLimit(t *testing.T) {
	handler := BodyLimit(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); IsBodyTooLarge(err) {
			WriteBodyLimitError(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/upload", strings.NewReader(strings.Repeat("a", 200)))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 for streamed body over limit, got %d", rec.Code)
	}
}

func TestBodyLimit_GETPassesThrough(t *testing.T) {
	handler := BodyLimit(100)(http.HandlerFunc(ok))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/resource", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for GET, got %d", rec.Code)
	}
}

// --- SecurityHeaders tests ---

func TestSecurityHeaders_AllPresent(t *testing.T) {
	handler := SecurityHeaders()(http.HandlerFunc(ok))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "0",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if hsts := rec.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("expected no HSTS on HTTP, got %q", hsts)
	}
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	handler := SecurityHeaders()(http.HandlerFunc(ok))

	viaTLS := httptest.NewRequest("GET", "/test", nil)
	viaTLS.TLS = &tls.ConnectionState{}
	viaProxy := httptest.NewRequest("GET", "/test", nil)
	viaProxy.Header.Set("X-Forwarded-Proto", "https")

	for name, req := range map[string]*http.Request{"tls": viaTLS, "proxy": viaProxy} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		hsts := rec.Header().Get("Strict-Transport-Security")
		if !strings.Contains(hsts, "includeSubDomains") {
			t.Errorf("%s: expected HSTS with includeSubDomains, got %q", name, hsts)
		}
	}
}
