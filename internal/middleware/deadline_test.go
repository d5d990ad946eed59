package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDeadline_CompletesBeforeTimeout(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	Deadline(time.Second)(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("handler headers were not copied to the response")
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestDeadline_TimeoutReturns504(t *testing.T) {
	lateWrite := make(chan error, 1)
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		_, err := w.Write([]byte("too late"))
		lateWrite <- err
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	rec := httptest.NewRecorder()
	Deadline(50 * time.Millisecond)(inner).ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body %q: %v", rec.Body.String(), err)
	}
	if body["error_code"] != "EDGE_DEADLINE_EXCEEDED" || body["request_id"] != "req-42" {
		t.Errorf("unexpected body %v", body)
	}
	if err := <-lateWrite; err != http.ErrHandlerTimeout {
		t.Errorf("late write error = %v, want ErrHandlerTimeout", err)
	}
	if strings.Contains(rec.Body.String(), "too late") {
		t.Error("late write reached the client")
	}
}

func TestDeadline_StartedResponseNotReplaced(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		<-r.Context().Done()
	})

	rec := httptest.NewRecorder()
	Deadline(30*time.Millisecond)(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/stream", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected in-flight 200 to stand, got %d", rec.Code)
	}
}

func TestDeadline_PanicReachesRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom in handler")
	})
	handler := Recovery(logger)(Deadline(time.Second)(inner))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "boom in handler") {
		t.Error("expected the original panic value in the log")
	}
}

func TestDeadline_Disabled(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		rec := httptest.NewRecorder()
		Deadline(d)(http.HandlerFunc(ok)).ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("Deadline(%v): expected 200 (passthrough), got %d", d, rec.Code)
		}
	}
}
