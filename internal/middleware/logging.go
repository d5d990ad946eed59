// Package middleware provides the HTTP middleware shared by every request
// through the edge: panic recovery, request IDs, security headers, access
// logging, CORS, body limits and the global deadline.
package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dskow/tenant-edge/internal/hostroute"
)

// LogLevelNone is a sentinel value indicating no log entry should be emitted.
// It is higher than any slog.Level so logger.Enabled() will always return false.
const LogLevelNone slog.Level = slog.LevelError + 100

// ParseLogLevel converts a route log_level string to a slog.Level.
// Returns slog.LevelInfo for empty string (default).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return LogLevelNone
	default:
		return slog.LevelInfo
	}
}

// statusRecorder captures the status code and response size.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer's Flush.
func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// LoggingConfig holds the runtime options for the Logging middleware.
type LoggingConfig struct {
	BodyLogging     bool
	MaxBodyLogBytes int
}

// Logging returns middleware that writes one structured access log record
// per request. It expects to run inside hostroute.Middleware: the record
// carries both the path the client sent and the path the request was routed
// to, plus the routing context and tenant.
//
// routeLogLevel maps the routed request to its configured level; pass nil for
// Info everywhere. bodyConfig enables opt-in, redacted body logging.
func Logging(logger *slog.Logger, routeLogLevel func(*http.Request) slog.Level, bodyConfig *LoggingConfig) func(http.Handler) http.Handler {
	if routeLogLevel == nil {
		routeLogLevel = func(*http.Request) slog.Level { return slog.LevelInfo }
	}

	logBody := bodyConfig != nil && bodyConfig.BodyLogging
	maxBody := 4096
	if bodyConfig != nil && bodyConfig.MaxBodyLogBytes > 0 {
		maxBody = bodyConfig.MaxBodyLogBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level := routeLogLevel(r)
			if level == LogLevelNone {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			var reqBody string
			if logBody && isTextual(r.Header.Get("Content-Type")) && r.Body != nil {
				reqBody = captureRequestBody(r, maxBody)
			}

			var respCapture *bodyCapture
			var inner http.ResponseWriter = w
			if logBody {
				respCapture = bodyCapturePool.Get().(*bodyCapture)
				respCapture.Reset()
				respCapture.maxBytes = maxBody
				inner = &bodyRecorder{ResponseWriter: w, capture: respCapture}
			}
			recorder := &statusRecorder{ResponseWriter: inner, statusCode: http.StatusOK}

			next.ServeHTTP(recorder, r)

			attrs := []any{
				"method", r.Method,
				"host", r.Host,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"bytes", recorder.bytes,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			if rd, ok := hostroute.FromContext(r.Context()); ok {
				attrs = append(attrs,
					"original_path", rd.OriginalPath,
					"context", rd.Context.String(),
				)
				if rd.Tenant != "" {
					attrs = append(attrs, "tenant", rd.Tenant)
				}
				if rd.Passthrough {
					attrs = append(attrs, "passthrough", true)
				}
			}

			if reqBody != "" {
				attrs = append(attrs, "request_body", reqBody)
			}
			if respCapture != nil {
				if body := respCapture.String(); body != "" && isTextual(respCapture.contentType) {
					attrs = append(attrs, "response_body", redactSensitive(body))
				}
				bodyCapturePool.Put(respCapture)
			}

			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// isTextual reports whether a body of this content type is worth logging.
func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") ||
		strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "form-urlencoded")
}

// captureRequestBody reads up to maxBytes of r.Body for logging and puts
// the full body back for downstream handlers.
func captureRequestBody(r *http.Request, maxBytes int) string {
	var buf bytes.Buffer
	captured, _ := io.ReadAll(io.LimitReader(io.TeeReader(r.Body, &buf), int64(maxBytes)+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(&buf, r.Body), r.Body}

	s := string(captured)
	if len(captured) > maxBytes {
		s = s[:maxBytes] + "...[truncated]"
	}
	return redactSensitive(s)
}

// sensitiveFieldRe matches JSON string fields that commonly hold credentials,
// including the login response's access and refresh tokens.
var sensitiveFieldRe = regexp.MustCompile(
	`(?i)"(?:[a-z_]*password|[a-z_]*secret|[a-z_]*token|api_?key|authorization)"\s*:\s*"[^"]*"`,
)

// redactSensitive replaces the values of sensitive JSON fields with "***".
func redactSensitive(s string) string {
	return sensitiveFieldRe.ReplaceAllStringFunc(s, func(match string) string {
		closing := strings.LastIndex(match, `"`)
		open := strings.LastIndex(match[:closing], `"`)
		if open == -1 {
			return match
		}
		return match[:open+1] + "***" + `"`
	})
}

var bodyCapturePool = sync.Pool{
	New: func() any { return &bodyCapture{} },
}

// bodyCapture collects response body bytes up to a limit.
type bodyCapture struct {
	buf         bytes.Buffer
	maxBytes    int
	contentType string
}

func (bc *bodyCapture) Reset() {
	bc.buf.Reset()
	bc.maxBytes = 0
	bc.contentType = ""
}

func (bc *bodyCapture) Write(p []byte) {
	remaining := bc.maxBytes - bc.buf.Len()
	if remaining <= 0 {
		return
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	bc.buf.Write(p)
}

func (bc *bodyCapture) String() string {
	return bc.buf.String()
}

// bodyRecorder tees response bytes into a bodyCapture.
type bodyRecorder struct {
	http.ResponseWriter
	capture       *bodyCapture
	headerWritten bool
}

func (br *bodyRecorder) noteHeader() {
	if !br.headerWritten {
		br.headerWritten = true
		br.capture.contentType = br.ResponseWriter.Header().Get("Content-Type")
	}
}

func (br *bodyRecorder) WriteHeader(code int) {
	br.noteHeader()
	br.ResponseWriter.WriteHeader(code)
}

func (br *bodyRecorder) Write(b []byte) (int, error) {
	br.noteHeader()
	br.capture.Write(b)
	return br.ResponseWriter.Write(b)
}

func (br *bodyRecorder) Unwrap() http.ResponseWriter { return br.ResponseWriter }
