package middleware

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dskow/tenant-edge/internal/apierror"
)

// Deadline bounds the whole downstream chain. When the deadline fires
// before the handler has started its response, the client gets 504; a
// response already in flight is left alone and the handler sees its context
// cancelled. Pass 0 to disable.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			requestID := r.Header.Get(HeaderRequestID)
			dw := &deadlineWriter{w: w, h: make(http.Header)}
			done := make(chan struct{})
			panicked := make(chan any, 1)

			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicked <- fmt.Sprintf("%v\n%s", p, debug.Stack())
					}
					close(done)
				}()
				next.ServeHTTP(dw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if dw.timeout() {
					apierror.Write(w, http.StatusGatewayTimeout, apierror.DeadlineExceeded,
						"global request deadline exceeded", requestID)
				}
				<-done
			}

			// Re-panic on the serving goroutine so Recovery sees it.
			select {
			case p := <-panicked:
				panic(p)
			default:
			}
		})
	}
}

// deadlineWriter buffers headers privately so the timeout path never races
// the handler goroutine on the shared header map.
type deadlineWriter struct {
	w  http.ResponseWriter
	h  http.Header
	mu sync.Mutex

	wroteHeader bool
	timedOut    bool
}

func (dw *deadlineWriter) Header() http.Header { return dw.h }

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	dw.writeHeaderLocked(code)
}

func (dw *deadlineWriter) writeHeaderLocked(code int) {
	if dw.timedOut || dw.wroteHeader {
		return
	}
	dst := dw.w.Header()
	for k, v := range dw.h {
		dst[k] = v
	}
	dw.wroteHeader = true
	dw.w.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	dw.writeHeaderLocked(http.StatusOK)
	return dw.w.Write(b)
}

// Flush forwards to the underlying writer so streamed responses keep flowing.
func (dw *deadlineWriter) Flush() {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return
	}
	dw.writeHeaderLocked(http.StatusOK)
	if f, ok := dw.w.(http.Flusher); ok {
		f.Flush()
	}
}

// timeout claims the response for the 504 if the handler has not started one.
func (dw *deadlineWriter) timeout() bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.wroteHeader {
		return false
	}
	dw.timedOut = true
	return true
}
