package middleware

import (
	"errors"
	"net/http"

	"github.com/dskow/tenant-edge/internal/apierror"
)

// BodyLimit rejects request bodies larger than maxBytes with 413. A known
// Content-Length is rejected up front; chunked bodies are capped with
// http.MaxBytesReader and surface as *http.MaxBytesError to whoever reads
// them (see IsBodyTooLarge).
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteBodyLimitError(w, r)
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IsBodyTooLarge reports whether err came from an exhausted body limit.
func IsBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// WriteBodyLimitError writes the 413 JSON error response.
func WriteBodyLimitError(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge,
		"request body exceeds maximum allowed size")
}
