// Package apierror provides the edge's JSON error response format. Every
// component writes errors through WriteJSON so clients see one shape with a
// stable machine-readable code.
package apierror

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Edge error codes. Clients program against these; do not rename or remove.
const (
	RouteNotFound         ErrorCode = "EDGE_ROUTE_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "EDGE_METHOD_NOT_ALLOWED"
	ContextForbidden      ErrorCode = "EDGE_CONTEXT_FORBIDDEN"
	UpstreamUnavailable   ErrorCode = "EDGE_UPSTREAM_UNAVAILABLE"
	CircuitOpen           ErrorCode = "EDGE_CIRCUIT_OPEN"
	RequestCancelled      ErrorCode = "EDGE_REQUEST_CANCELLED"
	AuthMissingToken      ErrorCode = "EDGE_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "EDGE_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "EDGE_AUTH_INSUFFICIENT_SCOPE"
	AuthTenantMismatch    ErrorCode = "EDGE_AUTH_TENANT_MISMATCH"
	RateLimitExceeded     ErrorCode = "EDGE_RATE_LIMIT_EXCEEDED"
	InternalError         ErrorCode = "EDGE_INTERNAL_ERROR"
	BodyTooLarge          ErrorCode = "EDGE_BODY_TOO_LARGE"
	DeadlineExceeded      ErrorCode = "EDGE_DEADLINE_EXCEEDED"
	Forbidden             ErrorCode = "EDGE_FORBIDDEN"
	BadRequest            ErrorCode = "EDGE_BAD_REQUEST"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type key struct {
	status  int
	code    ErrorCode
	message string
}

// Pre-serialized bodies for the hot-path rejections. They carry no
// request_id, so they are only used when the request has none.
var preSerialized = map[key][]byte{}

func init() {
	for _, k := range []key{
		{http.StatusNotFound, RouteNotFound, "no matching route"},
		{http.StatusBadGateway, UpstreamUnavailable, "upstream service unavailable"},
		{http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open"},
		{http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header"},
		{http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later"},
	} {
		b, _ := json.Marshal(ErrorResponse{
			Error:     http.StatusText(k.status),
			ErrorCode: string(k.code),
			Message:   k.message,
		})
		preSerialized[k] = append(b, '\n')
	}
}

// WriteJSON writes a structured JSON error response. The request may be nil;
// when it carries an X-Request-ID the id is echoed in the body.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}
	Write(w, status, code, message, requestID)
}

// Write is WriteJSON for callers that captured the request ID up front and
// must not touch the request again.
func Write(w http.ResponseWriter, status int, code ErrorCode, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if requestID == "" {
		if body, ok := preSerialized[key{status, code, message}]; ok {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}
