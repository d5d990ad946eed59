package hostroute

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type captured struct {
	path    string
	rawPath string
	header  http.Header
	routed  Routed
	ok      bool
	calls   int
}

func capture(c *captured) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.calls++
		c.path = r.URL.Path
		c.rawPath = r.URL.RawPath
		c.header = r.Header.Clone()
		c.routed, c.ok = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func testMiddleware(t *testing.T, opts Options, next http.Handler) (http.Handler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return Middleware(newTestRouter(t), opts, logger)(next), &buf
}

func TestMiddleware_RewritesTenantPath(t *testing.T) {
	var c captured
	h, _ := testMiddleware(t, Options{}, capture(&c))

	req := httptest.NewRequest("GET", "/products", nil)
	req.Host = "acme." + testDomain
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if c.path != "/_tenant/acme/products" {
		t.Errorf("path = %q, want /_tenant/acme/products", c.path)
	}
	if got := c.header.Get(HeaderContext); got != "tenant" {
		t.Errorf("%s = %q, want tenant", HeaderContext, got)
	}
	if got := c.header.Get(HeaderTenant); got != "acme" {
		t.Errorf("%s = %q, want acme", HeaderTenant, got)
	}
	if got := c.header.Get(HeaderForwardedHost); got != "acme."+testDomain {
		t.Errorf("%s = %q", HeaderForwardedHost, got)
	}
	if !c.ok || c.routed.OriginalPath != "/products" {
		t.Errorf("routed = %+v, ok = %v", c.routed, c.ok)
	}
	// The caller's request is not mutated.
	if req.URL.Path != "/products" {
		t.Errorf("original request path mutated to %q", req.URL.Path)
	}
}

func TestMiddleware_OwnerAndPublic(t *testing.T) {
	tests := []struct {
		host     string
		path     string
		wantPath string
		wantCtx  string
	}{
		{"owner." + testDomain, "/dashboard", "/owner/dashboard", "owner"},
		{"www." + testDomain, "/pricing", "/pricing", "public"},
		{testDomain, "/", "/", "public"},
		{"shop.other.com", "/", "/", "public"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			var c captured
			h, _ := testMiddleware(t, Options{BlockInternalPaths: true}, capture(&c))

			req := httptest.NewRequest("GET", tt.path, nil)
			req.Host = tt.host
			h.ServeHTTP(httptest.NewRecorder(), req)

			if c.path != tt.wantPath {
				t.Errorf("path = %q, want %q", c.path, tt.wantPath)
			}
			if got := c.header.Get(HeaderContext); got != tt.wantCtx {
				t.Errorf("context header = %q, want %q", got, tt.wantCtx)
			}
			if got := c.header.Get(HeaderTenant); got != "" {
				t.Errorf("unexpected tenant header %q", got)
			}
		})
	}
}

func TestMiddleware_PassthroughKeepsPath(t *testing.T) {
	var c captured
	h, _ := testMiddleware(t, Options{Passthrough: DefaultPassthrough}, capture(&c))

	req := httptest.NewRequest("GET", "/api/v1/products", nil)
	req.Host = "acme." + testDomain
	h.ServeHTTP(httptest.NewRecorder(), req)

	if c.path != "/api/v1/products" {
		t.Errorf("path = %q, want passthrough", c.path)
	}
	if got := c.header.Get(HeaderTenant); got != "acme" {
		t.Errorf("tenant header = %q, want acme", got)
	}
	if !c.routed.Passthrough {
		t.Error("expected Passthrough in routed context")
	}
}

func TestMiddleware_PassthroughBoundary(t *testing.T) {
	var c captured
	h, _ := testMiddleware(t, Options{Passthrough: DefaultPassthrough}, capture(&c))

	req := httptest.NewRequest("GET", "/apiary", nil)
	req.Host = "acme." + testDomain
	h.ServeHTTP(httptest.NewRecorder(), req)

	if c.path != "/_tenant/acme/apiary" {
		t.Errorf("path = %q, want rewrite for /apiary", c.path)
	}
}

func TestMiddleware_BlocksInternalPathsOnPublicHost(t *testing.T) {
	for _, p := range []string{"/_tenant/acme/products", "/owner", "/owner/dashboard", "/x/../_tenant/beta"} {
		t.Run(p, func(t *testing.T) {
			var c captured
			h, logs := testMiddleware(t, Options{BlockInternalPaths: true}, capture(&c))

			req := httptest.NewRequest("GET", "/", nil)
			req.URL.Path = p
			req.Host = "www." + testDomain
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusNotFound {
				t.Fatalf("status = %d, want 404", rec.Code)
			}
			if c.calls != 0 {
				t.Error("next handler must not be called")
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body["error_code"] != "EDGE_ROUTE_NOT_FOUND" {
				t.Errorf("error_code = %q", body["error_code"])
			}
			if !strings.Contains(logs.String(), "internal path requested") {
				t.Error("expected warning log")
			}
		})
	}
}

func TestMiddleware_InternalPathAllowedWhenGuardOff(t *testing.T) {
	var c captured
	h, _ := testMiddleware(t, Options{}, capture(&c))

	req := httptest.NewRequest("GET", "/owner/dashboard", nil)
	req.Host = testDomain
	h.ServeHTTP(httptest.NewRecorder(), req)

	if c.path != "/owner/dashboard" {
		t.Errorf("path = %q", c.path)
	}
}

func TestMiddleware_TenantHostCannotReachOtherTenant(t *testing.T) {
	var c captured
	h, _ := testMiddleware(t, Options{BlockInternalPaths: true}, capture(&c))

	req := httptest.NewRequest("GET", "/", nil)
	req.URL.Path = "/../_tenant/beta/orders"
	req.Host = "acme." + testDomain
	h.ServeHTTP(httptest.NewRecorder(), req)

	if c.path != "/_tenant/acme/_tenant/beta/orders" {
		t.Errorf("path = %q, want it confined to acme", c.path)
	}
}

func TestMiddleware_PassthroughDotSegmentsStayInNamespace(t *testing.T) {
	tests := []struct {
		name        string
		host        string
		path        string
		want        string
		passthrough bool
	}{
		{"tenant to other tenant", "acme." + testDomain, "/_next/static/../../_tenant/beta/secret", "/_tenant/acme/_tenant/beta/secret", false},
		{"tenant to owner", "acme." + testDomain, "/_next/static/../../owner/dashboard", "/_tenant/acme/owner/dashboard", false},
		{"owner to tenant", "owner." + testDomain, "/api/../_tenant/beta/orders", "/owner/_tenant/beta/orders", false},
		{"owner to owner tree", "owner." + testDomain, "/_next/static/../../owner/dashboard", "/owner/owner/dashboard", false},
		{"stays in passthrough", "acme." + testDomain, "/_next/static/chunks/../app.js", "/_next/static/app.js", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c captured
			h, _ := testMiddleware(t, Options{Passthrough: DefaultPassthrough, BlockInternalPaths: true}, capture(&c))

			req := httptest.NewRequest("GET", "/", nil)
			req.URL.Path = tt.path
			req.Host = tt.host
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if c.path != tt.want {
				t.Errorf("path = %q, want %q", c.path, tt.want)
			}
			if c.routed.Passthrough != tt.passthrough {
				t.Errorf("Passthrough = %v, want %v", c.routed.Passthrough, tt.passthrough)
			}
			if got := c.header.Get(HeaderOriginalPath); got != tt.path {
				t.Errorf("%s = %q, want %q", HeaderOriginalPath, got, tt.path)
			}
		})
	}
}

func TestMiddleware_PassthroughIntoInternalNamespaceBlocked(t *testing.T) {
	for _, host := range []string{"acme." + testDomain, "owner." + testDomain, testDomain} {
		t.Run(host, func(t *testing.T) {
			var c captured
			opts := Options{Passthrough: []string{"/_tenant", "/owner"}, BlockInternalPaths: true}
			h, logs := testMiddleware(t, opts, capture(&c))

			req := httptest.NewRequest("GET", "/_tenant/beta/orders", nil)
			req.Host = host
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusNotFound {
				t.Fatalf("status = %d, want 404", rec.Code)
			}
			if c.calls != 0 {
				t.Error("next handler must not be called")
			}
			if !strings.Contains(logs.String(), "internal path requested") {
				t.Error("expected warning log")
			}
		})
	}
}

func TestMiddleware_StripsSpoofedEdgeHeaders(t *testing.T) {
	var c captured
	h, _ := testMiddleware(t, Options{}, capture(&c))

	req := httptest.NewRequest("GET", "/", nil)
	req.Host = "www." + testDomain
	req.Header.Set(HeaderTenant, "victim")
	req.Header.Set(HeaderContext, "owner")
	req.Header.Set("X-Edge-Debug", "1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got := c.header.Get(HeaderTenant); got != "" {
		t.Errorf("spoofed tenant header forwarded: %q", got)
	}
	if got := c.header.Get(HeaderContext); got != "public" {
		t.Errorf("context header = %q, want public", got)
	}
	if got := c.header.Get("X-Edge-Debug"); got != "" {
		t.Errorf("unexpected X-Edge-Debug = %q", got)
	}
}

func TestMiddleware_AppliedOncePerRequest(t *testing.T) {
	var c captured
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rt := newTestRouter(t)

	mw := Middleware(rt, Options{}, logger)
	h := mw(mw(capture(&c)))

	req := httptest.NewRequest("GET", "/products", nil)
	req.Host = "acme." + testDomain
	h.ServeHTTP(httptest.NewRecorder(), req)

	if c.path != "/_tenant/acme/products" {
		t.Errorf("path = %q, want a single tenant prefix", c.path)
	}
}

func TestMiddleware_ClearsRawPath(t *testing.T) {
	var c captured
	h, _ := testMiddleware(t, Options{}, capture(&c))

	req := httptest.NewRequest("GET", "/files/a%2Fb", nil)
	req.Host = "acme." + testDomain
	h.ServeHTTP(httptest.NewRecorder(), req)

	if c.rawPath != "" {
		t.Errorf("RawPath = %q, want empty", c.rawPath)
	}
	if !strings.HasPrefix(c.path, "/_tenant/acme/") {
		t.Errorf("path = %q", c.path)
	}
}

func TestIsInternalPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/owner", true},
		{"/owner/", true},
		{"/owner/x", true},
		{"/_tenant/acme", true},
		{"/a/../owner", true},
		{"/ownership", false},
		{"/_tenants", false},
		{"/", false},
		{"/products", false},
	}
	for _, tt := range tests {
		if got := IsInternalPath(tt.path); got != tt.want {
			t.Errorf("IsInternalPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
