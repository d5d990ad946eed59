// Package hostroute maps an inbound request's Host header onto one of the
// platform's three application contexts (public site, owner console, tenant
// application) and computes the internal path that serves it.
//
// Route is a pure function of the host, the path and the platform domain the
// Router was built with. It never fails: any host it cannot classify with
// confidence resolves to the public context with the path left alone.
package hostroute

import (
	"fmt"
	"path"
	"strings"
)

// Context identifies which application handler tree serves a request.
type Context int

const (
	Public Context = iota // marketing site, no tenant
	Owner                 // platform operator console
	Tenant                // per-tenant application
)

// String returns the lower-case context name used in headers, metrics and logs.
func (c Context) String() string {
	switch c {
	case Owner:
		return "owner"
	case Tenant:
		return "tenant"
	default:
		return "public"
	}
}

// MarshalText encodes the context by name.
func (c Context) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a context name.
func (c *Context) UnmarshalText(b []byte) error {
	v, err := ParseContext(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseContext is the inverse of Context.String.
func ParseContext(s string) (Context, error) {
	switch s {
	case "public":
		return Public, nil
	case "owner":
		return Owner, nil
	case "tenant":
		return Tenant, nil
	}
	return Public, fmt.Errorf("unknown routing context %q", s)
}

// Reserved subdomain labels and the internal namespaces they map to.
const (
	OwnerLabel   = "owner"
	WWWLabel     = "www"
	OwnerPrefix  = "/owner"
	TenantPrefix = "/_tenant"

	maxLabelLen  = 63
	maxDomainLen = 253
)

// Decision is the outcome of routing one request.
type Decision struct {
	Path    string  `json:"path"`
	Context Context `json:"context"`
	Tenant  string  `json:"tenant,omitempty"`
}

// Router classifies hosts under a single platform domain. It holds only
// immutable strings and is safe for concurrent use.
type Router struct {
	domain string
	suffix string
}

// New returns a Router for the given platform domain, e.g. "umkm.example.id".
func New(domain string) (*Router, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	return &Router{domain: d, suffix: "." + d}, nil
}

// Domain returns the normalized platform domain.
func (rt *Router) Domain() string { return rt.domain }

// Route decides which context serves (host, path) and the path it is served
// under. The tenant label placed into the path is always lower-case and
// always satisfies ValidLabel. Owner and tenant paths are passed through
// CleanPath before the namespace prefix is added, so the result is not a
// byte-exact concatenation when path holds dot segments or repeated slashes.
func (rt *Router) Route(host, p string) Decision {
	p = normalizePath(p)
	public := Decision{Path: p, Context: Public}

	h, ok := asciiLower(stripPort(host))
	if !ok {
		return public
	}
	h = strings.TrimSuffix(h, ".")

	if h == rt.domain || !strings.HasSuffix(h, rt.suffix) {
		return public
	}
	label := h[:len(h)-len(rt.suffix)]
	if label == "" || label == WWWLabel || !ValidLabel(label) {
		return public
	}

	clean := CleanPath(p)
	if label == OwnerLabel {
		return Decision{Path: OwnerPrefix + clean, Context: Owner}
	}
	return Decision{Path: TenantPrefix + "/" + label + clean, Context: Tenant, Tenant: label}
}

// ValidLabel reports whether s is a single lower-case hostname label:
// 1 to 63 characters from [a-z0-9-], not starting or ending with '-'.
func ValidLabel(s string) bool {
	if len(s) == 0 || len(s) > maxLabelLen {
		return false
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

// NormalizeDomain lower-cases and validates a platform domain. The domain
// must have at least two labels and carry no scheme, port or path.
func NormalizeDomain(raw string) (string, error) {
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), ".")
	if d == "" {
		return "", fmt.Errorf("platform domain is required")
	}
	if strings.Contains(d, "://") {
		return "", fmt.Errorf("platform domain %q must not include a scheme", raw)
	}
	if strings.ContainsAny(d, "/:@ \t\r\n") {
		return "", fmt.Errorf("platform domain %q must not include a path, port or whitespace", raw)
	}
	if len(d) > maxDomainLen {
		return "", fmt.Errorf("platform domain is too long (%d > %d)", len(d), maxDomainLen)
	}
	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return "", fmt.Errorf("platform domain %q must contain a dot", raw)
	}
	for _, l := range labels {
		if !ValidLabel(l) {
			return "", fmt.Errorf("platform domain %q has invalid label %q", raw, l)
		}
	}
	return d, nil
}

// CleanPath resolves "." and ".." segments and duplicate slashes so that the
// result can be appended to a namespace prefix without escaping it. A
// trailing slash is preserved.
func CleanPath(p string) string {
	p = normalizePath(p)
	c := path.Clean(p)
	if c != "/" && strings.HasSuffix(p, "/") {
		c += "/"
	}
	return c
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}

// stripPort removes a trailing ":port". Bracketed IPv6 literals are returned
// untouched; they can never end with the platform suffix.
func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// asciiLower lower-cases an ASCII host. Hosts containing non-ASCII bytes are
// rejected because Unicode case folding can turn them into ASCII labels.
func asciiLower(s string) (string, bool) {
	var b []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x80 {
			return "", false
		}
		if c >= 'A' && c <= 'Z' {
			if b == nil {
				b = []byte(s)
			}
			b[i] = c + ('a' - 'A')
		}
	}
	if b == nil {
		return s, true
	}
	return string(b), true
}
