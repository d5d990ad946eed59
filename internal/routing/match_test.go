package routing

import "testing"

func TestMatchesPrefix(t *testing.T) {
	tests := []struct {
		path   string
		prefix string
		want   bool
	}{
		{"/api/v1/products", "/api", true},
		{"/api", "/api", true},
		{"/api/", "/api/", true},
		{"/apiary", "/api", false},
		{"/api-docs", "/api", false},
		{"/_tenant/acme/products", "/_tenant", true},
		{"/_tenants", "/_tenant", false},
		{"/owner/dashboard", "/owner", true},
		{"/ownership", "/owner", false},
		{"/favicon.ico", "/favicon.ico", true},
		{"/favicon.ico.map", "/favicon.ico", false},
		{"/anything", "/", true},
		{"/other", "/api", false},
		{"/api", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path+"_vs_"+tt.prefix, func(t *testing.T) {
			got := MatchesPrefix(tt.path, tt.prefix)
			if got != tt.want {
				t.Errorf("MatchesPrefix(%q, %q) = %v, want %v", tt.path, tt.prefix, got, tt.want)
			}
		})
	}
}

func TestMatchesAny(t *testing.T) {
	prefixes := []string{"/api", "/_next/static"}
	if !MatchesAny("/_next/static/chunk.js", prefixes) {
		t.Error("expected match for static asset")
	}
	if MatchesAny("/_next/data/x.json", prefixes) {
		t.Error("unexpected match for /_next/data")
	}
	if MatchesAny("/api", nil) {
		t.Error("nil prefix list must never match")
	}
}

func TestLongest(t *testing.T) {
	prefixes := []string{"/", "/api", "/api/v1/owner"}
	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/owner/tenants", 2},
		{"/api/v1/products", 1},
		{"/_tenant/acme/", 0},
	}
	for _, tt := range tests {
		if got := Longest(tt.path, prefixes); got != tt.want {
			t.Errorf("Longest(%q) = %d, want %d", tt.path, got, tt.want)
		}
	}
	if got := Longest("/x", []string{"/api"}); got != -1 {
		t.Errorf("Longest with no match = %d, want -1", got)
	}
}
