package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"exact match", []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"case insensitive", []string{"http://localhost:3000"}, "HTTP://LOCALHOST:3000", true},
		{"different port", []string{"http://localhost:3000"}, "http://localhost:4000", false},
		{"different scheme", []string{"http://localhost:3000"}, "https://localhost:3000", false},
		{"missing origin", []string{"http://localhost:3000"}, "", false},
		{"malformed origin", []string{"http://localhost:3000"}, "not-a-url", false},
		{"wildcard", []string{"*"}, "https://anywhere.example.test", true},
		{"wildcard still needs an origin", []string{"*"}, "", false},
		{"empty allow list", nil, "http://localhost:3000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := newOriginPolicy(tt.allowed)
			req := httptest.NewRequest(http.MethodGet, "/admin", http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := policy.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestNormalizeOrigins(t *testing.T) {
	origins, allowAll := normalizeOrigins([]string{" https://A.example.com ", "*", "bogus"})
	if !allowAll {
		t.Error("Expected wildcard to allow all origins")
	}
	if len(origins) != 1 || origins[0] != "https://a.example.com" {
		t.Errorf("Unexpected normalized origins: %v", origins)
	}
}
