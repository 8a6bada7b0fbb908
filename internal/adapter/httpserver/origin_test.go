package httpserver

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCheckOrigin(t *testing.T) {
	appURL := "https://tickerpulse.example.com/app"

	tests := []struct {
		name        string
		origin      string
		development bool
		want        bool
	}{
		{"empty origin", "", false, true},
		{"app origin", "https://tickerpulse.example.com", false, true},

		{"different host", "https://evil.com", false, false},
		{"different port", "https://tickerpulse.example.com:9090", false, false},
		{"http instead of https", "http://tickerpulse.example.com", false, false},
		{"subdomain", "https://sub.tickerpulse.example.com", false, false},

		{"localhost dev", "http://localhost:8080", true, true},
		{"127.0.0.1 dev", "http://127.0.0.1:3000", true, true},
		{"ipv6 loopback dev", "http://[::1]:3000", true, true},
		{"localhost prod rejected", "http://localhost:8080", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := newCheckOrigin(appURL, tt.development)
			r, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checker(r))
		})
	}
}

func TestExtractOrigin(t *testing.T) {
	tests := []struct {
		rawURL string
		want   string
	}{
		{"https://example.com/path", "https://example.com"},
		{"https://example.com:8443/path", "https://example.com:8443"},
		{"", ""},
		{"not a url", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractOrigin(tt.rawURL), tt.rawURL)
	}
}
