package gateway

import (
	"net/http"
	"strings"
)

// SecurityConfig holds configuration for security middleware
type SecurityConfig struct {
	// FrameOptionsValue is the value for X-Frame-Options (empty = not set)
	FrameOptionsValue string
	// ContentSecurityPolicy is the CSP header value (empty = not set)
	ContentSecurityPolicy string
	// ReferrerPolicy is the Referrer-Policy header value
	ReferrerPolicy string
	// NoStorePrefixes are path prefixes whose responses must never be cached
	NoStorePrefixes []string
}

// DefaultSecurityConfig returns the configuration used by the gateway
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		FrameOptionsValue:     "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
		NoStorePrefixes:       []string{"/billing/", "/admin/"},
	}
}

// SecurityMiddleware adds security headers to all responses
func SecurityMiddleware(config SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			if config.FrameOptionsValue != "" {
				h.Set("X-Frame-Options", config.FrameOptionsValue)
			}
			if config.ContentSecurityPolicy != "" {
				h.Set("Content-Security-Policy", config.ContentSecurityPolicy)
			}
			if config.ReferrerPolicy != "" {
				h.Set("Referrer-Policy", config.ReferrerPolicy)
			}

			// Quota decisions and snapshots go stale immediately
			if hasAnyPrefix(r.URL.Path, config.NoStorePrefixes) {
				h.Set("Cache-Control", "no-store")
				h.Set("Pragma", "no-cache")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requireJSON rejects request bodies that declare a non-JSON content type.
// An empty Content-Type is accepted.
func (g *Gateway) requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.Contains(contentType, "application/json") {
				g.writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
