package middleware

import (
	"net/http"
	"strings"
)

// CORS answers browser preflights and marks allowed origins. Credentials are
// allowed because the session travels in cookies, so "*" echoes the origin
// instead of sending a wildcard.
type CORS struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// NewCORS creates a CORS middleware for the given origins.
func NewCORS(origins []string) *CORS {
	c := &CORS{allowedOrigins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if o == "*" {
			c.allowAll = true
		}
		c.allowedOrigins[o] = struct{}{}
	}
	return c
}

// Allowed reports whether origin may call the API.
func (c *CORS) Allowed(origin string) bool {
	if origin == "" {
		return false
	}
	if c.allowAll {
		return true
	}
	_, ok := c.allowedOrigins[origin]
	return ok
}

// Handler returns the CORS middleware.
func (c *CORS) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		h := w.Header()
		h.Add("Vary", "Origin")

		if c.Allowed(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader)
			h.Set("Access-Control-Expose-Headers", RequestIDHeader)
			h.Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
