package server

import (
	"net/http"
	"net/url"
	"strings"
)

// originPolicy admits requests without an Origin header, same-host
// origins and the configured allow list.
type originPolicy struct {
	allowed map[string]bool
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{allowed: make(map[string]bool, len(origins))}
	for _, o := range origins {
		if o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/"); o != "" {
			p.allowed[o] = true
		}
	}
	return p
}

// Allow reports whether r may change state or open the feed.
func (p *originPolicy) Allow(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Not a browser cross-site request.
		return true
	}
	if p.allowed[strings.TrimRight(strings.ToLower(origin), "/")] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Middleware answers 403 to requests from foreign origins.
func (p *originPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Allow(r) {
			respondError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}
