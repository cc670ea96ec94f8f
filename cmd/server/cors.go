package main

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/blueberrycongee/sicc/internal/config"
	"github.com/blueberrycongee/sicc/internal/observability"
)

// corsPolicy is the browser access policy for the SICC API. Browser
// dashboards read the X-Request-ID response header to correlate failures
// with server logs, so it is always exposed.
type corsPolicy struct {
	cfg           config.CORSConfig
	methods       string
	headers       string
	exposeHeaders string
	maxAge        string
}

func newCORSPolicy(cfg config.CORSConfig) *corsPolicy {
	p := &corsPolicy{
		cfg:           cfg,
		methods:       strings.Join(cfg.AllowMethods, ", "),
		headers:       strings.Join(cfg.AllowHeaders, ", "),
		exposeHeaders: observability.RequestIDHeader,
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.FormatInt(int64(cfg.MaxAge.Seconds()), 10)
	}
	return p
}

func corsMiddleware(cfg config.CORSConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	policy := newCORSPolicy(cfg)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !policy.originAllowed(origin) {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		policy.writeOrigin(w.Header(), origin)

		requested := r.Header.Get("Access-Control-Request-Method")
		if r.Method == http.MethodOptions && requested != "" {
			if !policy.methodAllowed(requested) {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			policy.writePreflight(w.Header())
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Header().Set("Access-Control-Expose-Headers", policy.exposeHeaders)
		next.ServeHTTP(w, r)
	})
}

func (p *corsPolicy) writeOrigin(h http.Header, origin string) {
	if p.cfg.AllowAllOrigins && !p.cfg.AllowCredentials {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Origin", origin)
	}
	if p.cfg.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

func (p *corsPolicy) writePreflight(h http.Header) {
	if p.methods != "" {
		h.Set("Access-Control-Allow-Methods", p.methods)
	}
	if p.headers != "" {
		h.Set("Access-Control-Allow-Headers", p.headers)
	}
	if p.maxAge != "" {
		h.Set("Access-Control-Max-Age", p.maxAge)
	}
}

// methodAllowed treats an empty method list as no restriction.
func (p *corsPolicy) methodAllowed(method string) bool {
	if len(p.cfg.AllowMethods) == 0 {
		return true
	}
	return slices.ContainsFunc(p.cfg.AllowMethods, func(m string) bool {
		return strings.EqualFold(m, method)
	})
}

// originAllowed applies deny_origins before allow_origins; a "*" entry in
// deny_origins shuts browser access off entirely.
func (p *corsPolicy) originAllowed(origin string) bool {
	if slices.Contains(p.cfg.DenyOrigins, "*") || slices.Contains(p.cfg.DenyOrigins, origin) {
		return false
	}
	return p.cfg.AllowAllOrigins || slices.Contains(p.cfg.AllowOrigins, origin)
}
