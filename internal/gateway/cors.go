package gateway

import (
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/basket/smolclaw/internal/config"
)

// corsPolicy decides which browser origins may call the API. Patterns use
// path.Match syntax against the full origin ("https://*.example.com");
// "*" admits every origin.
type corsPolicy struct {
	patterns []string
	methods  string
	headers  string
	maxAge   string
}

func (p corsPolicy) allows(origin string) bool {
	for _, pat := range p.patterns {
		if pat == "*" || strings.EqualFold(pat, origin) {
			return true
		}
		if ok, err := path.Match(strings.ToLower(pat), strings.ToLower(origin)); err == nil && ok {
			return true
		}
	}
	return false
}

// NewCORSMiddleware answers preflights and tags cross-origin responses.
// Without gateway.cors.allowed_origins it reuses the websocket allow_origins
// list so one setting covers a dashboard on both transports. When disabled
// it returns a pass-through wrapper.
func NewCORSMiddleware(cfg config.CORSConfig, fallbackOrigins []string) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	p := corsPolicy{patterns: cfg.AllowedOrigins}
	if len(p.patterns) == 0 {
		p.patterns = fallbackOrigins
	}
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "Authorization", "X-API-Key", "X-Trace-ID"}
	}
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = 3600
	}
	p.methods = strings.Join(methods, ", ")
	p.headers = strings.Join(headers, ", ")
	p.maxAge = strconv.Itoa(maxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")
			allowed := origin != "" && p.allows(origin)
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Expose-Headers", "X-Trace-ID, Retry-After")
			}

			if r.Method == http.MethodOptions {
				if origin != "" && !allowed {
					writeError(w, http.StatusForbidden, "origin not allowed")
					return
				}
				w.Header().Set("Access-Control-Allow-Methods", p.methods)
				w.Header().Set("Access-Control-Allow-Headers", p.headers)
				w.Header().Set("Access-Control-Max-Age", p.maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
// Approval text is short; 1MB leaves room for meta.
const DefaultMaxBodyBytes = 1 << 20

// RequestSizeLimitMiddleware limits request body size.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
