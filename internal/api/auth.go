package api

import (
	"crypto/subtle"
	"net/http"

	"marketsync/internal/config"
)

// HTTPAuth validates API keys and applies a per-client request limit.
type HTTPAuth struct {
	cfg     config.APIConfig
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{
		cfg:     cfg,
		limiter: newRateLimiter(&cfg),
	}
}

// clientName returns the configured client for a presented key, using a
// constant-time comparison for each candidate.
func (a *HTTPAuth) clientName(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	for _, client := range a.cfg.Auth.APIKeys {
		if subtle.ConstantTimeCompare([]byte(client.Key), []byte(key)) == 1 {
			return client.Name, true
		}
	}
	return "", false
}

// Wrap enforces auth and rate limiting ahead of the handler. Health and
// metrics endpoints stay open for probes and scrapers.
func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		client := "anonymous"
		if a.cfg.Auth.Enabled {
			name, ok := a.clientName(r.Header.Get(a.cfg.Auth.HeaderAPIKey))
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			client = name
		}

		if !a.limiter.allow(client) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
