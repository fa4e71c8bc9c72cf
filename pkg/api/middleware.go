package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saferun-dev/saferun/pkg/saferr"
	"github.com/saferun-dev/saferun/pkg/store"
)

type contextKey int

const apiKeyContextKey contextKey = iota

// KeyFromContext returns the authenticated key record, if any.
func KeyFromContext(ctx context.Context) *store.APIKey {
	rec, _ := ctx.Value(apiKeyContextKey).(*store.APIKey)
	return rec
}

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestID assigns an id to each request and echoes it back.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// withLogging emits one access-log line per request.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		done := s.metrics.TrackRequest(r.Context(), r.URL.Path)
		next.ServeHTTP(rec, r)
		done(rec.status)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get("X-Request-ID"),
		)
	})
}

// extractAPIKey reads the key from Authorization: Bearer or X-API-Key.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if k, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(k)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// requireKey authenticates the request, applies the per-key rate limit,
// and stores the key record in the context.
func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)
		if key == "" {
			writeCode(w, saferr.KindUnauthorized, "missing_api_key", "provide an API key via Authorization: Bearer or X-API-Key")
			return
		}
		rec, err := s.tenants.Validate(r.Context(), key)
		if err != nil {
			WriteErr(w, s.logger, err)
			return
		}

		if s.limiter != nil {
			ok, wait, err := s.limiter.Allow(r.Context(), key)
			if err != nil {
				s.logger.Warn("rate limit backend error", "error", err)
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.rateLimitMax))
			if !ok {
				secs := int(wait.Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeCode(w, saferr.KindRateLimited, "rate_limited", "request rate limit exceeded")
				return
			}
		}

		ctx := context.WithValue(r.Context(), apiKeyContextKey, rec)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}
