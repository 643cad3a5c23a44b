package main

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const RequestIDHeader = "X-Request-ID"

type ctxKey string

const clientKey ctxKey = "client"

// RequestID tags every request with an id, reusing the caller's when present
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = xid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		r.Header.Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// Logging middleware logs requests and puts a request logger into the context
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := log.With().
			Str("request_id", r.Header.Get(RequestIDHeader)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Logger()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(l.WithContext(r.Context())))

		// skip logging successful health checks
		if (r.URL.Path == "/health" || r.URL.Path == "/ready") && wrapped.statusCode < 400 {
			return
		}
		l.Info().
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

// Recover turns a panicking handler into a 500
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Ctx(r.Context()).Error().
					Interface("panic", err).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// APIKeyAuth middleware validates the API key when one is configured
func (a *App) APIKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			// Try Authorization header: Bearer <api-key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if a.APIKeyHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "API key required")
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(a.APIKeyHash), []byte(apiKey)) != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), clientKey, getAPIKeyPrefix(apiKey))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CORS middleware handles CORS headers
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			// Check if origin is allowed
			allowed := len(a.AllowedOrigins) == 0
			for _, o := range a.AllowedOrigins {
				if o == origin || o == "*" {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimiter implements per-client rate limiting
type RateLimiter struct {
	limitPerMinute int
	limiters       map[string]*rate.Limiter
	mu             sync.RWMutex
}

func NewRateLimiter(limitPerMinute int) *RateLimiter {
	return &RateLimiter{
		limitPerMinute: limitPerMinute,
		limiters:       make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) getLimiter(client string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[client]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		limiter, exists = rl.limiters[client]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(rl.limitPerMinute)/60, rl.limitPerMinute)
			rl.limiters[client] = limiter
		}
		rl.mu.Unlock()
	}

	return limiter
}

// RateLimit middleware enforces rate limits per API key, or per remote host without one
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _ := r.Context().Value(clientKey).(string)
		if client == "" {
			client = r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				client = host
			}
		}

		if !a.rateLimiter.getLimiter(client).Allow() {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func getAPIKeyPrefix(apiKey string) string {
	if len(apiKey) >= 8 {
		return apiKey[:8]
	}
	return apiKey
}
