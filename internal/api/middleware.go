package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	contextKeyRequestID contextKey = "request_id"
	contextKeyActor     contextKey = "actor"
)

// actorFrom returns the authenticated actor recorded by the auth
// middleware, or "anonymous".
func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(contextKeyActor).(string); ok && actor != "" {
		return actor
	}
	return "anonymous"
}

// loggingMiddleware tags each request with an identifier and logs it.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()

		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(context.WithValue(r.Context(), contextKeyRequestID, requestID))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		s.logger.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": duration.Milliseconds(),
			"remote_addr": getClientIP(r),
			"user_agent":  r.UserAgent(),
		}).Info("HTTP request")
	})
}

// recoveryMiddleware recovers from handler panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"error": err,
					"stack": string(debug.Stack()),
					"path":  r.URL.Path,
				}).Error("Panic recovered in HTTP handler")

				s.writeError(w, http.StatusInternalServerError, kindInternal, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds baseline security headers.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}

// cameraAuthMiddleware authenticates camera-facing endpoints with the
// X-API-Key header: either a per-camera key from the registry or the shared
// edge key. The resolved camera identity becomes the request actor.
func (s *Server) cameraAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			s.logSecurityEvent("missing_api_key", getClientIP(r), r)
			s.writeError(w, http.StatusUnauthorized, kindUnauthorized, "missing API key")
			return
		}

		actor := ""
		if cam, err := s.cameras.ValidateAPIKey(r.Context(), apiKey); err == nil {
			actor = "camera:" + cam.ID
		} else if s.edgeAPIKey != "" &&
			subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.edgeAPIKey)) == 1 {
			actor = "edge"
		}

		if actor == "" {
			s.logSecurityEvent("invalid_api_key", getClientIP(r), r)
			s.writeError(w, http.StatusUnauthorized, kindUnauthorized, "invalid API key")
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), contextKeyActor, actor))
		next.ServeHTTP(w, r)
	})
}

// operatorAuthMiddleware authenticates operator endpoints with a JWT bearer
// token signed with the configured HMAC secret. The subject claim becomes
// the request actor.
func (s *Server) operatorAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			s.logSecurityEvent("missing_bearer_token", getClientIP(r), r)
			s.writeError(w, http.StatusUnauthorized, kindUnauthorized, "missing bearer token")
			return
		}
		tokenString := strings.TrimPrefix(auth, "Bearer ")

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(s.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			s.logSecurityEvent("invalid_token", getClientIP(r), r)
			s.writeError(w, http.StatusUnauthorized, kindUnauthorized, "invalid token")
			return
		}

		actor := "operator:unknown"
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, err := claims.GetSubject(); err == nil && sub != "" {
				actor = "operator:" + sub
			}
		}

		r = r.WithContext(context.WithValue(r.Context(), contextKeyActor, actor))
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// rateLimitEntry holds the request timestamps for one client.
type rateLimitEntry struct {
	requests []time.Time
	mutex    sync.Mutex
}

// rateLimiter implements sliding window rate limiting keyed by client IP.
type rateLimiter struct {
	entries        map[string]*rateLimitEntry
	mutex          sync.Mutex
	requestsPerMin int
	windowSize     time.Duration
	lastCleanup    time.Time
}

func newRateLimiter(requestsPerMin int) *rateLimiter {
	return &rateLimiter{
		entries:        make(map[string]*rateLimitEntry),
		requestsPerMin: requestsPerMin,
		windowSize:     time.Minute,
		lastCleanup:    time.Now(),
	}
}

// isAllowed checks and records a request for the key, returning whether it
// is allowed, the remaining budget and the reset time when exhausted.
func (rl *rateLimiter) isAllowed(key string) (bool, int, time.Time) {
	now := time.Now()

	rl.mutex.Lock()
	if now.Sub(rl.lastCleanup) > rl.windowSize {
		rl.cleanup(now)
		rl.lastCleanup = now
	}
	entry, exists := rl.entries[key]
	if !exists {
		entry = &rateLimitEntry{}
		rl.entries[key] = entry
	}
	rl.mutex.Unlock()

	entry.mutex.Lock()
	defer entry.mutex.Unlock()

	cutoff := now.Add(-rl.windowSize)
	valid := entry.requests[:0]
	for _, reqTime := range entry.requests {
		if reqTime.After(cutoff) {
			valid = append(valid, reqTime)
		}
	}
	entry.requests = valid

	if len(entry.requests) >= rl.requestsPerMin {
		resetTime := entry.requests[0].Add(rl.windowSize)
		return false, 0, resetTime
	}

	entry.requests = append(entry.requests, now)
	return true, rl.requestsPerMin - len(entry.requests), time.Time{}
}

// cleanup drops clients that have gone quiet. Caller holds rl.mutex.
func (rl *rateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rl.windowSize * 2)

	for key, entry := range rl.entries {
		entry.mutex.Lock()
		stale := len(entry.requests) == 0 || entry.requests[len(entry.requests)-1].Before(cutoff)
		entry.mutex.Unlock()
		if stale {
			delete(rl.entries, key)
		}
	}
}

// rateLimitMiddleware applies the sliding window limiter to camera-facing
// endpoints, which take unattended machine traffic.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := getClientIP(r)

		allowed, remaining, resetTime := s.rateLimiter.isAllowed(key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.rateLimiter.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !resetTime.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
		}

		if !allowed {
			s.logSecurityEvent("rate_limit_exceeded", key, r)
			s.writeError(w, http.StatusTooManyRequests, kindRateLimited, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client address, honoring X-Forwarded-For.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// logSecurityEvent logs security-related events.
func (s *Server) logSecurityEvent(event, clientIP string, r *http.Request) {
	s.logger.WithFields(logrus.Fields{
		"event":      event,
		"client_ip":  clientIP,
		"path":       r.URL.Path,
		"method":     r.Method,
		"user_agent": r.UserAgent(),
	}).Warn("Security event")
}
