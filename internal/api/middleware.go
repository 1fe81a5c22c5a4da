package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"ai-lightning/internal/auth"
	"ai-lightning/pkg/cache"
	"ai-lightning/pkg/logger"

	"go.uber.org/zap"
)

type contextKey string

const claimsKey contextKey = "claims"

// claimsFrom returns the authenticated claims stored by requireAuth.
func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return claims
}

// requireAuth validates the bearer token and stores its claims on the request
// context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.auth.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates admin-only routes. Must be mounted inside requireAuth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r)
		if claims == nil || !claims.IsAdmin {
			writeError(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit caps requests per caller per minute using a Redis counter.
// Counter failures fail open: losing Redis must not take the API down.
func (s *Server) rateLimit(name string, perMinute int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateKey(r, name)

			count, err := cache.Incr(r.Context(), key)
			if err != nil {
				logger.Debug("Rate limit counter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if count == 1 {
				if err := cache.Expire(r.Context(), key, time.Minute); err != nil {
					logger.Debug("Rate limit expire failed", zap.Error(err))
				}
			}
			if count > perMinute {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// rateKey identifies the caller. Authenticated requests are counted per
// user, so tenants behind one NAT do not share a bucket; anonymous requests
// fall back to the client IP.
func rateKey(r *http.Request, name string) string {
	if claims := claimsFrom(r); claims != nil {
		return fmt.Sprintf("ratelimit:%s:user:%s", name, claims.UserID)
	}
	return fmt.Sprintf("ratelimit:%s:ip:%s", name, clientIP(r))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
