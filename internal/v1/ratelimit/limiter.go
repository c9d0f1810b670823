// Package ratelimit enforces per-IP and per-user request limits with
// ulule/limiter over an in-process memory store. Limits are soft state; a
// restart resets every counter, which is acceptable for abuse throttling.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/lrcom/lrcom-server/internal/v1/config"
	"github.com/lrcom/lrcom-server/internal/v1/metrics"
)

// UserIDKey is the gin context key the auth middleware sets; user-keyed
// limits fall back to the client IP when it is absent.
const UserIDKey = "userID"

// Limiter groups the four limit buckets the API uses.
type Limiter struct {
	apiGlobal *limiter.Limiter
	apiAuth   *limiter.Limiter
	apiSigned *limiter.Limiter
	wsIP      *limiter.Limiter
}

// New parses the configured rates (ulule format, e.g. "600-M") and builds
// every bucket over one shared memory store.
func New(cfg *config.Config) (*Limiter, error) {
	store := memory.NewStore()

	build := func(name, formatted string) (*limiter.Limiter, error) {
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid %s rate %q: %w", name, formatted, err)
		}
		return limiter.New(store, rate), nil
	}

	apiGlobal, err := build("global", cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, err
	}
	apiAuth, err := build("auth", cfg.RateLimitAPIAuth)
	if err != nil {
		return nil, err
	}
	apiSigned, err := build("signed", cfg.RateLimitAPISigned)
	if err != nil {
		return nil, err
	}
	wsIP, err := build("ws", cfg.RateLimitWsIP)
	if err != nil {
		return nil, err
	}

	return &Limiter{apiGlobal: apiGlobal, apiAuth: apiAuth, apiSigned: apiSigned, wsIP: wsIP}, nil
}

// Global limits every request, keyed by user when authenticated and by IP
// otherwise.
func (l *Limiter) Global() gin.HandlerFunc {
	return l.middleware(l.apiGlobal, "global", keyUserOrIP)
}

// Auth limits the unauthenticated credential endpoints by IP. Tighter than
// the global bucket because these are the brute-force surface.
func (l *Limiter) Auth() gin.HandlerFunc {
	return l.middleware(l.apiAuth, "auth", keyIP)
}

// Signed limits the authenticated API per user.
func (l *Limiter) Signed() gin.HandlerFunc {
	return l.middleware(l.apiSigned, "signed", keyUserOrIP)
}

// CheckWebSocket gates socket upgrades by IP. It writes the 429 itself and
// reports whether the upgrade may proceed. The store only fails on context
// cancellation, so errors fail open.
func (l *Limiter) CheckWebSocket(c *gin.Context) bool {
	lctx, err := l.wsIP.Get(c.Request.Context(), c.ClientIP())
	if err != nil {
		return true
	}
	if lctx.Reached {
		metrics.RateLimited.WithLabelValues("ws").Inc()
		c.Header("Retry-After", retryAfter(lctx.Reset))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return false
	}
	return true
}

func (l *Limiter) middleware(lim *limiter.Limiter, scope string, key func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		lctx, err := lim.Get(c.Request.Context(), key(c))
		if err != nil {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimited.WithLabelValues(scope).Inc()
			c.Header("Retry-After", retryAfter(lctx.Reset))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func keyIP(c *gin.Context) string {
	return c.ClientIP()
}

func keyUserOrIP(c *gin.Context) string {
	if userID := c.GetString(UserIDKey); userID != "" {
		return userID
	}
	return c.ClientIP()
}

func retryAfter(reset int64) string {
	secs := reset - time.Now().Unix()
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
