package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/ratelimit"
)

// RateLimitConfig configures one RateLimitMiddleware instance.
type RateLimitConfig struct {
	// Name prefixes bucket keys so two instances never share counters.
	Name              string
	RequestsPerMinute int
	// FailOpen lets requests through when the limiter errors.
	FailOpen bool
}

// AdminRateLimitConfig is applied to the admin API.
func AdminRateLimitConfig(rpm int) RateLimitConfig {
	if rpm <= 0 {
		rpm = 200
	}
	return RateLimitConfig{Name: "admin", RequestsPerMinute: rpm, FailOpen: true}
}

// OAuthRateLimitConfig is the stricter limit on the token endpoints, where
// client secrets and codes are guessed.
func OAuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Name: "oauth", RequestsPerMinute: 30, FailOpen: true}
}

// RateLimitMiddleware counts requests per caller against limiter.
func RateLimitMiddleware(limiter ratelimit.Limiter, cfg RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := cfg.Name + ":" + getRateLimitKey(c)
		d, err := ratelimit.Check(c.Request.Context(), limiter, key, cfg.RequestsPerMinute, ratelimit.DefaultWindow)
		if err != nil {
			if !cfg.FailOpen {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "Rate limiter unavailable",
					"code":  "UNAVAILABLE",
				})
				return
			}
			slog.Warn("rate limiter unavailable, allowing request", "limiter", cfg.Name, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		if !d.Allowed {
			retry := int(time.Until(d.Reset).Seconds())
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"code":        "RATE_LIMITED",
				"retry_after": retry,
			})
			return
		}
		c.Next()
	}
}

// getRateLimitKey picks the bucket: user id when auth already ran, else the
// client IP.
func getRateLimitKey(c *gin.Context) string {
	if id := c.GetString(UserIDKey); id != "" {
		return "user:" + id
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
