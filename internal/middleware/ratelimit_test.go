package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/agencyos/module-platform/internal/ratelimit"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, int, time.Duration) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis: connection refused")
}

func (brokenLimiter) Name() string { return "broken" }

func rateLimitedRouter(l ratelimit.Limiter, cfg RateLimitConfig) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(l, cfg))
	r.GET("/", ok)
	return r
}

func TestRateLimitMiddleware_DeniesOverLimit(t *testing.T) {
	r := rateLimitedRouter(ratelimit.NewMemoryLimiter(0), RateLimitConfig{Name: "t", RequestsPerMinute: 2})

	for i := 0; i < 2; i++ {
		w := serve(r, "GET", "/", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}
	w := serve(r, "GET", "/", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimitMiddleware_LimiterFailure(t *testing.T) {
	open := rateLimitedRouter(brokenLimiter{}, RateLimitConfig{Name: "t", RequestsPerMinute: 1, FailOpen: true})
	assert.Equal(t, http.StatusOK, serve(open, "GET", "/", "").Code)

	closed := rateLimitedRouter(brokenLimiter{}, RateLimitConfig{Name: "t", RequestsPerMinute: 1})
	assert.Equal(t, http.StatusServiceUnavailable, serve(closed, "GET", "/", "").Code)
}

func TestRateLimitConfigs(t *testing.T) {
	assert.Equal(t, 200, AdminRateLimitConfig(0).RequestsPerMinute)
	assert.Equal(t, 50, AdminRateLimitConfig(50).RequestsPerMinute)
	assert.Equal(t, 30, OAuthRateLimitConfig().RequestsPerMinute)
}

func TestGetRateLimitKey(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.RemoteAddr = "10.0.0.5:1234"
	assert.Equal(t, "ip:10.0.0.5", getRateLimitKey(c))

	c.Set(UserIDKey, "user-1")
	assert.Equal(t, "user:user-1", getRateLimitKey(c))
}
