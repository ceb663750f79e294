package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenBucketLimiter(t *testing.T, config *TokenBucketConfig) (*TokenBucketRateLimiter, *time.Time) {
	t.Helper()

	limiter, err := NewTokenBucketRateLimiter(config)
	require.NoError(t, err)
	t.Cleanup(limiter.Stop)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.nowFunc = func() time.Time { return now }
	return limiter, &now
}

func TestTokenBucket_FreshKeyStartsFull(t *testing.T) {
	config := DefaultTokenBucketConfig()
	config.Capacity = 10
	config.RefillRate = 1
	config.TokensPerRequest = 3

	limiter, _ := newTestTokenBucketLimiter(t, config)

	res := limiter.CheckLimit("key")
	assert.True(t, res.Allowed)
	assert.InDelta(t, 7.0, res.Tokens, 1e-9)
	assert.Equal(t, 7, res.Remaining)
}

func TestTokenBucket_ExhaustionAndRetryAfter(t *testing.T) {
	config := DefaultTokenBucketConfig()
	config.Capacity = 2
	config.RefillRate = 0.5
	limiter, _ := newTestTokenBucketLimiter(t, config)

	assert.True(t, limiter.CheckLimit("key").Allowed)
	assert.True(t, limiter.CheckLimit("key").Allowed)

	res := limiter.CheckLimit("key")
	assert.False(t, res.Allowed)
	// One whole token at half a token per second: two seconds away.
	assert.Equal(t, 2*time.Second, res.RetryAfter)

	// Denial must not consume tokens.
	assert.InDelta(t, 0.0, res.Tokens, 1e-9)
}

func TestTokenBucket_ContinuousRefill(t *testing.T) {
	config := DefaultTokenBucketConfig()
	config.Capacity = 4
	config.RefillRate = 2
	limiter, now := newTestTokenBucketLimiter(t, config)

	for i := 0; i < 4; i++ {
		assert.True(t, limiter.CheckLimit("key").Allowed)
	}
	assert.False(t, limiter.CheckLimit("key").Allowed)

	// 500ms at 2 tokens/s earns one token.
	*now = now.Add(500 * time.Millisecond)

	res := limiter.CheckLimit("key")
	assert.True(t, res.Allowed)
	assert.InDelta(t, 0.0, res.Tokens, 1e-9)
}

func TestTokenBucket_RefillCapsAtCapacity(t *testing.T) {
	config := DefaultTokenBucketConfig()
	config.Capacity = 5
	config.RefillRate = 10
	limiter, now := newTestTokenBucketLimiter(t, config)

	limiter.CheckLimit("key")

	// Hours of idle time still leave at most a full bucket.
	*now = now.Add(3 * time.Hour)

	res := limiter.CheckLimit("key")
	assert.True(t, res.Allowed)
	assert.InDelta(t, 4.0, res.Tokens, 1e-9)
}

func TestTokenBucket_ClockSkewRefillsNothing(t *testing.T) {
	config := DefaultTokenBucketConfig()
	config.Capacity = 2
	config.RefillRate = 100
	limiter, now := newTestTokenBucketLimiter(t, config)

	limiter.CheckLimit("key")
	limiter.CheckLimit("key")

	*now = now.Add(-time.Minute)

	res := limiter.CheckLimit("key")
	assert.False(t, res.Allowed)
	assert.InDelta(t, 0.0, res.Tokens, 1e-9)
}

func TestTokenBucket_ConfigValidation(t *testing.T) {
	config := DefaultTokenBucketConfig()
	config.Capacity = 0
	_, err := NewTokenBucketRateLimiter(config)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	config = DefaultTokenBucketConfig()
	config.RefillRate = -1
	_, err = NewTokenBucketRateLimiter(config)
	assert.ErrorIs(t, err, ErrInvalidRefillRate)
}

func TestTokenBucket_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	config := DefaultTokenBucketConfig()
	config.Capacity = 1
	config.RefillRate = 0.001
	limiter, _ := newTestTokenBucketLimiter(t, config)

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Real-IP", "198.51.100.8")
	router.ServeHTTP(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Real-IP", "198.51.100.8")
	router.ServeHTTP(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	assert.Equal(t, TokenBucketType, limiter.Type())
	assert.Equal(t, TokenBucketAlg, limiter.Algorithm())
}
