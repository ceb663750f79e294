package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFixedWindowLimiter(t *testing.T, config *FixedWindowConfig) (*FixedWindowRateLimiter, *time.Time) {
	t.Helper()

	limiter, err := NewFixedWindowRateLimiter(config)
	require.NoError(t, err)
	t.Cleanup(limiter.Stop)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.nowFunc = func() time.Time { return now }
	if limiter.blockList != nil {
		limiter.blockList.nowFunc = limiter.nowFunc
	}
	return limiter, &now
}

func TestFixedWindow_RemainingSequence(t *testing.T) {
	limiter, _ := newTestFixedWindowLimiter(t, nil)
	p := Policy{Name: "test", Limit: 5, Window: time.Minute}

	for i, wantRemaining := range []int{4, 3, 2, 1, 0} {
		res := limiter.CheckLimit("203.0.113.10", p)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, wantRemaining, res.Remaining, "request %d", i+1)
		assert.Equal(t, 5, res.Limit)
	}

	res := limiter.CheckLimit("203.0.113.10", p)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, res.Violations)
}

func TestFixedWindow_WindowReset(t *testing.T) {
	limiter, now := newTestFixedWindowLimiter(t, nil)
	p := Policy{Name: "test", Limit: 2, Window: time.Minute}

	limiter.CheckLimit("key", p)
	limiter.CheckLimit("key", p)
	res := limiter.CheckLimit("key", p)
	assert.False(t, res.Allowed)

	*now = now.Add(time.Minute)

	res = limiter.CheckLimit("key", p)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestFixedWindow_KeysAreIsolated(t *testing.T) {
	limiter, _ := newTestFixedWindowLimiter(t, nil)
	p := Policy{Name: "test", Limit: 1, Window: time.Minute}

	assert.True(t, limiter.CheckLimit("a", p).Allowed)
	assert.False(t, limiter.CheckLimit("a", p).Allowed)
	assert.True(t, limiter.CheckLimit("b", p).Allowed)
}

func TestFixedWindow_PoliciesHaveIndependentCounters(t *testing.T) {
	limiter, _ := newTestFixedWindowLimiter(t, nil)

	tight := Policy{Name: "tight", Limit: 1, Window: time.Minute}
	loose := Policy{Name: "loose", Limit: 5, Window: time.Minute}

	assert.True(t, limiter.CheckLimit("key", tight).Allowed)
	assert.False(t, limiter.CheckLimit("key", tight).Allowed)

	res := limiter.CheckLimit("key", loose)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestFixedWindow_ZeroLimitDeniesFirstCheck(t *testing.T) {
	limiter, _ := newTestFixedWindowLimiter(t, nil)
	p := Policy{Name: "closed", Limit: 0, Window: time.Minute}

	res := limiter.CheckLimit("key", p)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.Equal(t, 1, res.Violations)
}

func TestFixedWindow_ViolationsAccumulate(t *testing.T) {
	limiter, _ := newTestFixedWindowLimiter(t, nil)
	p := Policy{Name: "test", Limit: 1, Window: time.Minute}

	limiter.CheckLimit("key", p)
	for want := 1; want <= 3; want++ {
		res := limiter.CheckLimit("key", p)
		assert.False(t, res.Allowed)
		assert.Equal(t, want, res.Violations)
	}
}

func TestFixedWindow_AutoBlocksRepeatOffender(t *testing.T) {
	config := DefaultFixedWindowConfig()
	config.BlockList = NewBlockList()
	config.ViolationThreshold = 5
	limiter, _ := newTestFixedWindowLimiter(t, config)

	p := Policy{Name: "test", Limit: 1, Window: time.Minute}
	ip := "203.0.113.20"

	// One admitted request, then four violations: still not blocked.
	for i := 0; i < 5; i++ {
		limiter.CheckLimit(ip, p)
	}
	assert.False(t, config.BlockList.IsBlocked(ip), "should not block before the threshold")

	// Fifth violation crosses the threshold.
	limiter.CheckLimit(ip, p)
	assert.True(t, config.BlockList.IsBlocked(ip))

	blocked := config.BlockList.BlockedIPs()
	require.Len(t, blocked, 1)
	assert.Equal(t, ip, blocked[0].IP)
	assert.Equal(t, DefaultBlockReason, blocked[0].Reason)
}

func TestFixedWindow_NonIPKeyIsNeverBlocked(t *testing.T) {
	config := DefaultFixedWindowConfig()
	config.BlockList = NewBlockList()
	config.ViolationThreshold = 2
	limiter, _ := newTestFixedWindowLimiter(t, config)

	p := Policy{Name: "test", Limit: 0, Window: time.Minute}
	for i := 0; i < 10; i++ {
		limiter.CheckLimit("api:secret-key", p)
	}
	assert.Empty(t, config.BlockList.BlockedIPs())
}

func TestFixedWindow_ConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*FixedWindowConfig)
		wantErr error
	}{
		{
			name:    "negative threshold",
			mutate:  func(c *FixedWindowConfig) { c.ViolationThreshold = -1 },
			wantErr: ErrInvalidThreshold,
		},
		{
			name:    "negative max clients",
			mutate:  func(c *FixedWindowConfig) { c.MaxClients = -1 },
			wantErr: ErrInvalidMaxClients,
		},
		{
			name:    "negative cleanup interval",
			mutate:  func(c *FixedWindowConfig) { c.CleanupInterval = -time.Second },
			wantErr: ErrInvalidCleanupInterval,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultFixedWindowConfig()
			tt.mutate(config)
			_, err := NewFixedWindowRateLimiter(config)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFixedWindow_MiddlewareHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)

	config := DefaultFixedWindowConfig()
	limiter, _ := newTestFixedWindowLimiter(t, config)

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/api/products", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, PolicyPublic, w.Header().Get("X-RateLimit-Policy"))
}

func TestFixedWindow_MiddlewareRejectsWithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	config := DefaultFixedWindowConfig()
	limiter, _ := newTestFixedWindowLimiter(t, config)

	router := gin.New()
	router.Use(limiter.Middleware())
	router.POST("/api/auth/login", func(c *gin.Context) { c.Status(http.StatusOK) })

	var lastCode int
	var lastHeaders http.Header
	for i := 0; i < 6; i++ { // auth policy allows 5 per window
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.Header.Set("X-Real-IP", "198.51.100.2")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		lastCode = w.Code
		lastHeaders = w.Header()
	}

	assert.Equal(t, http.StatusTooManyRequests, lastCode)
	assert.Equal(t, "0", lastHeaders.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, lastHeaders.Get("Retry-After"))
	assert.Equal(t, "1", lastHeaders.Get("X-RateLimit-Violations"))
}

func TestFixedWindow_MiddlewareShortCircuitsBlockedIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	config := DefaultFixedWindowConfig()
	config.BlockList = NewBlockList()
	limiter, _ := newTestFixedWindowLimiter(t, config)

	config.BlockList.Block("198.51.100.3", DefaultBlockReason, time.Hour)

	handled := false
	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/api/products", func(c *gin.Context) { handled = true })

	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.3")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, handled, "handler must not run for a blocked IP")
	assert.Equal(t, DefaultBlockReason, w.Header().Get("X-RateLimit-Blocked"))

	// The denial must not touch the key's counter state.
	assert.Equal(t, 0, limiter.ClientCount())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, DefaultBlockReason, body["reason"])
}

func TestFixedWindow_StatsCounters(t *testing.T) {
	limiter, _ := newTestFixedWindowLimiter(t, nil)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Real-IP", "198.51.100.4")
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	stats := limiter.GetStats()
	assert.Equal(t, int64(3), stats.GetTotalRequests())
	assert.Equal(t, int64(3), stats.GetAllowedRequests())
	assert.Equal(t, FixedWindowType, stats.GetType())

	limiter.ResetStats()
	assert.Equal(t, int64(0), limiter.GetStats().GetTotalRequests())
}
