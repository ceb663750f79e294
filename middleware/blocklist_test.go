package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlockList() (*BlockList, *time.Time) {
	bl := NewBlockList()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bl.nowFunc = func() time.Time { return now }
	return bl, &now
}

func TestBlockList_BlockAndExpire(t *testing.T) {
	bl, now := newTestBlockList()

	bl.Block("203.0.113.1", DefaultBlockReason, 30*time.Minute)
	assert.True(t, bl.IsBlocked("203.0.113.1"))

	entry, ok := bl.Get("203.0.113.1")
	require.True(t, ok)
	assert.Equal(t, DefaultBlockReason, entry.Reason)
	assert.Equal(t, now.Add(30*time.Minute), entry.ExpiresAt)

	*now = now.Add(30 * time.Minute)
	assert.False(t, bl.IsBlocked("203.0.113.1"))
	assert.Equal(t, 0, bl.Len())
}

func TestBlockList_PermanentBlock(t *testing.T) {
	bl, now := newTestBlockList()

	bl.Block("203.0.113.2", "abuse report", 0)
	*now = now.Add(24 * 365 * time.Hour)
	assert.True(t, bl.IsBlocked("203.0.113.2"))
}

func TestBlockList_ReblockRefreshesEntry(t *testing.T) {
	bl, now := newTestBlockList()

	bl.Block("203.0.113.3", DefaultBlockReason, time.Minute)
	*now = now.Add(50 * time.Second)
	bl.Block("203.0.113.3", DefaultBlockReason, time.Minute)

	*now = now.Add(30 * time.Second)
	assert.True(t, bl.IsBlocked("203.0.113.3"))
}

func TestBlockList_Unblock(t *testing.T) {
	bl, _ := newTestBlockList()

	assert.False(t, bl.UnblockIP("203.0.113.4"), "unblocking an absent IP reports false")

	bl.Block("203.0.113.4", DefaultBlockReason, time.Hour)
	assert.True(t, bl.UnblockIP("203.0.113.4"))
	assert.False(t, bl.IsBlocked("203.0.113.4"))
	assert.False(t, bl.UnblockIP("203.0.113.4"), "second unblock reports false")
}

func TestBlockList_UnblockedClientIsAdmittedAgain(t *testing.T) {
	config := DefaultFixedWindowConfig()
	config.BlockList = NewBlockList()
	limiter, _ := newTestFixedWindowLimiter(t, config)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/api/products", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
		req.Header.Set("X-Real-IP", "203.0.113.5")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	config.BlockList.Block("203.0.113.5", DefaultBlockReason, time.Hour)
	assert.Equal(t, http.StatusForbidden, serve())

	require.True(t, config.BlockList.UnblockIP("203.0.113.5"))
	assert.Equal(t, http.StatusOK, serve())
}

func TestBlockList_SweepExpired(t *testing.T) {
	bl, now := newTestBlockList()

	bl.Block("203.0.113.6", DefaultBlockReason, time.Minute)
	bl.Block("203.0.113.7", DefaultBlockReason, time.Hour)
	bl.Block("203.0.113.8", "manual", 0)

	*now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, bl.SweepExpired())
	assert.Equal(t, 2, bl.Len())
}

func newTestManagerRouter(t *testing.T) (*gin.Engine, *BlockList) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	config := DefaultFixedWindowConfig()
	config.BlockList = NewBlockList()
	limiter, _ := newTestFixedWindowLimiter(t, config)

	manager := NewRateLimitManager(limiter, config.BlockList)
	router := gin.New()
	manager.RegisterRoutes(router.Group("/admin"))
	return router, config.BlockList
}

func TestRateLimitManager_BlockAndUnblock(t *testing.T) {
	router, bl := newTestManagerRouter(t)

	body, _ := json.Marshal(map[string]interface{}{
		"ip":       "203.0.113.9",
		"duration": int64(time.Hour),
		"reason":   "manual review",
	})
	req := httptest.NewRequest(http.MethodPost, "/admin/rate-limit/blocked", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bl.IsBlocked("203.0.113.9"))

	req = httptest.NewRequest(http.MethodDelete, "/admin/rate-limit/blocked/203.0.113.9", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, bl.IsBlocked("203.0.113.9"))

	req = httptest.NewRequest(http.MethodDelete, "/admin/rate-limit/blocked/203.0.113.9", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitManager_BlockRequiresIP(t *testing.T) {
	router, _ := newTestManagerRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/rate-limit/blocked", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimitManager_ListBlocked(t *testing.T) {
	router, bl := newTestManagerRouter(t)
	bl.Block("203.0.113.10", DefaultBlockReason, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/admin/rate-limit/blocked", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		BlockedIPs []BlockedIP `json:"blocked_ips"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.BlockedIPs, 1)
	assert.Equal(t, "203.0.113.10", resp.BlockedIPs[0].IP)
}
