// sliding_windows_rate_limiter.go
// Purpose: SLIDING WINDOW rate limiting algorithm - precise trailing-interval limiting
// Use case: When you need exact quotas over a continuously moving window

package middleware

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/terojleinonen/cms-ratelimit/storage"
)

var _ RateLimiter = (*SlidingWindowRateLimiter)(nil)

// SlidingWindowConfig for sliding window rate limiting
type SlidingWindowConfig struct {
	Limit            int           // Maximum requests allowed in the time window
	Window           time.Duration // Trailing window duration
	KeyExtractor     KeyExtractor  // Function to extract a client key
	BlockList        *BlockList    // Shared block list; nil disables the short-circuit
	MaxClients       int           // Maximum keys to track
	CleanupInterval  time.Duration // How often idle entries are evicted
	ClientTTL        time.Duration // Idle time before an entry is evicted
	EnableHeaders    bool          // Include rate limit headers
	EnableLogging    bool          // Enable logging
	ErrorMessage     string        // Custom error message
	ErrorResponse    interface{}   // Custom error response structure
	MetricsCollector Metrics       // Optional metrics collector
	OnLimitExceeded  func(*gin.Context, Result)
}

// Validate validates the configuration
func (config *SlidingWindowConfig) Validate() error {
	if config.Limit < 0 {
		return ErrInvalidLimit
	}
	if config.Window <= 0 {
		return ErrInvalidWindow
	}
	if config.MaxClients <= 0 {
		return ErrInvalidMaxClients
	}
	if config.CleanupInterval <= 0 {
		return ErrInvalidCleanupInterval
	}
	if config.ClientTTL <= 0 {
		return ErrInvalidClientTTL
	}
	return nil
}

// DefaultSlidingWindowConfig returns default configuration
func DefaultSlidingWindowConfig() *SlidingWindowConfig {
	return &SlidingWindowConfig{
		Limit:           100,
		Window:          time.Minute,
		KeyExtractor:    IPKeyExtractor,
		MaxClients:      10000,
		CleanupInterval: time.Minute,
		ClientTTL:       time.Hour,
		EnableHeaders:   true,
		EnableLogging:   false,
		ErrorMessage:    "Rate limit exceeded",
	}
}

// SlidingWindowStats statistics for sliding window rate limiter
type SlidingWindowStats struct {
	*BaseStats
	ActiveClients int64 `json:"active_clients"`
}

// SlidingWindowRateLimiter keeps a per-key timestamp log pruned to the
// trailing window on every check. A key with no traffic for longer than the
// window self-heals to an empty log without any background sweep.
type SlidingWindowRateLimiter struct {
	config   *SlidingWindowConfig
	store    *storage.Store
	stats    *SlidingWindowStats
	stopChan chan struct{}
	nowFunc  func() time.Time
}

// NewSlidingWindowRateLimiter creates a new sliding window rate limiter
func NewSlidingWindowRateLimiter(config *SlidingWindowConfig) (*SlidingWindowRateLimiter, error) {
	if config == nil {
		config = DefaultSlidingWindowConfig()
	}

	// Set defaults
	if config.KeyExtractor == nil {
		config.KeyExtractor = IPKeyExtractor
	}
	if config.MaxClients == 0 {
		config.MaxClients = 10000
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = config.Window
	}
	if config.ClientTTL == 0 {
		config.ClientTTL = time.Hour
	}
	if config.ErrorMessage == "" {
		config.ErrorMessage = "Rate limit exceeded"
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	swrl := &SlidingWindowRateLimiter{
		config:   config,
		store:    storage.NewStore(&storage.Config{MaxKeys: config.MaxClients, ShardCount: 128}),
		stopChan: make(chan struct{}),
		nowFunc:  time.Now,
		stats: &SlidingWindowStats{
			BaseStats: &BaseStats{
				StartTime:   time.Now(),
				LimiterType: SlidingWindowType,
			},
		},
	}

	go swrl.cleanupRoutine()

	return swrl, nil
}

// SlidingWindow performs a single admission check for key against an
// explicit limit and window. The per-key log is pruned to
// [now-window, now] before the decision, so the log never references
// timestamps outside the current window.
func (swrl *SlidingWindowRateLimiter) SlidingWindow(key string, limit int, window time.Duration) Result {
	now := swrl.nowFunc()
	res := Result{Limit: limit}

	swrl.store.Update(key, now, func(e *storage.ClientEntry) {
		cutoff := now.Add(-window)

		keep := 0
		for keep < len(e.Timestamps) && e.Timestamps[keep].Before(cutoff) {
			keep++
		}
		if keep > 0 {
			e.Timestamps = append(e.Timestamps[:0], e.Timestamps[keep:]...)
		}

		if len(e.Timestamps) < limit {
			e.Timestamps = append(e.Timestamps, now)
			res.Allowed = true
			res.Remaining = limit - len(e.Timestamps)
		} else {
			res.Allowed = false
			res.Remaining = 0
		}

		// The window frees up when the oldest surviving timestamp ages out.
		if len(e.Timestamps) > 0 {
			res.Reset = e.Timestamps[0].Add(window)
		} else {
			res.Reset = now.Add(window)
		}
		if !res.Allowed {
			res.RetryAfter = res.Reset.Sub(now)
		}
	})

	return res
}

// CheckLimit checks key against the configured limit and window.
func (swrl *SlidingWindowRateLimiter) CheckLimit(key string) Result {
	return swrl.SlidingWindow(key, swrl.config.Limit, swrl.config.Window)
}

// cleanupRoutine evicts keys that have been idle past the TTL.
func (swrl *SlidingWindowRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(swrl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := swrl.nowFunc().Add(-swrl.config.ClientTTL)
			swrl.store.EvictIdle(cutoff)
			atomic.StoreInt64(&swrl.stats.ActiveClients, int64(swrl.store.Len()))
		case <-swrl.stopChan:
			return
		}
	}
}

// Middleware returns the sliding window rate limiting middleware
func (swrl *SlidingWindowRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := swrl.config.KeyExtractor(c)
		if key == "" {
			key = UnknownKey
		}

		if swrl.config.BlockList != nil {
			if entry, blocked := swrl.config.BlockList.Get(key); blocked {
				atomic.AddInt64(&swrl.stats.TotalRequests, 1)
				atomic.AddInt64(&swrl.stats.BlockedRequests, 1)
				rejectBlocked(c, entry, swrl.nowFunc())
				return
			}
		}

		res := swrl.CheckLimit(key)

		atomic.AddInt64(&swrl.stats.TotalRequests, 1)
		if res.Allowed {
			atomic.AddInt64(&swrl.stats.AllowedRequests, 1)
		} else {
			atomic.AddInt64(&swrl.stats.BlockedRequests, 1)
		}

		if swrl.config.EnableHeaders {
			setRateLimitHeaders(c, res)
		}

		if swrl.config.EnableLogging && !res.Allowed {
			log.WithFields(log.Fields{
				"client": key,
				"path":   c.Request.URL.Path,
				"window": swrl.config.Window,
			}).Info("sliding window limit exceeded")
		}

		if !res.Allowed {
			setDenialHeaders(c, res)

			if swrl.config.OnLimitExceeded != nil {
				swrl.config.OnLimitExceeded(c, res)
				return
			}
			if swrl.config.ErrorResponse != nil {
				c.JSON(http.StatusTooManyRequests, swrl.config.ErrorResponse)
				c.Abort()
				return
			}

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       swrl.config.ErrorMessage,
				"retry_after": int64(res.RetryAfter.Seconds()),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetStats returns rate limiting statistics
func (swrl *SlidingWindowRateLimiter) GetStats() Stats {
	return &SlidingWindowStats{
		BaseStats: &BaseStats{
			TotalRequests:   atomic.LoadInt64(&swrl.stats.TotalRequests),
			AllowedRequests: atomic.LoadInt64(&swrl.stats.AllowedRequests),
			BlockedRequests: atomic.LoadInt64(&swrl.stats.BlockedRequests),
			StartTime:       swrl.stats.StartTime,
			LimiterType:     swrl.stats.LimiterType,
		},
		ActiveClients: int64(swrl.store.Len()),
	}
}

// ResetStats resets all statistics
func (swrl *SlidingWindowRateLimiter) ResetStats() {
	atomic.StoreInt64(&swrl.stats.TotalRequests, 0)
	atomic.StoreInt64(&swrl.stats.AllowedRequests, 0)
	atomic.StoreInt64(&swrl.stats.BlockedRequests, 0)
	swrl.stats.StartTime = swrl.nowFunc()
}

// Stop gracefully stops the rate limiter
func (swrl *SlidingWindowRateLimiter) Stop() {
	close(swrl.stopChan)
	swrl.store.Close()
}

// Type returns the type of rate limiter
func (swrl *SlidingWindowRateLimiter) Type() RateLimiterType {
	return SlidingWindowType
}

// Algorithm returns the algorithm used
func (swrl *SlidingWindowRateLimiter) Algorithm() Algorithm {
	return SlidingWindowAlg
}
