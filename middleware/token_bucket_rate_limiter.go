// token_bucket_rate_limiter.go
// Purpose: Token bucket rate limiting with continuous refill
// Use case: Burst tolerance up to capacity with bounded sustained throughput

package middleware

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/terojleinonen/cms-ratelimit/storage"
)

var _ RateLimiter = (*TokenBucketRateLimiter)(nil)

// TokenBucketConfig configuration for token bucket rate limiter
type TokenBucketConfig struct {
	Capacity         int           // Bucket capacity (burst size)
	RefillRate       float64       // Tokens added per second
	TokensPerRequest float64       // Tokens consumed per admitted request
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
func (config *TokenBucketConfig) Validate() error {
	if config.Capacity <= 0 {
		return ErrInvalidCapacity
	}
	if config.RefillRate <= 0 {
		return ErrInvalidRefillRate
	}
	if config.TokensPerRequest <= 0 {
		return NewRateLimiterError("INVALID_TOKENS_PER_REQUEST", "invalid tokens per request: must be greater than 0")
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

// DefaultTokenBucketConfig returns default configuration
func DefaultTokenBucketConfig() *TokenBucketConfig {
	return &TokenBucketConfig{
		Capacity:         20,
		RefillRate:       10,
		TokensPerRequest: 1,
		KeyExtractor:     IPKeyExtractor,
		MaxClients:       10000,
		CleanupInterval:  5 * time.Minute,
		ClientTTL:        time.Hour,
		EnableHeaders:    true,
		EnableLogging:    false,
		ErrorMessage:     "Rate limit exceeded",
	}
}

// TokenBucketStats statistics for token bucket rate limiter
type TokenBucketStats struct {
	*BaseStats
	ActiveClients int64 `json:"active_clients"`
}

// TokenBucketRateLimiter models a per-key bucket that refills continuously
// at RefillRate up to Capacity and is drained per admitted request.
type TokenBucketRateLimiter struct {
	config   *TokenBucketConfig
	store    *storage.Store
	stats    *TokenBucketStats
	stopChan chan struct{}
	nowFunc  func() time.Time
}

// NewTokenBucketRateLimiter creates a new token bucket rate limiter
func NewTokenBucketRateLimiter(config *TokenBucketConfig) (*TokenBucketRateLimiter, error) {
	if config == nil {
		config = DefaultTokenBucketConfig()
	}

	// Set defaults
	if config.TokensPerRequest == 0 {
		config.TokensPerRequest = 1
	}
	if config.KeyExtractor == nil {
		config.KeyExtractor = IPKeyExtractor
	}
	if config.MaxClients == 0 {
		config.MaxClients = 10000
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
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

	tbrl := &TokenBucketRateLimiter{
		config:   config,
		store:    storage.NewStore(&storage.Config{MaxKeys: config.MaxClients, ShardCount: 128}),
		stopChan: make(chan struct{}),
		nowFunc:  time.Now,
		stats: &TokenBucketStats{
			BaseStats: &BaseStats{
				StartTime:   time.Now(),
				LimiterType: TokenBucketType,
			},
		},
	}

	go tbrl.cleanupRoutine()

	return tbrl, nil
}

// TokenBucket performs a single admission check for key. A fresh key starts
// with a full bucket. Refill is continuous and capped at capacity; a denied
// check leaves the token count untouched. Negative elapsed time from clock
// skew refills nothing.
func (tbrl *TokenBucketRateLimiter) TokenBucket(key string, capacity int, refillPerSecond, requested float64) Result {
	now := tbrl.nowFunc()
	res := Result{Limit: capacity}

	tbrl.store.Update(key, now, func(e *storage.ClientEntry) {
		if e.LastRefill.IsZero() {
			e.Tokens = float64(capacity)
		} else {
			elapsed := now.Sub(e.LastRefill).Seconds()
			if elapsed > 0 {
				e.Tokens += elapsed * refillPerSecond
			}
			if e.Tokens > float64(capacity) {
				e.Tokens = float64(capacity)
			}
		}
		if e.Tokens < 0 {
			e.Tokens = 0
		}
		e.LastRefill = now

		if e.Tokens >= requested {
			e.Tokens -= requested
			res.Allowed = true
		} else {
			res.Allowed = false
			deficit := requested - e.Tokens
			res.RetryAfter = time.Duration(math.Ceil(deficit/refillPerSecond)) * time.Second
		}

		res.Tokens = e.Tokens
		res.Remaining = int(e.Tokens)
		// Reset marks when the bucket would be full again.
		if e.Tokens < float64(capacity) {
			refillTime := (float64(capacity) - e.Tokens) / refillPerSecond
			res.Reset = now.Add(time.Duration(refillTime * float64(time.Second)))
		} else {
			res.Reset = now
		}
	})

	return res
}

// CheckLimit checks key against the configured capacity and refill rate.
func (tbrl *TokenBucketRateLimiter) CheckLimit(key string) Result {
	return tbrl.TokenBucket(key, tbrl.config.Capacity, tbrl.config.RefillRate, tbrl.config.TokensPerRequest)
}

// cleanupRoutine evicts keys that have been idle past the TTL.
func (tbrl *TokenBucketRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(tbrl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := tbrl.nowFunc().Add(-tbrl.config.ClientTTL)
			tbrl.store.EvictIdle(cutoff)
			atomic.StoreInt64(&tbrl.stats.ActiveClients, int64(tbrl.store.Len()))
		case <-tbrl.stopChan:
			return
		}
	}
}

// Middleware returns the token bucket rate limiting middleware
func (tbrl *TokenBucketRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := tbrl.config.KeyExtractor(c)
		if key == "" {
			key = UnknownKey
		}

		if tbrl.config.BlockList != nil {
			if entry, blocked := tbrl.config.BlockList.Get(key); blocked {
				atomic.AddInt64(&tbrl.stats.TotalRequests, 1)
				atomic.AddInt64(&tbrl.stats.BlockedRequests, 1)
				rejectBlocked(c, entry, tbrl.nowFunc())
				return
			}
		}

		res := tbrl.CheckLimit(key)

		atomic.AddInt64(&tbrl.stats.TotalRequests, 1)
		if res.Allowed {
			atomic.AddInt64(&tbrl.stats.AllowedRequests, 1)
		} else {
			atomic.AddInt64(&tbrl.stats.BlockedRequests, 1)
		}

		if tbrl.config.EnableHeaders {
			setRateLimitHeaders(c, res)
		}

		if tbrl.config.EnableLogging && !res.Allowed {
			log.WithFields(log.Fields{
				"client": key,
				"path":   c.Request.URL.Path,
				"tokens": res.Tokens,
			}).Info("token bucket exhausted")
		}

		if !res.Allowed {
			setDenialHeaders(c, res)

			if tbrl.config.OnLimitExceeded != nil {
				tbrl.config.OnLimitExceeded(c, res)
				return
			}
			if tbrl.config.ErrorResponse != nil {
				c.JSON(http.StatusTooManyRequests, tbrl.config.ErrorResponse)
				c.Abort()
				return
			}

			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       tbrl.config.ErrorMessage,
				"retry_after": int64(res.RetryAfter.Seconds()),
				"tokens":      res.Tokens,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetStats returns rate limiting statistics
func (tbrl *TokenBucketRateLimiter) GetStats() Stats {
	return &TokenBucketStats{
		BaseStats: &BaseStats{
			TotalRequests:   atomic.LoadInt64(&tbrl.stats.TotalRequests),
			AllowedRequests: atomic.LoadInt64(&tbrl.stats.AllowedRequests),
			BlockedRequests: atomic.LoadInt64(&tbrl.stats.BlockedRequests),
			StartTime:       tbrl.stats.StartTime,
			LimiterType:     tbrl.stats.LimiterType,
		},
		ActiveClients: int64(tbrl.store.Len()),
	}
}

// ResetStats resets all statistics
func (tbrl *TokenBucketRateLimiter) ResetStats() {
	atomic.StoreInt64(&tbrl.stats.TotalRequests, 0)
	atomic.StoreInt64(&tbrl.stats.AllowedRequests, 0)
	atomic.StoreInt64(&tbrl.stats.BlockedRequests, 0)
	tbrl.stats.StartTime = tbrl.nowFunc()
}

// Stop gracefully stops the rate limiter
func (tbrl *TokenBucketRateLimiter) Stop() {
	close(tbrl.stopChan)
	tbrl.store.Close()
}

// Type returns the type of rate limiter
func (tbrl *TokenBucketRateLimiter) Type() RateLimiterType {
	return TokenBucketType
}

// Algorithm returns the algorithm used
func (tbrl *TokenBucketRateLimiter) Algorithm() Algorithm {
	return TokenBucketAlg
}
