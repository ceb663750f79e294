// basic_rate_limiter.go
// Purpose: GLOBAL rate limiting only - all clients share the same rate limit
// Use case: Protect the process from total overload before per-key limiting runs

package middleware

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var _ RateLimiter = (*BasicRateLimiter)(nil)

// BasicRateLimiterConfig for global rate limiting only
type BasicRateLimiterConfig struct {
	Rate            rate.Limit  // Global requests per second (shared by ALL clients)
	Burst           int         // Global burst capacity (shared by ALL clients)
	EnableHeaders   bool        // Include rate limit headers
	EnableLogging   bool        // Enable logging
	ErrorMessage    string      // Custom error message
	ErrorResponse   interface{} // Custom error response structure
	OnLimitExceeded func(*gin.Context, Result)
}

// Validate validates the configuration
func (config *BasicRateLimiterConfig) Validate() error {
	if config.Rate <= 0 {
		return ErrInvalidRefillRate
	}
	if config.Burst <= 0 {
		return ErrInvalidCapacity
	}
	return nil
}

// DefaultBasicConfig returns default configuration for global rate limiting
func DefaultBasicConfig() *BasicRateLimiterConfig {
	return &BasicRateLimiterConfig{
		Rate:          rate.Limit(1000),
		Burst:         100,
		EnableHeaders: true,
		EnableLogging: false,
		ErrorMessage:  "Global rate limit exceeded",
	}
}

// BasicStats for global rate limiting statistics
type BasicStats struct {
	*BaseStats
}

// BasicRateLimiter manages GLOBAL rate limiting (single limiter for all requests)
type BasicRateLimiter struct {
	limiter *rate.Limiter
	config  *BasicRateLimiterConfig
	stats   *BasicStats
}

// NewBasicRateLimiter creates a new GLOBAL rate limiter
func NewBasicRateLimiter(config *BasicRateLimiterConfig) *BasicRateLimiter {
	if config == nil {
		config = DefaultBasicConfig()
	}
	if config.ErrorMessage == "" {
		config.ErrorMessage = "Global rate limit exceeded"
	}

	return &BasicRateLimiter{
		limiter: rate.NewLimiter(config.Rate, config.Burst),
		config:  config,
		stats: &BasicStats{
			BaseStats: &BaseStats{
				StartTime:   time.Now(),
				LimiterType: BasicType,
			},
		},
	}
}

// setHeaders sets rate limit headers for the global scope
func (brl *BasicRateLimiter) setHeaders(c *gin.Context, remaining int) {
	if !brl.config.EnableHeaders {
		return
	}

	c.Header("X-RateLimit-Limit", strconv.Itoa(brl.config.Burst))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))
	c.Header("X-RateLimit-Scope", "global")
}

// Middleware returns the global rate limiting middleware
func (brl *BasicRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed := brl.limiter.Allow()

		remaining := int(brl.limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}

		atomic.AddInt64(&brl.stats.TotalRequests, 1)
		if allowed {
			atomic.AddInt64(&brl.stats.AllowedRequests, 1)
		} else {
			atomic.AddInt64(&brl.stats.BlockedRequests, 1)
		}

		brl.setHeaders(c, remaining)

		if !allowed {
			if brl.config.EnableLogging {
				log.WithFields(log.Fields{
					"method": c.Request.Method,
					"path":   c.Request.URL.Path,
				}).Warn("global rate limit exceeded")
			}

			SetRetryAfterHeader(c, time.Second)

			res := Result{Limit: brl.config.Burst, Remaining: remaining}
			if brl.config.OnLimitExceeded != nil {
				brl.config.OnLimitExceeded(c, res)
				return
			}
			if brl.config.ErrorResponse != nil {
				c.JSON(http.StatusTooManyRequests, brl.config.ErrorResponse)
				c.Abort()
				return
			}

			c.JSON(http.StatusTooManyRequests, gin.H{"error": brl.config.ErrorMessage})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetStats returns rate limiting statistics
func (brl *BasicRateLimiter) GetStats() Stats {
	return &BasicStats{
		BaseStats: &BaseStats{
			TotalRequests:   atomic.LoadInt64(&brl.stats.TotalRequests),
			AllowedRequests: atomic.LoadInt64(&brl.stats.AllowedRequests),
			BlockedRequests: atomic.LoadInt64(&brl.stats.BlockedRequests),
			StartTime:       brl.stats.StartTime,
			LimiterType:     brl.stats.LimiterType,
		},
	}
}

// ResetStats resets all statistics
func (brl *BasicRateLimiter) ResetStats() {
	atomic.StoreInt64(&brl.stats.TotalRequests, 0)
	atomic.StoreInt64(&brl.stats.AllowedRequests, 0)
	atomic.StoreInt64(&brl.stats.BlockedRequests, 0)
	brl.stats.StartTime = time.Now()
}

// Stop gracefully stops the rate limiter (no background work to stop)
func (brl *BasicRateLimiter) Stop() {}

// Type returns the type of rate limiter
func (brl *BasicRateLimiter) Type() RateLimiterType {
	return BasicType
}

// Algorithm returns the algorithm used
func (brl *BasicRateLimiter) Algorithm() Algorithm {
	return TokenBucketAlg
}
