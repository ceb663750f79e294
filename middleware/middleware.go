// middleware/middleware.go
// Purpose: Common types, interfaces, and utilities shared across all rate limiters
// This file defines the contracts and common functionality for the admission engine

package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// ENUMS & CONSTANTS
// =============================================================================

// RateLimiterType defines the type of rate limiter algorithm
type RateLimiterType int

const (
	BasicType         RateLimiterType = iota // Global rate limiting
	FixedWindowType                          // Fixed window counter
	SlidingWindowType                        // Sliding window algorithm
	TokenBucketType                          // Token bucket with continuous refill
)

// String returns the string representation of RateLimiterType
func (r RateLimiterType) String() string {
	switch r {
	case BasicType:
		return "basic"
	case FixedWindowType:
		return "fixed-window"
	case SlidingWindowType:
		return "sliding-window"
	case TokenBucketType:
		return "token-bucket"
	default:
		return "unknown"
	}
}

// Algorithm defines the rate limiting algorithm used
type Algorithm int

const (
	FixedWindowAlg   Algorithm = iota // Fixed window algorithm
	SlidingWindowAlg                  // Sliding window algorithm
	TokenBucketAlg                    // Token bucket algorithm
)

// String returns the string representation of Algorithm
func (a Algorithm) String() string {
	switch a {
	case FixedWindowAlg:
		return "fixed-window"
	case SlidingWindowAlg:
		return "sliding-window"
	case TokenBucketAlg:
		return "token-bucket"
	default:
		return "unknown"
	}
}

// UnknownKey is the sentinel key used when no client identity can be derived
// from a request. Requests without identifying headers share this bucket
// rather than being rejected.
const UnknownKey = "unknown"

// =============================================================================
// ADMISSION RESULT
// =============================================================================

// Result is the outcome of a single admission check. Rejection is a normal,
// structured result, never a Go error.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	Reset      time.Time     `json:"reset"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Violations int           `json:"violations,omitempty"`
	Tokens     float64       `json:"tokens,omitempty"`
}

// =============================================================================
// CORE INTERFACES
// =============================================================================

// RateLimiter is the common interface that all rate limiters must implement
type RateLimiter interface {
	// Middleware returns the Gin middleware function
	Middleware() gin.HandlerFunc

	// GetStats returns statistics about the rate limiter
	GetStats() Stats

	// ResetStats resets all statistics
	ResetStats()

	// Stop gracefully stops the rate limiter (cleanup goroutines, etc.)
	Stop()

	// Type returns the type of rate limiter
	Type() RateLimiterType

	// Algorithm returns the algorithm used
	Algorithm() Algorithm
}

// Metrics is an optional collector for operational measurements.
type Metrics interface {
	RecordCounter(name string, value float64, tags map[string]string)
	RecordHistogram(name string, value float64, tags map[string]string)
}

// =============================================================================
// STATISTICS
// =============================================================================

// Stats is the common interface for all rate limiter statistics
type Stats interface {
	// GetTotalRequests returns total number of requests processed
	GetTotalRequests() int64

	// GetAllowedRequests returns number of allowed requests
	GetAllowedRequests() int64

	// GetBlockedRequests returns number of blocked requests
	GetBlockedRequests() int64

	// GetStartTime returns when the rate limiter started
	GetStartTime() time.Time

	// GetUptime returns how long the rate limiter has been running
	GetUptime() time.Duration

	// GetSuccessRate returns the success rate (0.0 to 1.0)
	GetSuccessRate() float64

	// GetType returns the rate limiter type
	GetType() RateLimiterType
}

// BaseStats provides a common implementation of Stats interface
type BaseStats struct {
	TotalRequests   int64           `json:"total_requests"`
	AllowedRequests int64           `json:"allowed_requests"`
	BlockedRequests int64           `json:"blocked_requests"`
	StartTime       time.Time       `json:"start_time"`
	LimiterType     RateLimiterType `json:"limiter_type"`
}

func (s *BaseStats) GetTotalRequests() int64   { return s.TotalRequests }
func (s *BaseStats) GetAllowedRequests() int64 { return s.AllowedRequests }
func (s *BaseStats) GetBlockedRequests() int64 { return s.BlockedRequests }
func (s *BaseStats) GetStartTime() time.Time   { return s.StartTime }
func (s *BaseStats) GetType() RateLimiterType  { return s.LimiterType }
func (s *BaseStats) GetUptime() time.Duration  { return time.Since(s.StartTime) }
func (s *BaseStats) GetSuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 1.0
	}
	return float64(s.AllowedRequests) / float64(s.TotalRequests)
}

// =============================================================================
// COMMON ERRORS
// =============================================================================

// Common errors used across all rate limiters
var (
	ErrInvalidLimit           = NewRateLimiterError("INVALID_LIMIT", "invalid limit: must not be negative")
	ErrInvalidWindow          = NewRateLimiterError("INVALID_WINDOW", "invalid window: must be greater than 0")
	ErrInvalidCapacity        = NewRateLimiterError("INVALID_CAPACITY", "invalid capacity: must be greater than 0")
	ErrInvalidRefillRate      = NewRateLimiterError("INVALID_REFILL_RATE", "invalid refill rate: must be greater than 0")
	ErrInvalidMaxClients      = NewRateLimiterError("INVALID_MAX_CLIENTS", "invalid max_clients: must be greater than 0")
	ErrInvalidCleanupInterval = NewRateLimiterError("INVALID_CLEANUP_INTERVAL", "invalid cleanup_interval: must be greater than 0")
	ErrInvalidClientTTL       = NewRateLimiterError("INVALID_CLIENT_TTL", "invalid client_ttl: must be greater than 0")
	ErrInvalidThreshold       = NewRateLimiterError("INVALID_THRESHOLD", "invalid violation threshold: must be greater than 0")
)

// RateLimiterError represents a configuration error from the rate limiter
type RateLimiterError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *RateLimiterError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewRateLimiterError creates a new rate limiter error
func NewRateLimiterError(code, message string) *RateLimiterError {
	return &RateLimiterError{
		Code:    code,
		Message: message,
	}
}

// =============================================================================
// KEY EXTRACTION
// =============================================================================

// KeyExtractor defines a function type for extracting client keys from requests
type KeyExtractor func(*gin.Context) string

// ClientIPFromHeaders derives a client identity from proxy headers, checked
// in priority order. Malformed values pass through as opaque strings; the
// extractor never fails.
func ClientIPFromHeaders(h http.Header) string {
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		// first entry is the originating client
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(h.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(h.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	return UnknownKey
}

// Common key extractors
var (
	// IPKeyExtractor extracts the client IP from proxy headers
	IPKeyExtractor KeyExtractor = func(c *gin.Context) string {
		return ClientIPFromHeaders(c.Request.Header)
	}

	// UserIDKeyExtractor extracts user ID from X-User-ID header
	UserIDKeyExtractor KeyExtractor = func(c *gin.Context) string {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			return ""
		}
		return "user:" + userID
	}

	// APIKeyExtractor extracts API key from X-API-Key header
	APIKeyExtractor KeyExtractor = func(c *gin.Context) string {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			return ""
		}
		return "api:" + apiKey
	}
)

// CreateCompositeKeyExtractor creates a key extractor that combines multiple extractors
func CreateCompositeKeyExtractor(extractors ...KeyExtractor) KeyExtractor {
	return func(c *gin.Context) string {
		var parts []string
		for _, extractor := range extractors {
			if key := extractor(c); key != "" {
				parts = append(parts, key)
			}
		}
		if len(parts) == 0 {
			return IPKeyExtractor(c) // Fallback to IP
		}
		return strings.Join(parts, ":")
	}
}

// =============================================================================
// MIDDLEWARE REGISTRY
// =============================================================================

// MiddlewareRegistry manages a named set of rate limiters. Construct one per
// process and pass it where needed; there is no package-level instance.
type MiddlewareRegistry struct {
	limiters map[string]RateLimiter
	mu       sync.RWMutex
}

// NewMiddlewareRegistry creates a new middleware registry
func NewMiddlewareRegistry() *MiddlewareRegistry {
	return &MiddlewareRegistry{
		limiters: make(map[string]RateLimiter),
	}
}

// Register registers a rate limiter with a name
func (mr *MiddlewareRegistry) Register(name string, limiter RateLimiter) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.limiters[name] = limiter
}

// Unregister removes a rate limiter by name
func (mr *MiddlewareRegistry) Unregister(name string) bool {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	if limiter, exists := mr.limiters[name]; exists {
		limiter.Stop() // Stop the limiter before removing
		delete(mr.limiters, name)
		return true
	}
	return false
}

// Get retrieves a rate limiter by name
func (mr *MiddlewareRegistry) Get(name string) (RateLimiter, bool) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	limiter, exists := mr.limiters[name]
	return limiter, exists
}

// List returns all registered rate limiter names
func (mr *MiddlewareRegistry) List() []string {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	names := make([]string, 0, len(mr.limiters))
	for name := range mr.limiters {
		names = append(names, name)
	}
	return names
}

// GetAllStats returns statistics for all registered rate limiters
func (mr *MiddlewareRegistry) GetAllStats() map[string]Stats {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	stats := make(map[string]Stats)
	for name, limiter := range mr.limiters {
		stats[name] = limiter.GetStats()
	}
	return stats
}

// Stop stops all registered rate limiters
func (mr *MiddlewareRegistry) Stop() {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	for _, limiter := range mr.limiters {
		limiter.Stop()
	}
	mr.limiters = make(map[string]RateLimiter)
}

// =============================================================================
// RESPONSE HEADER HELPERS
// =============================================================================

// setRateLimitHeaders writes the standard admission headers. Reset is epoch
// seconds so callers can compare it against wall time directly.
func setRateLimitHeaders(c *gin.Context, res Result) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
}

// setDenialHeaders adds the headers that only apply to rejected requests.
func setDenialHeaders(c *gin.Context, res Result) {
	SetRetryAfterHeader(c, res.RetryAfter)
	if res.Violations > 0 {
		c.Header("X-RateLimit-Violations", strconv.Itoa(res.Violations))
	}
}

// SetRetryAfterHeader sets the Retry-After header in whole seconds, rounding
// up so a client that honors it never retries early.
func SetRetryAfterHeader(c *gin.Context, retryAfter time.Duration) {
	secs := int64((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.FormatInt(secs, 10))
}
