// fixed_window_rate_limiter.go
// Purpose: Fixed window rate limiting with violation tracking and auto-blocking
// Use case: Default admission check for the back office, policy-driven per route

package middleware

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/terojleinonen/cms-ratelimit/storage"
)

var _ RateLimiter = (*FixedWindowRateLimiter)(nil)

// FixedWindowConfig configuration for the fixed window rate limiter
type FixedWindowConfig struct {
	Policies           *PolicyTable  // Route-to-policy table; defaults to DefaultPolicyTable
	KeyExtractor       KeyExtractor  // Function to extract a client key
	BlockList          *BlockList    // Shared block list; nil disables blocking
	ViolationThreshold int           // Violations before an IP-derived key is auto-blocked
	BlockDuration      time.Duration // How long an auto-block lasts
	MaxClients         int           // Maximum keys to track
	CleanupInterval    time.Duration // How often idle entries are evicted
	ClientTTL          time.Duration // Idle time before an entry is evicted
	TopOffenderCount   int           // Entries reported by RateLimitStats
	EnableHeaders      bool          // Include rate limit headers
	EnableLogging      bool          // Enable logging
	ErrorMessage       string        // Custom error message
	ErrorResponse      interface{}   // Custom error response structure
	MetricsCollector   Metrics       // Optional metrics collector
	OnLimitExceeded    func(*gin.Context, Result)
}

// Validate validates the configuration
func (config *FixedWindowConfig) Validate() error {
	if config.ViolationThreshold <= 0 {
		return ErrInvalidThreshold
	}
	if config.BlockDuration <= 0 {
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
	if config.Policies != nil {
		return config.Policies.Validate()
	}
	return nil
}

// DefaultFixedWindowConfig returns default configuration
func DefaultFixedWindowConfig() *FixedWindowConfig {
	return &FixedWindowConfig{
		Policies:           DefaultPolicyTable(),
		KeyExtractor:       IPKeyExtractor,
		ViolationThreshold: 5,
		BlockDuration:      30 * time.Minute,
		MaxClients:         10000,
		CleanupInterval:    5 * time.Minute,
		ClientTTL:          time.Hour,
		TopOffenderCount:   10,
		EnableHeaders:      true,
		EnableLogging:      false,
		ErrorMessage:       "Rate limit exceeded",
	}
}

// FixedWindowStats statistics for fixed window rate limiter
type FixedWindowStats struct {
	*BaseStats
	ActiveClients   int64 `json:"active_clients"`
	AutoBlockedIPs  int64 `json:"auto_blocked_ips"`
	TotalViolations int64 `json:"total_violations"`
}

// FixedWindowRateLimiter implements fixed window rate limiting per key with
// escalation of repeat offenders to the shared block list.
type FixedWindowRateLimiter struct {
	config    *FixedWindowConfig
	store     *storage.Store
	blockList *BlockList
	stats     *FixedWindowStats
	stopChan  chan struct{}
	nowFunc   func() time.Time
}

// NewFixedWindowRateLimiter creates a new fixed window rate limiter
func NewFixedWindowRateLimiter(config *FixedWindowConfig) (*FixedWindowRateLimiter, error) {
	if config == nil {
		config = DefaultFixedWindowConfig()
	}

	// Set defaults
	if config.Policies == nil {
		config.Policies = DefaultPolicyTable()
	}
	if config.KeyExtractor == nil {
		config.KeyExtractor = IPKeyExtractor
	}
	if config.ViolationThreshold == 0 {
		config.ViolationThreshold = 5
	}
	if config.BlockDuration == 0 {
		config.BlockDuration = 30 * time.Minute
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
	if config.TopOffenderCount == 0 {
		config.TopOffenderCount = 10
	}
	if config.ErrorMessage == "" {
		config.ErrorMessage = "Rate limit exceeded"
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	fwrl := &FixedWindowRateLimiter{
		config:    config,
		store:     storage.NewStore(&storage.Config{MaxKeys: config.MaxClients, ShardCount: 128}),
		blockList: config.BlockList,
		stopChan:  make(chan struct{}),
		nowFunc:   time.Now,
		stats: &FixedWindowStats{
			BaseStats: &BaseStats{
				StartTime:   time.Now(),
				LimiterType: FixedWindowType,
			},
		},
	}

	go fwrl.cleanupRoutine()

	return fwrl, nil
}

// BlockList returns the block list this limiter escalates into, or nil.
func (fwrl *FixedWindowRateLimiter) BlockList() *BlockList {
	return fwrl.blockList
}

// CheckLimit performs a single admission check for key under policy p.
// The first request of a window creates or resets the entry; overflow
// increments the entry's violation count, and a key whose violations reach
// the configured threshold is added to the block list as a side effect when
// the key parses as an IP address.
//
// Entries are namespaced by policy name, so one client hitting routes under
// different policies gets an independent counter and window per policy.
func (fwrl *FixedWindowRateLimiter) CheckLimit(key string, p Policy) Result {
	now := fwrl.nowFunc()

	res := Result{Limit: p.Limit}
	var violations int64

	fwrl.store.Update(p.Name+":"+key, now, func(e *storage.ClientEntry) {
		// New entry, elapsed window, or a corrupted counter all start a
		// fresh window. Negative counts cannot happen under the shard lock;
		// resetting is the fail-open answer if one ever appears.
		if e.WindowStart.IsZero() || now.Sub(e.WindowStart) >= p.Window || e.Count < 0 {
			e.Count = 0
			e.WindowStart = now
		}

		res.Reset = e.WindowStart.Add(p.Window)

		if p.Limit > 0 {
			e.Count++
			if e.Count <= int64(p.Limit) {
				res.Allowed = true
				res.Remaining = p.Limit - int(e.Count)
				return
			}
		}

		// Overflow, or a zero-limit policy that denies even the first check.
		e.Violations++
		violations = e.Violations

		res.Allowed = false
		res.Remaining = 0
		res.RetryAfter = res.Reset.Sub(now)
		res.Violations = int(e.Violations)
	})

	if !res.Allowed {
		atomic.AddInt64(&fwrl.stats.TotalViolations, 1)
		fwrl.autoBlock(key, violations)
	}

	return res
}

// autoBlock escalates a repeat offender to the block list. Only IP-derived
// keys are blocked; API-key or user keys keep accumulating violations. The
// modulo keeps re-escalating a key that offends again after a manual unblock.
func (fwrl *FixedWindowRateLimiter) autoBlock(key string, violations int64) {
	if fwrl.blockList == nil {
		return
	}

	threshold := int64(fwrl.config.ViolationThreshold)
	if violations < threshold || violations%threshold != 0 {
		return
	}
	if net.ParseIP(key) == nil {
		return
	}

	fwrl.blockList.Block(key, DefaultBlockReason, fwrl.config.BlockDuration)
	atomic.AddInt64(&fwrl.stats.AutoBlockedIPs, 1)

	if fwrl.config.EnableLogging {
		log.WithFields(log.Fields{
			"ip":         key,
			"violations": violations,
			"duration":   fwrl.config.BlockDuration,
		}).Warn("client auto-blocked after repeated rate limit violations")
	}
	fwrl.recordMetric("auto_blocked_total", 1, map[string]string{"ip": key})
}

// cleanupRoutine evicts idle entries on a timer. Best-effort housekeeping;
// a stale entry resets correctly on its next access.
func (fwrl *FixedWindowRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(fwrl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := fwrl.nowFunc().Add(-fwrl.config.ClientTTL)
			removed := fwrl.store.EvictIdle(cutoff)
			if removed > 0 {
				fwrl.recordMetric("clients_evicted", float64(removed), nil)
			}
			atomic.StoreInt64(&fwrl.stats.ActiveClients, int64(fwrl.store.Len()))
		case <-fwrl.stopChan:
			return
		}
	}
}

// recordMetric records a metric if a metrics collector is configured
func (fwrl *FixedWindowRateLimiter) recordMetric(name string, value float64, tags map[string]string) {
	if fwrl.config.MetricsCollector != nil {
		if tags == nil {
			tags = make(map[string]string)
		}
		tags["limiter_type"] = "fixed_window"
		fwrl.config.MetricsCollector.RecordCounter(name, value, tags)
	}
}

// logEvent logs admission decisions
func (fwrl *FixedWindowRateLimiter) logEvent(c *gin.Context, key string, p Policy, res Result) {
	if !fwrl.config.EnableLogging {
		return
	}

	entry := log.WithFields(log.Fields{
		"client":    key,
		"policy":    p.Name,
		"method":    c.Request.Method,
		"path":      c.Request.URL.Path,
		"remaining": res.Remaining,
	})

	if res.Allowed {
		entry.Debug("request admitted")
	} else {
		entry.WithField("retry_after", res.RetryAfter).Info("request rejected")
	}
}

// handleLimitExceeded handles a rejected request
func (fwrl *FixedWindowRateLimiter) handleLimitExceeded(c *gin.Context, p Policy, res Result) {
	setDenialHeaders(c, res)

	if fwrl.config.OnLimitExceeded != nil {
		fwrl.config.OnLimitExceeded(c, res)
		return
	}

	if fwrl.config.ErrorResponse != nil {
		c.JSON(http.StatusTooManyRequests, fwrl.config.ErrorResponse)
		c.Abort()
		return
	}

	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":       fwrl.config.ErrorMessage,
		"policy":      p.Name,
		"retry_after": int64(res.RetryAfter.Seconds()),
		"violations":  res.Violations,
	})
	c.Abort()
}

// Middleware returns the fixed window rate limiting middleware
func (fwrl *FixedWindowRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := fwrl.config.Policies.Select(c.Request.URL.Path, c.Request.Method)

		extract := fwrl.config.KeyExtractor
		if p.KeyExtractor != nil {
			extract = p.KeyExtractor
		}
		key := extract(c)
		if key == "" {
			key = UnknownKey
		}

		// A blocked IP is denied before any counter is touched so its
		// admission state stays intact for stats and audit.
		if fwrl.blockList != nil {
			if entry, blocked := fwrl.blockList.Get(key); blocked {
				atomic.AddInt64(&fwrl.stats.TotalRequests, 1)
				atomic.AddInt64(&fwrl.stats.BlockedRequests, 1)
				rejectBlocked(c, entry, fwrl.nowFunc())
				return
			}
		}

		res := fwrl.CheckLimit(key, p)

		atomic.AddInt64(&fwrl.stats.TotalRequests, 1)
		if res.Allowed {
			atomic.AddInt64(&fwrl.stats.AllowedRequests, 1)
		} else {
			atomic.AddInt64(&fwrl.stats.BlockedRequests, 1)
		}

		if fwrl.config.EnableHeaders {
			setRateLimitHeaders(c, res)
			c.Header("X-RateLimit-Policy", p.Name)
		}

		fwrl.logEvent(c, key, p, res)
		fwrl.recordMetric("requests_total", 1, map[string]string{
			"policy":  p.Name,
			"allowed": boolTag(res.Allowed),
		})

		if !res.Allowed {
			fwrl.handleLimitExceeded(c, p, res)
			return
		}

		c.Next()
	}
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// GetStats returns rate limiting statistics
func (fwrl *FixedWindowRateLimiter) GetStats() Stats {
	return &FixedWindowStats{
		BaseStats: &BaseStats{
			TotalRequests:   atomic.LoadInt64(&fwrl.stats.TotalRequests),
			AllowedRequests: atomic.LoadInt64(&fwrl.stats.AllowedRequests),
			BlockedRequests: atomic.LoadInt64(&fwrl.stats.BlockedRequests),
			StartTime:       fwrl.stats.StartTime,
			LimiterType:     fwrl.stats.LimiterType,
		},
		ActiveClients:   int64(fwrl.store.Len()),
		AutoBlockedIPs:  atomic.LoadInt64(&fwrl.stats.AutoBlockedIPs),
		TotalViolations: atomic.LoadInt64(&fwrl.stats.TotalViolations),
	}
}

// ResetStats resets all statistics
func (fwrl *FixedWindowRateLimiter) ResetStats() {
	atomic.StoreInt64(&fwrl.stats.TotalRequests, 0)
	atomic.StoreInt64(&fwrl.stats.AllowedRequests, 0)
	atomic.StoreInt64(&fwrl.stats.BlockedRequests, 0)
	atomic.StoreInt64(&fwrl.stats.AutoBlockedIPs, 0)
	atomic.StoreInt64(&fwrl.stats.TotalViolations, 0)
	fwrl.stats.StartTime = fwrl.nowFunc()
}

// ResetClient clears tracked state for a specific key under every policy.
func (fwrl *FixedWindowRateLimiter) ResetClient(key string) bool {
	removed := false
	for _, name := range fwrl.config.Policies.Names() {
		if fwrl.store.Delete(name + ":" + key) {
			removed = true
		}
	}
	return removed
}

// ClientCount returns the number of tracked keys
func (fwrl *FixedWindowRateLimiter) ClientCount() int {
	return fwrl.store.Len()
}

// Stop gracefully stops the rate limiter
func (fwrl *FixedWindowRateLimiter) Stop() {
	close(fwrl.stopChan)
	fwrl.store.Close()
}

// Type returns the type of rate limiter
func (fwrl *FixedWindowRateLimiter) Type() RateLimiterType {
	return FixedWindowType
}

// Algorithm returns the algorithm used
func (fwrl *FixedWindowRateLimiter) Algorithm() Algorithm {
	return FixedWindowAlg
}
