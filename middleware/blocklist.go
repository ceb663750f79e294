// middleware/blocklist.go
// Purpose: Temporary IP block list with manual administration endpoints
// Use case: Escalation target for repeat offenders, consumed by the back-office dashboard

package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// DefaultBlockReason is recorded when the engine blocks an IP on its own.
const DefaultBlockReason = "exceeded rate limit repeatedly"

// BlockedIP is one entry on the block list. A zero ExpiresAt means the block
// does not expire and must be lifted manually.
type BlockedIP struct {
	IP        string    `json:"ip"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Reason    string    `json:"reason"`
}

func (b BlockedIP) expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt)
}

// BlockList is a shared set of blocked IPs. Membership is binary; expired
// entries are removed lazily on lookup and swept by SweepExpired.
type BlockList struct {
	entries sync.Map // ip -> BlockedIP
	nowFunc func() time.Time
}

// NewBlockList creates an empty block list.
func NewBlockList() *BlockList {
	return &BlockList{nowFunc: time.Now}
}

// Block adds ip to the list for the given duration. A non-positive duration
// blocks until manual unblock. Blocking an already blocked IP refreshes the
// entry.
func (bl *BlockList) Block(ip, reason string, duration time.Duration) {
	now := bl.nowFunc()
	entry := BlockedIP{
		IP:        ip,
		BlockedAt: now,
		Reason:    reason,
	}
	if duration > 0 {
		entry.ExpiresAt = now.Add(duration)
	}
	bl.entries.Store(ip, entry)
}

// IsBlocked reports whether ip is currently blocked.
func (bl *BlockList) IsBlocked(ip string) bool {
	_, blocked := bl.Get(ip)
	return blocked
}

// Get returns the active block entry for ip, removing it first if expired.
func (bl *BlockList) Get(ip string) (BlockedIP, bool) {
	value, exists := bl.entries.Load(ip)
	if !exists {
		return BlockedIP{}, false
	}

	entry := value.(BlockedIP)
	if entry.expired(bl.nowFunc()) {
		bl.entries.Delete(ip)
		return BlockedIP{}, false
	}
	return entry, true
}

// UnblockIP removes ip from the list and reports whether it was present.
// Unblocking an absent IP is a no-op and returns false.
func (bl *BlockList) UnblockIP(ip string) bool {
	value, present := bl.entries.LoadAndDelete(ip)
	if !present {
		return false
	}
	if value.(BlockedIP).expired(bl.nowFunc()) {
		return false
	}
	return true
}

// BlockedIPs returns all currently active block entries.
func (bl *BlockList) BlockedIPs() []BlockedIP {
	now := bl.nowFunc()
	blocked := make([]BlockedIP, 0)

	bl.entries.Range(func(key, value interface{}) bool {
		entry := value.(BlockedIP)
		if !entry.expired(now) {
			blocked = append(blocked, entry)
		}
		return true
	})
	return blocked
}

// Len returns the number of active block entries.
func (bl *BlockList) Len() int {
	return len(bl.BlockedIPs())
}

// SweepExpired removes expired entries and returns the number removed.
func (bl *BlockList) SweepExpired() int {
	now := bl.nowFunc()
	removed := 0

	bl.entries.Range(func(key, value interface{}) bool {
		if value.(BlockedIP).expired(now) {
			bl.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// rejectBlocked writes the short-circuit denial for a blocked client.
func rejectBlocked(c *gin.Context, entry BlockedIP, now time.Time) {
	c.Header("X-RateLimit-Blocked", entry.Reason)
	if !entry.ExpiresAt.IsZero() {
		SetRetryAfterHeader(c, entry.ExpiresAt.Sub(now))
	}

	c.JSON(http.StatusForbidden, gin.H{
		"error":  "IP address is temporarily blocked",
		"reason": entry.Reason,
	})
	c.Abort()
}

// =============================================================================
// ADMINISTRATIVE SURFACE
// =============================================================================

// RateLimitManager exposes the administrative endpoints consumed by the
// back-office dashboard: stats, block list inspection, manual block and
// unblock.
type RateLimitManager struct {
	limiter   *FixedWindowRateLimiter
	blockList *BlockList
}

// NewRateLimitManager creates a manager for the given limiter and its block list.
func NewRateLimitManager(limiter *FixedWindowRateLimiter, blockList *BlockList) *RateLimitManager {
	return &RateLimitManager{limiter: limiter, blockList: blockList}
}

// RegisterRoutes mounts the management endpoints on a router group.
func (rm *RateLimitManager) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/rate-limit/stats", rm.GetRateLimitStats())
	rg.GET("/rate-limit/blocked", rm.GetBlockedIPs())
	rg.POST("/rate-limit/blocked", rm.BlockIP())
	rg.DELETE("/rate-limit/blocked/:ip", rm.UnblockIP())
}

// GetRateLimitStats returns the aggregate engine stats.
func (rm *RateLimitManager) GetRateLimitStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"engine":  rm.limiter.RateLimitStats(),
			"limiter": rm.limiter.GetStats(),
		})
	}
}

// GetBlockedIPs lists the active block entries.
func (rm *RateLimitManager) GetBlockedIPs() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"blocked_ips": rm.blockList.BlockedIPs()})
	}
}

// BlockIP manually blocks an IP.
func (rm *RateLimitManager) BlockIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			IP       string        `json:"ip" binding:"required"`
			Duration time.Duration `json:"duration"`
			Reason   string        `json:"reason"`
		}

		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if request.Reason == "" {
			request.Reason = "blocked by administrator"
		}

		rm.blockList.Block(request.IP, request.Reason, request.Duration)
		log.WithFields(log.Fields{"ip": request.IP, "reason": request.Reason}).Info("IP blocked manually")

		c.JSON(http.StatusOK, gin.H{
			"message": "IP blocked",
			"ip":      request.IP,
			"reason":  request.Reason,
		})
	}
}

// UnblockIP lifts a block. Returns 404 when the IP was not blocked.
func (rm *RateLimitManager) UnblockIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.Param("ip")
		if ip == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "IP address required"})
			return
		}

		if !rm.blockList.UnblockIP(ip) {
			c.JSON(http.StatusNotFound, gin.H{"error": "IP is not blocked", "ip": ip})
			return
		}

		log.WithField("ip", ip).Info("IP unblocked")
		c.JSON(http.StatusOK, gin.H{"message": "IP unblocked", "ip": ip})
	}
}
