// middleware/stats.go
// Purpose: On-demand rollup over the live admission store
// Use case: Back-office compliance dashboard

package middleware

import (
	"sort"

	"github.com/terojleinonen/cms-ratelimit/storage"
)

// Offender is one entry in the violation ranking.
type Offender struct {
	Key        string `json:"key"`
	Violations int    `json:"violations"`
}

// RateLimitStats is the aggregate view over the live store. It is computed
// fresh on every call and never cached.
type RateLimitStats struct {
	TotalEntries int        `json:"total_entries"`
	BlockedIPs   int        `json:"blocked_ips"`
	TopOffenders []Offender `json:"top_offenders"`
}

// RateLimitStats scans the live store and returns tracked-key and blocked-IP
// counts plus the keys with the most violations, ranked descending. The scan
// is read-only and has no side effects on admission state.
func (fwrl *FixedWindowRateLimiter) RateLimitStats() RateLimitStats {
	offenders := make([]Offender, 0)
	total := 0

	fwrl.store.Range(func(key string, e storage.ClientEntry) bool {
		total++
		if e.Violations > 0 {
			offenders = append(offenders, Offender{Key: key, Violations: int(e.Violations)})
		}
		return true
	})

	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].Violations != offenders[j].Violations {
			return offenders[i].Violations > offenders[j].Violations
		}
		return offenders[i].Key < offenders[j].Key
	})
	if len(offenders) > fwrl.config.TopOffenderCount {
		offenders = offenders[:fwrl.config.TopOffenderCount]
	}

	stats := RateLimitStats{
		TotalEntries: total,
		TopOffenders: offenders,
	}
	if fwrl.blockList != nil {
		stats.BlockedIPs = fwrl.blockList.Len()
	}
	return stats
}
