// middleware/doc.go
// Package documentation for the admission-control middleware

/*
Package middleware provides the admission-control engine for the back office:
per-client rate limiting for the Gin web framework with violation escalation
to temporary IP blocking.

The engine is single-process and in-memory. State is lost on restart and
there is no cross-node coordination; that is a deliberate scope boundary.

# Rate Limiter Types

## Basic Rate Limiter
Global rate limiting where all clients share the same rate limit.
Use case: server protection before per-key limiting runs.

	r.Use(middleware.NewBasicRateLimiter(nil).Middleware())

## Fixed Window Rate Limiter
The default admission check: counts requests per key in discrete windows,
selects limits through the policy table, tracks consecutive violations, and
auto-blocks repeat offenders.

	limiter, _ := middleware.NewFixedWindowRateLimiter(nil)
	r.Use(limiter.Middleware())

## Sliding Window Rate Limiter
Precise limiting over a continuously moving trailing interval.

	limiter, _ := middleware.NewSlidingWindowRateLimiter(&middleware.SlidingWindowConfig{
		Limit:  100,
		Window: time.Minute,
	})

## Token Bucket Rate Limiter
Burst tolerance up to capacity with bounded sustained throughput.

	limiter, _ := middleware.NewTokenBucketRateLimiter(&middleware.TokenBucketConfig{
		Capacity:   20,
		RefillRate: 10,
	})

# Policies

Routes map to named policies (public, auth, sensitive, upload, search,
apiKey, bulk) through a PolicyTable. Tighter policies throttle harder:
auth < sensitive < bulk < public. The table can be extended from YAML
without touching the limiting algorithms.

# Blocking

A key whose violation count reaches the configured threshold is placed on
the shared BlockList when it parses as an IP. Blocked IPs are denied before
any counter is touched. RateLimitManager exposes the administrative
endpoints: stats, list blocked IPs, manual block and unblock.

# Error Handling

Rejection is a normal structured Result, never a Go error. Missing or
malformed identifying headers degrade to a shared default key, and internal
inconsistencies fail open: the engine would rather admit traffic than become
a denial-of-service vector itself.
*/
package middleware
