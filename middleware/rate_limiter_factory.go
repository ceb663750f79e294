package middleware

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterFactory helps create different types of rate limiters that
// share one block list.
type RateLimiterFactory struct {
	blockList *BlockList
}

// NewRateLimiterFactory creates a new rate limiter factory. A nil block list
// disables blocking on the limiters it creates.
func NewRateLimiterFactory(blockList *BlockList) *RateLimiterFactory {
	return &RateLimiterFactory{blockList: blockList}
}

func (factory *RateLimiterFactory) CreateBasicRateLimiter(requestsPerSecond float64, burst int) RateLimiter {
	config := &BasicRateLimiterConfig{
		Rate:          rate.Limit(requestsPerSecond),
		Burst:         burst,
		EnableHeaders: true,
		EnableLogging: true,
		ErrorMessage:  "global rate limit exceeded",
	}
	return NewBasicRateLimiter(config)
}

func (factory *RateLimiterFactory) CreateFixedWindowRateLimiter(policies *PolicyTable) (RateLimiter, error) {
	config := DefaultFixedWindowConfig()
	config.Policies = policies
	config.BlockList = factory.blockList
	config.EnableLogging = true
	return NewFixedWindowRateLimiter(config)
}

func (factory *RateLimiterFactory) CreateSlidingWindowRateLimiter(limit int, window time.Duration) (RateLimiter, error) {
	config := DefaultSlidingWindowConfig()
	config.Limit = limit
	config.Window = window
	config.BlockList = factory.blockList
	return NewSlidingWindowRateLimiter(config)
}

func (factory *RateLimiterFactory) CreateTokenBucketRateLimiter(capacity int, refillPerSecond float64) (RateLimiter, error) {
	config := DefaultTokenBucketConfig()
	config.Capacity = capacity
	config.RefillRate = refillPerSecond
	config.BlockList = factory.blockList
	return NewTokenBucketRateLimiter(config)
}

// CreateRateLimiter constructs a limiter of the given type with default
// configuration, for config-driven wiring where the algorithm is a setting.
func (factory *RateLimiterFactory) CreateRateLimiter(limiterType RateLimiterType) (RateLimiter, error) {
	switch limiterType {
	case BasicType:
		return NewBasicRateLimiter(nil), nil
	case FixedWindowType:
		return factory.CreateFixedWindowRateLimiter(DefaultPolicyTable())
	case SlidingWindowType:
		config := DefaultSlidingWindowConfig()
		config.BlockList = factory.blockList
		return NewSlidingWindowRateLimiter(config)
	case TokenBucketType:
		config := DefaultTokenBucketConfig()
		config.BlockList = factory.blockList
		return NewTokenBucketRateLimiter(config)
	default:
		return nil, NewRateLimiterError("UNKNOWN_LIMITER_TYPE", "unknown rate limiter type")
	}
}
