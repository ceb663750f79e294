package storage

import (
	"fmt"
	"time"
)

// ClientEntry holds all per-key limiter state. A single entry type is shared
// by every strategy; each strategy only touches its own fields.
type ClientEntry struct {
	// Fixed window state
	Count       int64     `json:"count"`
	WindowStart time.Time `json:"window_start"`
	Violations  int64     `json:"violations"`

	// Sliding window state
	Timestamps []time.Time `json:"timestamps,omitempty"`

	// Token bucket state
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`

	// Housekeeping
	Created    time.Time `json:"created"`
	LastAccess time.Time `json:"last_access"`
}

// Config represents configuration for the in-memory store.
type Config struct {
	MaxKeys    int `json:"max_keys"`    // Maximum keys to track before evicting
	ShardCount int `json:"shard_count"` // Number of lock shards, rounded up to a power of two
}

// DefaultConfig returns default store configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxKeys:    10000,
		ShardCount: 128,
	}
}

// Validate validates the store configuration.
func (c *Config) Validate() error {
	if c.MaxKeys <= 0 {
		return fmt.Errorf("max keys must be positive, got %d", c.MaxKeys)
	}
	if c.ShardCount <= 0 {
		return fmt.Errorf("shard count must be positive, got %d", c.ShardCount)
	}
	return nil
}
