// Package core provides the business logic and service layer for the cronicorn scheduling system.
package core

import (
	"context"
	"time"
)

// CacheRepository is the optional read cache the service layer puts in front
// of expensive Postgres reads. Consumers treat every error as a miss and
// tolerate a nil repository, so implementations are never load-bearing.
type CacheRepository interface {
	// Set stores value under key for ttl. A zero ttl stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key, or nil when the key is absent
	// or expired.
	Get(ctx context.Context, key string) ([]byte, error)
}
