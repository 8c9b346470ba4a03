// Package idempotency implements the Idempotency Store: a durable
// key -> valueRef mapping that CreateDeployment consults before creating a
// new execution, so retried or duplicate requests resolve to the original
// execution instead of starting a second one.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrMismatch names the case of a key that already exists with a
// different valueRef. No Store in this package returns it: CheckOrInsert
// reports the stored valueRef with inserted=false instead, and nothing
// maps it to domain.ErrIdempotencyMismatch.
var ErrMismatch = errors.New("idempotency: key exists with a different value")

// Store is the durable backing store for idempotency records.
type Store interface {
	// CheckOrInsert atomically inserts (key, valueRef) if key is unseen
	// (or its previous record has expired), or returns the existing
	// valueRef if key is already present and unexpired. inserted is true
	// only when this call created the record.
	CheckOrInsert(ctx context.Context, key, valueRef string, ttl time.Duration) (existingRef string, inserted bool, err error)

	// Get returns the valueRef for key, if present and unexpired.
	Get(ctx context.Context, key string) (valueRef string, found bool, err error)
}
