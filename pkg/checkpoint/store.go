// Package checkpoint persists, per metric, the timestamp of the newest sample
// handed to the queue. The next poll fetches strictly after it.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalid is returned when a persisted checkpoint does not parse.
var ErrInvalid = errors.New("invalid checkpoint value")

// KeyPrefix prefixes every checkpoint key.
const KeyPrefix = "lastTs:"

// Store is a per-metric checkpoint key-value store.
type Store interface {
	// Get returns the checkpoint for metric; ok is false when none is stored.
	Get(ctx context.Context, metric string) (t time.Time, ok bool, err error)

	// Set replaces the checkpoint for metric.
	Set(ctx context.Context, metric string, t time.Time) error

	// Close releases the backend.
	Close() error
}

// Key returns the storage key for metric.
func Key(metric string) string {
	return KeyPrefix + metric
}

// Encode renders t as the persisted ISO-8601 UTC string.
func Encode(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Decode parses a persisted checkpoint.
func Decode(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalid, s, err)
	}
	return t, nil
}
