// Package redis stores checkpoints in Redis so several agents can share them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nicktill/vitalsync/pkg/checkpoint"
)

// Store implements checkpoint.Store on a Redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New wraps client. prefix namespaces every key, e.g. "vitalsync:u_dev:".
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(metric string) string {
	return s.prefix + checkpoint.Key(metric)
}

// Get reads metric's checkpoint.
func (s *Store) Get(ctx context.Context, metric string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.key(metric)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis get %s: %w", s.key(metric), err)
	}

	t, err := checkpoint.Decode(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Set writes metric's checkpoint without expiry.
func (s *Store) Set(ctx context.Context, metric string, t time.Time) error {
	if err := s.client.Set(ctx, s.key(metric), checkpoint.Encode(t), 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key(metric), err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
