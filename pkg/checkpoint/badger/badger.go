// Package badger stores checkpoints in an embedded BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/vitalsync/pkg/checkpoint"
)

// Store implements checkpoint.Store on BadgerDB.
type Store struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool
}

// New opens (or creates) the checkpoint database.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// A handful of tiny keys: keep every cache and table at its floor.
	opts = opts.
		WithLogger(nil).
		WithCompression(options.None).
		WithNumVersionsToKeep(1).
		WithMemTableSize(4 << 20).
		WithNumMemtables(2).
		// must stay under the max batch size, 15% of the memtable
		WithValueThreshold(1 << 10).
		WithBlockCacheSize(1 << 20).
		WithIndexCacheSize(1 << 20).
		WithNumCompactors(2).
		WithValueLogFileSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Get reads metric's checkpoint.
func (s *Store) Get(ctx context.Context, metric string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(checkpoint.Key(metric)))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("badger get: %w", err)
	}

	t, err := checkpoint.Decode(string(raw))
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Set writes metric's checkpoint.
// The transaction runs in a goroutine so a canceled ctx returns promptly.
func (s *Store) Set(ctx context.Context, metric string, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(checkpoint.Key(metric)), []byte(checkpoint.Encode(t)))
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("badger set: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC reclaims value log space once. badger.ErrNoRewrite means there was
// nothing to reclaim and is not an error.
func (s *Store) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}
