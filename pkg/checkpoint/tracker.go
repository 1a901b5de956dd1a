package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/vitalsync/pkg/config"
)

// Tracker derives fetch windows from a Store.
type Tracker struct {
	Store    Store
	Lookback time.Duration    // window used when no checkpoint exists
	Now      func() time.Time // defaults to time.Now
}

// NewTracker creates a Tracker with the default lookback.
func NewTracker(s Store) *Tracker {
	return &Tracker{Store: s, Lookback: config.DefaultLookback, Now: time.Now}
}

// Since returns the lower bound of the next fetch for metric: the stored
// checkpoint, or now minus Lookback when none is stored or it is invalid.
func (t *Tracker) Since(ctx context.Context, metric string) (time.Time, error) {
	last, ok, err := t.Store.Get(ctx, metric)
	switch {
	case errors.Is(err, ErrInvalid):
		return t.fallback(), nil
	case err != nil:
		return time.Time{}, fmt.Errorf("read checkpoint %s: %w", metric, err)
	case !ok:
		return t.fallback(), nil
	default:
		return last, nil
	}
}

// Advance moves metric's checkpoint to ts. It never moves a checkpoint
// backwards; advanced reports whether the store was written.
func (t *Tracker) Advance(ctx context.Context, metric string, ts time.Time) (advanced bool, err error) {
	last, ok, err := t.Store.Get(ctx, metric)
	if err != nil && !errors.Is(err, ErrInvalid) {
		return false, fmt.Errorf("read checkpoint %s: %w", metric, err)
	}
	if ok && !ts.After(last) {
		return false, nil
	}
	if err := t.Store.Set(ctx, metric, ts); err != nil {
		return false, fmt.Errorf("write checkpoint %s: %w", metric, err)
	}
	return true, nil
}

func (t *Tracker) fallback() time.Time {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	lookback := t.Lookback
	if lookback <= 0 {
		lookback = config.DefaultLookback
	}
	return now().Add(-lookback)
}
