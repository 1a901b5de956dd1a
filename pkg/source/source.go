// Package source defines the health-data provider the agent pulls samples
// from, plus the in-process providers used for demos and tests.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nicktill/vitalsync/pkg/vitals"
)

var (
	// ErrNotAuthorized is returned by Fetch before a successful Authorize,
	// and wraps any authorization failure.
	ErrNotAuthorized = errors.New("health data access not authorized")

	// ErrUnknownMetric is returned for metrics a source cannot provide.
	ErrUnknownMetric = errors.New("metric not provided by source")
)

// Source is a provider of raw samples.
type Source interface {
	// Authorize requests read access. It is called once per process.
	Authorize(ctx context.Context) error

	// Fetch returns samples of metric recorded in [from, to], in any order.
	Fetch(ctx context.Context, metric vitals.Metric, from, to time.Time) ([]vitals.Sample, error)
}

// Guard runs the wrapped source's Authorize at most once until Reset, and
// refuses Fetch until authorization has succeeded.
type Guard struct {
	src Source

	mu   sync.Mutex
	done bool
	err  error
}

// NewGuard wraps src.
func NewGuard(src Source) *Guard {
	return &Guard{src: src}
}

// Authorize authorizes the wrapped source on first call and returns the
// memoized outcome afterwards.
func (g *Guard) Authorize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return g.err
	}

	err := g.src.Authorize(ctx)
	if err != nil && !errors.Is(err, ErrNotAuthorized) {
		err = fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	// a canceled attempt says nothing about the grant; allow another try
	if err != nil && ctx.Err() != nil {
		return err
	}
	g.done, g.err = true, err
	return err
}

// Authorized reports whether Authorize has succeeded.
func (g *Guard) Authorized() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done && g.err == nil
}

// Reset forgets the memoized outcome so the next Authorize asks again.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.done, g.err = false, nil
	g.mu.Unlock()
}

// Fetch delegates to the wrapped source once authorized.
func (g *Guard) Fetch(ctx context.Context, metric vitals.Metric, from, to time.Time) ([]vitals.Sample, error) {
	if !g.Authorized() {
		return nil, ErrNotAuthorized
	}
	return g.src.Fetch(ctx, metric, from, to)
}
