// Package dashboard turns raw samples from the health source into the
// render-ready snapshot behind the insights views.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/insight"
	"github.com/nicktill/vitalsync/pkg/logging"
	"github.com/nicktill/vitalsync/pkg/source"
	"github.com/nicktill/vitalsync/pkg/vitals"
)

// ErrInFlight is returned by Refresh while another refresh runs and no
// earlier snapshot exists to fall back on.
var ErrInFlight = errors.New("refresh already in flight")

// Config holds dashboard settings. Zero values select the defaults.
type Config struct {
	Days           int
	Location       *time.Location
	Debounce       time.Duration
	BaselineWindow int
}

func (c Config) withDefaults() Config {
	if c.Days <= 0 {
		c.Days = config.DashboardDays
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Debounce <= 0 {
		c.Debounce = config.RefreshDebounce
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = config.BaselineWindowDays
	}
	return c
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = logging.OrNop(l) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service computes snapshots, at most once per debounce interval.
type Service struct {
	src source.Source
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	last    *Snapshot
	lastRun time.Time

	inFlight atomic.Bool
}

// New creates a dashboard service reading from src.
func New(src source.Source, cfg Config, opts ...Option) *Service {
	s := &Service{
		src: src,
		cfg: cfg.withDefaults(),
		log: zap.NewNop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh recomputes the snapshot over the last days days (the configured
// default when days <= 0). Within the debounce interval of the previous
// refresh, or while another refresh runs, it returns the previous snapshot
// marked Stale.
func (s *Service) Refresh(ctx context.Context, days int) (Snapshot, error) {
	if days <= 0 {
		days = s.cfg.Days
	}

	s.mu.Lock()
	if s.last != nil && s.now().Sub(s.lastRun) < s.cfg.Debounce {
		snap := *s.last
		s.mu.Unlock()
		snap.Stale = true
		return snap, nil
	}
	s.mu.Unlock()

	if !s.inFlight.CompareAndSwap(false, true) {
		if snap, ok := s.Last(); ok {
			snap.Stale = true
			return snap, nil
		}
		return Snapshot{}, ErrInFlight
	}
	defer s.inFlight.Store(false)

	if err := s.src.Authorize(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("authorize source: %w", err)
	}

	now := s.now()
	from := now.AddDate(0, 0, -days)
	samples := make(map[vitals.Metric][]vitals.Sample, len(vitals.All))
	errs := make(map[vitals.Metric]string)
	for _, m := range vitals.All {
		got, err := s.src.Fetch(ctx, m, from, now)
		if err != nil {
			if ctx.Err() != nil {
				return Snapshot{}, ctx.Err()
			}
			s.log.Warn("dashboard fetch failed", zap.String("metric", string(m)), zap.Error(err))
			errs[m] = err.Error()
			continue
		}
		samples[m] = vitals.SortByTime(vitals.Finite(got))
	}

	snap := Build(samples, now, days, s.cfg)
	if len(errs) > 0 {
		snap.Errors = errs
	}

	s.mu.Lock()
	s.last = &snap
	s.lastRun = now
	s.mu.Unlock()

	s.log.Info("dashboard refreshed",
		zap.Int("days", days),
		zap.String("rhr_badge", string(snap.HeartRate.Decision.Badge)),
		zap.Float64("readiness", snap.Readiness.Score))
	return snap, nil
}

// Last returns the most recent snapshot, if any.
func (s *Service) Last() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Snapshot{}, false
	}
	return *s.last, true
}

// Readiness scores a caller-supplied set of drivers.
func (s *Service) Readiness(today insight.Today) insight.Result {
	return insight.Readiness(today)
}
