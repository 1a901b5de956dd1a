// Package auto polls the health source while the host is active, maps new
// samples to rows and hands them to the ingestion queue.
package auto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/checkpoint"
	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/ingest"
	"github.com/nicktill/vitalsync/pkg/logging"
	"github.com/nicktill/vitalsync/pkg/source"
	"github.com/nicktill/vitalsync/pkg/vitals"
)

var (
	// ErrDebounced is returned by Trigger when called again within the
	// debounce interval.
	ErrDebounced = errors.New("trigger debounced")

	// ErrInFlight is returned by Trigger while a poll cycle is running.
	ErrInFlight = errors.New("poll cycle already in flight")
)

// State is the scheduler's coarse status.
type State int

const (
	Idle State = iota
	Polling
	Backoff
)

func (s State) String() string {
	switch s {
	case Polling:
		return "polling"
	case Backoff:
		return "backoff"
	default:
		return "idle"
	}
}

// Poll cycle outcomes, used as the result label.
const (
	ResultOK           = "ok"
	ResultEmpty        = "empty"
	ResultError        = "error"
	ResultUnauthorized = "unauthorized"
)

// Enqueuer is the part of the ingestion queue the scheduler needs.
type Enqueuer interface {
	Enqueue(rows []ingest.MetricRow) int
	BackingOff() bool
}

// Mapper turns fresh samples into rows.
type Mapper func(samples []vitals.Sample, ctx ingest.Context) ([]ingest.MetricRow, error)

// Pipeline is one metric's poll path.
type Pipeline struct {
	Metric vitals.Metric
	Map    Mapper // defaults to ingest.Map for Metric
}

// MetricResult reports one metric's part of a cycle.
type MetricResult struct {
	Metric   vitals.Metric `json:"metric"`
	Since    time.Time     `json:"since"`
	Fetched  int           `json:"fetched"`
	Fresh    int           `json:"fresh"`
	Enqueued int           `json:"enqueued"`
	UpTo     time.Time     `json:"up_to,omitempty"`
	Result   string        `json:"result"`
	Err      error         `json:"-"`
}

// Config holds scheduler settings. Zero values select the defaults.
type Config struct {
	Interval  time.Duration
	Debounce  time.Duration
	Context   ingest.Context
	Pipelines []Pipeline
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = logging.OrNop(l) }
}

// WithRegisterer registers the poll cycle counter on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Scheduler) {
		s.cycles = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vitalsync_poll_cycles_total",
			Help: "Per-metric poll cycles by result",
		}, []string{"metric", "result"})
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler multiplexes every pipeline on one timer.
type Scheduler struct {
	cfg     Config
	src     *source.Guard
	tracker *checkpoint.Tracker
	queue   Enqueuer
	log     *zap.Logger
	cycles  *prometheus.CounterVec
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	active      bool
	stop        chan struct{}
	lastTrigger time.Time
	blocked     map[vitals.Metric]error // pipelines waiting for re-authorization
	lastCycle   []MetricResult

	polling atomic.Bool
}

// New creates an inactive scheduler. src is wrapped in a source.Guard unless
// it already is one.
func New(src source.Source, tracker *checkpoint.Tracker, q Enqueuer, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = config.PollInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = config.RefreshDebounce
	}
	if len(cfg.Pipelines) == 0 {
		for _, m := range vitals.All {
			cfg.Pipelines = append(cfg.Pipelines, Pipeline{Metric: m})
		}
	}

	guard, ok := src.(*source.Guard)
	if !ok {
		guard = source.NewGuard(src)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		src:     guard,
		tracker: tracker,
		queue:   q,
		log:     zap.NewNop(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		blocked: make(map[vitals.Metric]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetActive follows the host activity signal. Activation runs a cycle at
// once and then every Interval; deactivation stops the timer before
// returning. A cycle already running finishes but is not rescheduled.
func (s *Scheduler) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if active == s.active {
		return
	}
	s.active = active
	if !active {
		close(s.stop)
		s.stop = nil
		s.log.Info("auto-ingestion timer stopped")
		return
	}

	s.stop = make(chan struct{})
	go s.loop(s.stop)
	s.log.Info("auto-ingestion timer started", zap.Duration("interval", s.cfg.Interval))
}

// Active reports the last activity signal.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// the activation cycle waits for one still running from before
	if !s.acquire(stop) {
		return
	}
	s.runHeld()

	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			s.cycle()
		}
	}
}

// cycle runs one timer-driven pass unless one is already running.
func (s *Scheduler) cycle() {
	if !s.polling.CompareAndSwap(false, true) {
		s.log.Debug("skipping tick, cycle in flight")
		return
	}
	s.runHeld()
}

// acquire takes the polling flag, waiting for a running cycle to finish.
// It gives up when stop is closed or the scheduler is stopped.
func (s *Scheduler) acquire(stop <-chan struct{}) bool {
	for !s.polling.CompareAndSwap(false, true) {
		select {
		case <-stop:
			return false
		case <-s.ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
	return true
}

func (s *Scheduler) runHeld() {
	defer s.polling.Store(false)
	s.runLocked(s.ctx)
}

// Trigger runs a cycle now. Calls closer together than the debounce interval
// return ErrDebounced; a call while a cycle runs returns ErrInFlight.
func (s *Scheduler) Trigger(ctx context.Context) ([]MetricResult, error) {
	s.mu.Lock()
	now := s.now()
	if !s.lastTrigger.IsZero() && now.Sub(s.lastTrigger) < s.cfg.Debounce {
		s.mu.Unlock()
		return nil, ErrDebounced
	}
	s.lastTrigger = now
	s.mu.Unlock()

	if !s.polling.CompareAndSwap(false, true) {
		return nil, ErrInFlight
	}
	defer s.polling.Store(false)
	return s.runLocked(ctx), nil
}

// RunOnce runs a cycle now, waiting for any running cycle to finish first.
func (s *Scheduler) RunOnce(ctx context.Context) []MetricResult {
	for !s.polling.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
	defer s.polling.Store(false)
	return s.runLocked(ctx)
}

// runLocked polls every pipeline concurrently. The caller holds the polling
// flag.
func (s *Scheduler) runLocked(ctx context.Context) []MetricResult {
	results := make([]MetricResult, len(s.cfg.Pipelines))

	if err := s.src.Authorize(ctx); err != nil {
		s.log.Error("health source not authorized", zap.Error(err))
		for i, p := range s.cfg.Pipelines {
			results[i] = MetricResult{Metric: p.Metric, Result: ResultUnauthorized, Err: err}
			s.count(p.Metric, ResultUnauthorized)
		}
		s.remember(results)
		return results
	}

	var wg sync.WaitGroup
	for i, p := range s.cfg.Pipelines {
		wg.Add(1)
		go func(i int, p Pipeline) {
			defer wg.Done()
			results[i] = s.runMetric(ctx, p)
			s.count(p.Metric, results[i].Result)
		}(i, p)
	}
	wg.Wait()

	s.remember(results)
	return results
}

// runMetric is one metric's fetch, map, enqueue and checkpoint pass. Panics
// and errors stay inside it.
func (s *Scheduler) runMetric(ctx context.Context, p Pipeline) (res MetricResult) {
	res.Metric = p.Metric
	log := s.log.With(zap.String("metric", string(p.Metric)))

	defer func() {
		if r := recover(); r != nil {
			res.Result = ResultError
			res.Err = fmt.Errorf("panic: %v", r)
			log.Error("poll cycle panicked", zap.Any("panic", r))
		}
	}()

	if err := s.blockedErr(p.Metric); err != nil {
		res.Result, res.Err = ResultUnauthorized, err
		return res
	}

	since, err := s.tracker.Since(ctx, string(p.Metric))
	if err != nil {
		log.Warn("checkpoint read failed", zap.Error(err))
		res.Result, res.Err = ResultError, err
		return res
	}
	res.Since = since

	samples, err := s.src.Fetch(ctx, p.Metric, since, s.now())
	if err != nil {
		if errors.Is(err, source.ErrNotAuthorized) {
			s.block(p.Metric, err)
			log.Error("metric not authorized, pipeline paused until re-authorization", zap.Error(err))
			res.Result, res.Err = ResultUnauthorized, err
			return res
		}
		log.Warn("fetch failed", zap.Error(err))
		res.Result, res.Err = ResultError, err
		return res
	}
	res.Fetched = len(samples)

	fresh := vitals.After(vitals.Finite(samples), since)
	res.Fresh = len(fresh)
	if len(fresh) == 0 {
		res.Result = ResultEmpty
		return res
	}

	mapper := p.Map
	if mapper == nil {
		metric := p.Metric
		mapper = func(samples []vitals.Sample, c ingest.Context) ([]ingest.MetricRow, error) {
			return ingest.Map(metric, samples, c)
		}
	}
	rows, err := mapper(fresh, s.cfg.Context)
	if err != nil {
		log.Warn("row mapping failed", zap.Error(err))
		res.Result, res.Err = ResultError, err
		return res
	}

	res.Enqueued = s.queue.Enqueue(rows)

	upTo, _ := vitals.Latest(fresh)
	if _, err := s.tracker.Advance(ctx, string(p.Metric), upTo); err != nil {
		log.Warn("checkpoint write failed", zap.Error(err))
		res.Result, res.Err = ResultError, err
		return res
	}
	res.UpTo = upTo
	res.Result = ResultOK

	log.Info("ingested",
		zap.Int("sent", res.Enqueued),
		zap.Int("fresh", res.Fresh),
		zap.Time("up_to", upTo))
	return res
}

// Reauthorize clears the memoized authorization outcome and every paused
// pipeline, then asks the source again.
func (s *Scheduler) Reauthorize(ctx context.Context) error {
	s.src.Reset()
	s.mu.Lock()
	s.blocked = make(map[vitals.Metric]error)
	s.mu.Unlock()
	return s.src.Authorize(ctx)
}

func (s *Scheduler) block(m vitals.Metric, err error) {
	s.mu.Lock()
	s.blocked[m] = err
	s.mu.Unlock()
}

func (s *Scheduler) blockedErr(m vitals.Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[m]
}

func (s *Scheduler) count(m vitals.Metric, result string) {
	if s.cycles != nil {
		s.cycles.WithLabelValues(string(m), result).Inc()
	}
}

func (s *Scheduler) remember(results []MetricResult) {
	s.mu.Lock()
	s.lastCycle = append([]MetricResult(nil), results...)
	s.mu.Unlock()
}

// LastCycle returns the results of the most recent cycle.
func (s *Scheduler) LastCycle() []MetricResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MetricResult(nil), s.lastCycle...)
}

// State reports Polling during a cycle, Backoff while the queue waits to
// retry a failed delivery, and Idle otherwise.
func (s *Scheduler) State() State {
	if s.polling.Load() {
		return Polling
	}
	if s.queue.BackingOff() {
		return Backoff
	}
	return Idle
}

// Stop deactivates the scheduler, lets a running cycle finish and then
// releases the scheduler's context. Later timer cycles never start.
func (s *Scheduler) Stop() {
	s.SetActive(false)
	for s.polling.Load() {
		time.Sleep(10 * time.Millisecond)
	}
	s.cancel()
}
