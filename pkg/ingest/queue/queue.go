// Package queue holds mapped rows in memory until the sink confirms them.
//
// Rows are deduplicated on their full-tuple key while pending and, once
// delivered, by a 64-bit fingerprint. Fingerprints are kept in a fixed-size
// ring (Config.DeliveredKeys, 200k by default, a few MB); the oldest are
// forgotten first. Older rows are kept out by the checkpoint, and the sink
// ignores replays.
// Delivery is chunked and all-or-nothing per chunk; a failed chunk stays at
// the front of the queue and is retried on a stepped backoff schedule.
// The queue is not persisted: rows still pending at exit are lost.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/ingest"
	"github.com/nicktill/vitalsync/pkg/logging"
)

// Deliverer sends one chunk to the sink. A nil error means every row in the
// chunk was accepted.
type Deliverer interface {
	Deliver(ctx context.Context, rows []ingest.MetricRow) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, rows []ingest.MetricRow) error

func (f DelivererFunc) Deliver(ctx context.Context, rows []ingest.MetricRow) error {
	return f(ctx, rows)
}

// Observer is told about every chunk outcome.
type Observer interface {
	RecordSuccess()
	RecordFailure(err error)
}

// Config holds the queue tuning knobs. Zero values select the defaults.
type Config struct {
	ChunkSize int
	Backoff   []time.Duration
	Timeout   time.Duration // per chunk delivery

	// DeliveredKeys caps the delivered fingerprint set.
	DeliveredKeys int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = config.QueueChunkSize
	}
	if len(c.Backoff) == 0 {
		c.Backoff = config.QueueBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = config.QueueChunkTimeout
	}
	if c.DeliveredKeys <= 0 {
		c.DeliveredKeys = config.QueueDeliveredKeys
	}
	return c
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.log = logging.OrNop(l) }
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithObserver registers a chunk outcome observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// FlushResult reports the queue after a Flush call.
type FlushResult struct {
	Pending   int  `json:"pending"`
	Delivered int  `json:"delivered"`
	InFlight  bool `json:"in_flight"`
}

type entry struct {
	row ingest.MetricRow
	key string
}

// Queue is safe for concurrent use.
type Queue struct {
	cfg       Config
	deliverer Deliverer
	log       *zap.Logger
	metrics   *Metrics
	observer  Observer

	mu        sync.Mutex
	pending   []entry
	keys      map[string]struct{}
	delivered map[uint64]struct{}
	ring      []uint64 // delivered fingerprints in arrival order
	ringNext  int
	failures  int         // consecutive failed chunks
	retry     *time.Timer // armed while backing off
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc

	flushing atomic.Bool // single flush at a time
	wg       sync.WaitGroup
}

// New creates a queue delivering through d.
func New(d Deliverer, cfg Config, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:       cfg.withDefaults(),
		deliverer: d,
		log:       zap.NewNop(),
		keys:      make(map[string]struct{}),
		delivered: make(map[uint64]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds the rows that are neither pending nor already delivered and
// returns how many were added. It starts a background flush unless the
// queue is waiting out a backoff delay.
func (q *Queue) Enqueue(rows []ingest.MetricRow) int {
	q.mu.Lock()
	added := 0
	for _, r := range rows {
		key := r.DedupKey()
		if _, ok := q.keys[key]; ok {
			continue
		}
		if _, ok := q.delivered[xxhash.Sum64String(key)]; ok {
			continue
		}
		q.keys[key] = struct{}{}
		q.pending = append(q.pending, entry{row: r, key: key})
		added++
	}
	pending := len(q.pending)
	kick := added > 0 && q.retry == nil && !q.closed
	if kick {
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.enqueued.Add(float64(added))
		q.metrics.duplicates.Add(float64(len(rows) - added))
		q.metrics.pending.Set(float64(pending))
	}

	if kick {
		go func() {
			defer q.wg.Done()
			q.Flush(q.ctx)
		}()
	}
	return added
}

// Flush delivers pending rows chunk by chunk until the queue is empty or a
// chunk fails. A call made while another flush is running returns at once
// with InFlight set.
func (q *Queue) Flush(ctx context.Context) FlushResult {
	var res FlushResult
	for {
		if !q.flushing.CompareAndSwap(false, true) {
			res.Pending = q.Pending()
			res.InFlight = true
			return res
		}
		res.Delivered += q.drain(ctx)
		q.flushing.Store(false)

		res.Pending = q.Pending()
		// A kick or retry that fired while the drain was finishing was
		// rejected as in flight; pick its rows up here.
		if ctx.Err() != nil || !q.needsFlush() {
			return res
		}
	}
}

func (q *Queue) drain(ctx context.Context) (delivered int) {
	for {
		q.mu.Lock()
		n := len(q.pending)
		if n == 0 {
			q.mu.Unlock()
			return delivered
		}
		if n > q.cfg.ChunkSize {
			n = q.cfg.ChunkSize
		}
		chunk := make([]ingest.MetricRow, n)
		for i := 0; i < n; i++ {
			chunk[i] = q.pending[i].row
		}
		q.mu.Unlock()

		if err := q.deliver(ctx, chunk); err != nil {
			q.onFailure(err)
			return delivered
		}
		q.onSuccess(n)
		delivered += n
	}
}

func (q *Queue) deliver(ctx context.Context, chunk []ingest.MetricRow) error {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()
	return q.deliverer.Deliver(ctx, chunk)
}

// onSuccess drops the first n entries. Only the flushing goroutine removes
// entries, so the front of the slice is still the chunk just delivered.
func (q *Queue) onSuccess(n int) {
	q.mu.Lock()
	for _, e := range q.pending[:n] {
		delete(q.keys, e.key)
		q.rememberLocked(xxhash.Sum64String(e.key))
	}
	q.pending = append(q.pending[:0:0], q.pending[n:]...)
	q.failures = 0
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
	pending := len(q.pending)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.delivered.Add(float64(n))
		q.metrics.pending.Set(float64(pending))
		q.metrics.backoff.Set(0)
	}
	if q.observer != nil {
		q.observer.RecordSuccess()
	}
}

func (q *Queue) onFailure(err error) {
	q.mu.Lock()
	q.failures++
	delay := q.stepLocked()
	pending := len(q.pending)
	attempt := q.failures
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
	if !q.closed {
		var t *time.Timer
		t = time.AfterFunc(delay, func() {
			q.mu.Lock()
			if q.retry != t || q.closed {
				q.mu.Unlock()
				return
			}
			q.retry = nil
			q.wg.Add(1)
			q.mu.Unlock()
			defer q.wg.Done()
			q.Flush(q.ctx)
		})
		q.retry = t
	}
	q.mu.Unlock()

	q.log.Warn("delivery failed, backing off",
		zap.Error(err),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Int("pending", pending))

	if q.metrics != nil {
		q.metrics.failures.Inc()
		q.metrics.backoff.Set(delay.Seconds())
	}
	if q.observer != nil {
		q.observer.RecordFailure(err)
	}
}

// rememberLocked records a delivered fingerprint, evicting the oldest once
// the ring is full.
func (q *Queue) rememberLocked(fp uint64) {
	if _, ok := q.delivered[fp]; ok {
		return
	}
	if len(q.ring) < q.cfg.DeliveredKeys {
		q.ring = append(q.ring, fp)
	} else {
		delete(q.delivered, q.ring[q.ringNext])
		q.ring[q.ringNext] = fp
		q.ringNext = (q.ringNext + 1) % len(q.ring)
	}
	q.delivered[fp] = struct{}{}
}

// stepLocked returns the delay for the current failure count; the last step
// repeats.
func (q *Queue) stepLocked() time.Duration {
	if q.failures == 0 {
		return 0
	}
	i := q.failures - 1
	if i >= len(q.cfg.Backoff) {
		i = len(q.cfg.Backoff) - 1
	}
	return q.cfg.Backoff[i]
}

func (q *Queue) needsFlush() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0 && q.retry == nil && !q.closed
}

// Pending returns the number of rows awaiting delivery.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Backoff returns the delay scheduled after the latest failure, or 0 when the
// last chunk succeeded.
func (q *Queue) Backoff() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stepLocked()
}

// BackingOff reports whether a retry is scheduled.
func (q *Queue) BackingOff() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retry != nil
}

// Close cancels any scheduled retry and background flush and waits for a
// running one to return. Pending rows stay in memory and can still be sent
// with an explicit Flush.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	if q.retry != nil {
		q.retry.Stop()
		q.retry = nil
	}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
