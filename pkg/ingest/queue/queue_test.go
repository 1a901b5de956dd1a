package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitalsync/pkg/ingest"
)

// mockDeliverer records every chunk it is handed.
type mockDeliverer struct {
	mu       sync.Mutex
	calls    [][]ingest.MetricRow
	accepted [][]ingest.MetricRow
	fail     func(call int) error
	onCall   func(call int)
}

func (m *mockDeliverer) Deliver(ctx context.Context, rows []ingest.MetricRow) error {
	m.mu.Lock()
	call := len(m.calls) + 1
	batch := make([]ingest.MetricRow, len(rows))
	copy(batch, rows)
	m.calls = append(m.calls, batch)
	onCall, fail := m.onCall, m.fail
	m.mu.Unlock()

	if onCall != nil {
		onCall(call)
	}
	if fail != nil {
		if err := fail(call); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.accepted = append(m.accepted, batch)
	m.mu.Unlock()
	return nil
}

func (m *mockDeliverer) acceptedRows() []ingest.MetricRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ingest.MetricRow
	for _, b := range m.accepted {
		out = append(out, b...)
	}
	return out
}

func (m *mockDeliverer) chunkSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.accepted))
	for i, b := range m.accepted {
		sizes[i] = len(b)
	}
	return sizes
}

func makeRows(n int) []ingest.MetricRow {
	base := time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC)
	rows := make([]ingest.MetricRow, n)
	for i := range rows {
		ts := base.Add(time.Duration(i) * time.Second)
		rows[i] = ingest.MetricRow{
			UserID:   "u_dev",
			Metric:   "heart_rate",
			TS:       ingest.FormatTS(ts),
			Value:    60 + float64(i%40),
			Unit:     "bpm",
			Source:   ingest.SourceDemo,
			DeviceID: "test",
			Day:      ingest.DayUTC(ts),
		}
	}
	return rows
}

var errSink = errors.New("sink unavailable")

func TestEnqueue_DedupWhilePending(t *testing.T) {
	d := &mockDeliverer{fail: func(int) error { return errSink }}
	q := New(d, Config{Backoff: []time.Duration{time.Hour}})
	defer q.Close()

	rows := makeRows(10)
	assert.Equal(t, 10, q.Enqueue(rows))
	assert.Equal(t, 0, q.Enqueue(rows))
	assert.Equal(t, 10, q.Pending())

	// duplicates inside one call are collapsed too
	dup := makeRows(3)
	dup = append(dup, makeRows(3)...)
	assert.Equal(t, 0, q.Enqueue(dup))
	assert.Equal(t, 10, q.Pending())
}

func TestEnqueue_DeliveredRowsAreNeverResent(t *testing.T) {
	d := &mockDeliverer{}
	q := New(d, Config{})
	defer q.Close()

	rows := makeRows(25)
	require.Equal(t, 25, q.Enqueue(rows))
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, q.Enqueue(rows))
	assert.Equal(t, 0, q.Pending())
	assert.Len(t, d.acceptedRows(), 25)
}

func TestEnqueue_DeliveredSetIsBounded(t *testing.T) {
	d := &mockDeliverer{}
	q := New(d, Config{DeliveredKeys: 10})
	defer q.Close()

	rows := makeRows(15)
	require.Equal(t, 15, q.Enqueue(rows))
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)

	q.mu.Lock()
	assert.Len(t, q.delivered, 10)
	assert.Len(t, q.ring, 10)
	q.mu.Unlock()

	// the five oldest fingerprints were evicted, the newest ten still dedup
	assert.Equal(t, 0, q.Enqueue(rows[5:]))
	assert.Equal(t, 5, q.Enqueue(rows[:5]))
}

func TestFlush_Chunks(t *testing.T) {
	d := &mockDeliverer{}
	q := New(d, Config{ChunkSize: 200})
	defer q.Close()

	require.Equal(t, 450, q.Enqueue(makeRows(450)))
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)

	assert.Equal(t, []int{200, 200, 50}, d.chunkSizes())
}

func TestFlush_FailureThenSuccessDeliversExactlyOnce(t *testing.T) {
	var (
		q      *Queue
		mu     sync.Mutex
		delays []time.Duration
	)
	d := &mockDeliverer{
		onCall: func(int) {
			mu.Lock()
			delays = append(delays, q.Backoff())
			mu.Unlock()
		},
		fail: func(call int) error {
			if call <= 5 {
				return errSink
			}
			return nil
		},
	}
	q = New(d, Config{
		ChunkSize: 200,
		Backoff:   []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond},
	})
	defer q.Close()

	rows := makeRows(300)
	require.Equal(t, 300, q.Enqueue(rows))
	require.Eventually(t, func() bool { return q.Pending() == 0 }, 2*time.Second, time.Millisecond)

	got := d.acceptedRows()
	require.Len(t, got, 300)
	seen := make(map[string]int)
	for _, r := range got {
		seen[r.DedupKey()]++
	}
	for _, r := range rows {
		assert.Equal(t, 1, seen[r.DedupKey()], "row %s", r.TS)
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(delays), 6)
	assert.Equal(t, []time.Duration{
		0,
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
	}, delays[:6])
	for i := 1; i < 6; i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}
	assert.Equal(t, time.Duration(0), q.Backoff())
	assert.False(t, q.BackingOff())
}

func TestFlush_ConcurrentCallIsNoop(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d := &mockDeliverer{
		onCall: func(call int) {
			if call == 1 {
				started <- struct{}{}
				<-release
			}
		},
	}
	q := New(d, Config{})
	defer q.Close()

	q.Enqueue(makeRows(5))
	<-started

	res := q.Flush(context.Background())
	assert.True(t, res.InFlight)
	assert.Equal(t, 5, res.Pending)
	assert.Equal(t, 0, res.Delivered)

	close(release)
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)

	d.mu.Lock()
	assert.Len(t, d.calls, 1)
	d.mu.Unlock()
}

func TestFlush_ExplicitAfterClose(t *testing.T) {
	var fail = true
	var mu sync.Mutex
	d := &mockDeliverer{fail: func(int) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errSink
		}
		return nil
	}}
	q := New(d, Config{Backoff: []time.Duration{time.Hour}})

	q.Enqueue(makeRows(4))
	require.Eventually(t, q.BackingOff, time.Second, time.Millisecond)
	assert.Equal(t, time.Hour, q.Backoff())

	q.Close()
	assert.False(t, q.BackingOff())
	assert.Equal(t, 4, q.Pending(), "close keeps pending rows")

	mu.Lock()
	fail = false
	mu.Unlock()

	res := q.Flush(context.Background())
	assert.Equal(t, FlushResult{Pending: 0, Delivered: 4}, res)
}

type countingObserver struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (o *countingObserver) RecordSuccess() {
	o.mu.Lock()
	o.successes++
	o.mu.Unlock()
}

func (o *countingObserver) RecordFailure(error) {
	o.mu.Lock()
	o.failures++
	o.mu.Unlock()
}

func TestMetricsAndObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := &countingObserver{}
	d := &mockDeliverer{fail: func(call int) error {
		if call == 1 {
			return fmt.Errorf("HTTP 503: %w", errSink)
		}
		return nil
	}}
	q := New(d, Config{ChunkSize: 10, Backoff: []time.Duration{time.Millisecond}},
		WithMetrics(NewMetrics(reg)), WithObserver(obs))
	defer q.Close()

	rows := makeRows(15)
	q.Enqueue(rows)
	q.Enqueue(rows[:5])
	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.successes == 2
	}, time.Second, time.Millisecond)

	m := q.metrics
	assert.Equal(t, 15.0, testutil.ToFloat64(m.enqueued))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.duplicates))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.delivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pending))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.backoff))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.failures)
}
