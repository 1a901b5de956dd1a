package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/checkpoint"
	"github.com/nicktill/vitalsync/pkg/dashboard"
	"github.com/nicktill/vitalsync/pkg/ingest"
	"github.com/nicktill/vitalsync/pkg/ingest/auto"
	"github.com/nicktill/vitalsync/pkg/ingest/queue"
	"github.com/nicktill/vitalsync/pkg/server/monitor"
	"github.com/nicktill/vitalsync/pkg/source"
	"github.com/nicktill/vitalsync/pkg/vitals"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type sink struct {
	mu   sync.Mutex
	rows []ingest.MetricRow
	fail error
}

func (s *sink) Deliver(ctx context.Context, rows []ingest.MetricRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.rows = append(s.rows, rows...)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type testAgent struct {
	router   http.Handler
	src      *source.Static
	sink     *sink
	queue    *queue.Queue
	sched    *auto.Scheduler
	delivery *monitor.DeliveryMonitor
}

func newTestAgent(t *testing.T) *testAgent {
	t.Helper()

	src := source.NewStatic(map[vitals.Metric][]vitals.Sample{
		vitals.HeartRate: {
			{Time: now.Add(-2 * time.Minute), Value: 61},
			{Time: now.Add(-time.Minute), Value: 63},
		},
	})
	guard := source.NewGuard(src)
	reg := prometheus.NewRegistry()
	delivery := monitor.NewDeliveryMonitor()
	sk := &sink{}

	q := queue.New(sk, queue.Config{}, queue.WithObserver(delivery), queue.WithMetrics(queue.NewMetrics(reg)))
	t.Cleanup(q.Close)

	tracker := checkpoint.NewTracker(checkpoint.NewMemory())
	tracker.Now = func() time.Time { return now }
	sched := auto.New(guard, tracker, q, auto.Config{
		Context: ingest.Context{UserID: "u_test", Source: ingest.SourceDemo},
	}, auto.WithClock(func() time.Time { return now }), auto.WithRegisterer(reg))
	t.Cleanup(sched.Stop)

	dash := dashboard.New(guard, dashboard.Config{Location: time.UTC}, dashboard.WithClock(func() time.Time { return now }))

	router := NewRouter(Deps{
		Queue:      q,
		Scheduler:  sched,
		Insights:   dash,
		Delivery:   delivery,
		Gatherer:   reg,
		Registerer: reg,
		Logger:     zap.NewNop(),
		Version:    "test",
	})
	return &testAgent{router: router, src: src, sink: sk, queue: q, sched: sched, delivery: delivery}
}

func (a *testAgent) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "idle", resp.Scheduler.State)
	assert.False(t, resp.Scheduler.Active)
	assert.True(t, resp.Delivery.Healthy)
}

func TestHealthDegradedAfterRepeatedFailures(t *testing.T) {
	a := newTestAgent(t)
	for i := 0; i <= monitor.MaxConsecutiveFailures; i++ {
		a.delivery.RecordFailure(errors.New("relay down"))
	}

	rec := a.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestTriggerDeliversAndDebounces(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodPost, "/v1/ingest/trigger", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TriggerResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Results, len(vitals.All))
	assert.Equal(t, auto.ResultOK, resp.Results[0].Result)
	assert.Equal(t, 2, resp.Results[0].Enqueued)

	require.Eventually(t, func() bool { return a.sink.count() == 2 }, time.Second, 5*time.Millisecond)

	rec = a.do(t, http.MethodPost, "/v1/ingest/trigger", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestFlush(t *testing.T) {
	a := newTestAgent(t)
	rec := a.do(t, http.MethodPost, "/v1/ingest/flush", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res queue.FlushResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Zero(t, res.Pending)
}

func TestActivity(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodPost, "/v1/activity", map[string]bool{"active": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, a.sched.Active())
	require.Eventually(t, func() bool { return a.src.Calls(vitals.HeartRate) == 1 }, time.Second, 5*time.Millisecond)

	rec = a.do(t, http.MethodPost, "/v1/activity", map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, a.sched.Active())

	rec = a.do(t, http.MethodPost, "/v1/activity", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInsightsAndRefresh(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodGet, "/v1/insights", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap dashboard.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.False(t, snap.Stale)
	require.NotNil(t, snap.HeartRate.Latest)
	assert.Equal(t, 63.0, snap.HeartRate.Latest.Value)

	rec = a.do(t, http.MethodPost, "/v1/refresh?days=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.True(t, snap.Stale, "refresh inside the debounce interval returns the cached snapshot")

	rec = a.do(t, http.MethodPost, "/v1/refresh?days=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorize(t *testing.T) {
	a := newTestAgent(t)
	a.src.FailAuthorize(errors.New("declined"))

	rec := a.do(t, http.MethodPost, "/v1/authorize", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	a.src.FailAuthorize(nil)
	rec = a.do(t, http.MethodPost, "/v1/authorize", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAgent(t)
	a.sched.RunOnce(context.Background())

	rec := a.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "vitalsync_queue_enqueued_rows_total")
	assert.Contains(t, body, `vitalsync_poll_cycles_total{metric="heart_rate",result="ok"} 1`)

	rec = a.do(t, http.MethodGet, "/metrics", nil)
	assert.Contains(t, rec.Body.String(), `vitalsync_http_requests_total{method="GET",path="/metrics",status="200"} 1`)
}

func TestCORS(t *testing.T) {
	a := newTestAgent(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type fakeChecker struct{ ok atomic.Bool }

func (f *fakeChecker) Health(ctx context.Context) bool { return f.ok.Load() }

func TestRelayProbe(t *testing.T) {
	checker := &fakeChecker{}
	probe := NewRelayProbe(checker, zap.NewNop())

	assert.False(t, probe.Check(context.Background()))
	assert.False(t, probe.Check(context.Background()))
	status := probe.Status()
	assert.False(t, status.Reachable)
	assert.Equal(t, 2, status.Failures)
	assert.NotEmpty(t, status.LastChecked)

	checker.ok.Store(true)
	assert.True(t, probe.Check(context.Background()))
	assert.Equal(t, ProbeStatus{Reachable: true, LastChecked: probe.Status().LastChecked}, probe.Status())
}

type countingGC struct{ runs atomic.Int32 }

func (c *countingGC) RunGC(float64) error {
	c.runs.Add(1)
	return nil
}

func TestRunCheckpointGC(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gc := &countingGC{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunCheckpointGC(ctx, gc, 5*time.Millisecond, nil)
	}()

	require.Eventually(t, func() bool { return gc.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestIsLocalOrigin(t *testing.T) {
	assert.True(t, isLocalOrigin("http://127.0.0.1:8788"))
	assert.False(t, isLocalOrigin("http://localhost:"))
	assert.False(t, isLocalOrigin(strings.Repeat("x", 3)))
}
