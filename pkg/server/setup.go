// Package server is the agent's local status API: health, insights, manual
// ingestion controls and Prometheus metrics.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/dashboard"
	"github.com/nicktill/vitalsync/pkg/httpx"
	"github.com/nicktill/vitalsync/pkg/ingest/auto"
	"github.com/nicktill/vitalsync/pkg/ingest/queue"
	"github.com/nicktill/vitalsync/pkg/server/monitor"
)

// IngestQueue is the queue surface the API reports on and flushes.
type IngestQueue interface {
	Pending() int
	Backoff() time.Duration
	BackingOff() bool
	Flush(ctx context.Context) queue.FlushResult
}

// Scheduler is the auto-ingestion surface the API drives.
type Scheduler interface {
	State() auto.State
	Active() bool
	SetActive(active bool)
	Trigger(ctx context.Context) ([]auto.MetricResult, error)
	LastCycle() []auto.MetricResult
	Reauthorize(ctx context.Context) error
}

// Insights produces dashboard snapshots.
type Insights interface {
	Refresh(ctx context.Context, days int) (dashboard.Snapshot, error)
	Last() (dashboard.Snapshot, bool)
}

// Deps are the components behind the API. Probe, Gatherer and Registerer
// are optional.
type Deps struct {
	Queue      IngestQueue
	Scheduler  Scheduler
	Insights   Insights
	Delivery   *monitor.DeliveryMonitor
	Probe      *RelayProbe
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer // request metrics
	Logger     *zap.Logger
	Version    string
}

// SetupRoutes registers every agent endpoint on router.
func SetupRoutes(router *mux.Router, d Deps) {
	router.Use(corsMiddleware)
	if d.Registerer != nil {
		router.Use(httpx.Middleware(d.Registerer, d.Logger))
	}

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/health", handleHealth(d)).Methods(http.MethodGet)
	api.HandleFunc("/insights", handleInsights(d.Insights)).Methods(http.MethodGet)
	api.HandleFunc("/refresh", handleRefresh(d.Insights)).Methods(http.MethodPost)
	api.HandleFunc("/ingest/trigger", handleTrigger(d.Scheduler, d.Queue)).Methods(http.MethodPost)
	api.HandleFunc("/ingest/flush", handleFlush(d.Queue)).Methods(http.MethodPost)
	api.HandleFunc("/activity", handleActivity(d.Scheduler)).Methods(http.MethodPost)
	api.HandleFunc("/authorize", handleAuthorize(d.Scheduler)).Methods(http.MethodPost)

	if d.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// preflight requests must match a route for the middleware to run
	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// NewRouter returns a router with every agent endpoint.
func NewRouter(d Deps) *mux.Router {
	router := mux.NewRouter()
	SetupRoutes(router, d)
	return router
}

// corsMiddleware allows local browser origins only.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost:", "http://127.0.0.1:"} {
		if len(origin) > len(prefix) && strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
