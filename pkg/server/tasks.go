package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/logging"
)

// GarbageCollector reclaims space in an embedded store.
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// RunCheckpointGC runs value log GC on the checkpoint store every interval
// until ctx is done.
func RunCheckpointGC(ctx context.Context, gc GarbageCollector, interval time.Duration, logger *zap.Logger) {
	log := logging.OrNop(logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := gc.RunGC(0.5); err != nil {
				log.Warn("checkpoint GC failed", zap.Error(err))
				continue
			}
			log.Debug("checkpoint GC completed", zap.Duration("took", time.Since(start)))
		}
	}
}

// HealthChecker answers whether the relay is reachable.
type HealthChecker interface {
	Health(ctx context.Context) bool
}

// ProbeStatus is the last relay probe outcome.
type ProbeStatus struct {
	Reachable   bool   `json:"reachable"`
	LastChecked string `json:"last_checked,omitempty"`
	Failures    int    `json:"consecutive_failures,omitempty"`
}

// RelayProbe polls the relay health endpoint. Repeated failures are logged
// with exponential spacing so an outage does not flood the log.
type RelayProbe struct {
	checker HealthChecker
	log     *zap.Logger

	mu          sync.RWMutex
	reachable   bool
	lastChecked time.Time
	failures    int
	lastLogged  time.Time
}

// NewRelayProbe creates a probe for checker.
func NewRelayProbe(checker HealthChecker, logger *zap.Logger) *RelayProbe {
	return &RelayProbe{checker: checker, log: logging.OrNop(logger)}
}

// Run probes at once and then every interval until ctx is done.
func (p *RelayProbe) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// maxLogSpacing caps the gap between logged probe failures.
const maxLogSpacing = 5 * time.Minute

// Check probes once and records the outcome.
func (p *RelayProbe) Check(ctx context.Context) bool {
	ok := p.checker.Health(ctx)
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastChecked = now
	p.reachable = ok

	if ok {
		if p.failures > 0 {
			p.log.Info("relay reachable again", zap.Int("failed_probes", p.failures))
		}
		p.failures = 0
		return true
	}

	p.failures++
	// 1s, 2s, 4s ... capped
	spacing := time.Duration(1<<uint(min(p.failures-1, 8))) * time.Second
	if spacing > maxLogSpacing {
		spacing = maxLogSpacing
	}
	if p.lastLogged.IsZero() || now.Sub(p.lastLogged) >= spacing {
		p.log.Warn("relay unreachable", zap.Int("consecutive_failures", p.failures))
		p.lastLogged = now
	}
	return false
}

// Status returns the last probe outcome.
func (p *RelayProbe) Status() ProbeStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status := ProbeStatus{Reachable: p.reachable, Failures: p.failures}
	if !p.lastChecked.IsZero() {
		status.LastChecked = p.lastChecked.Format(time.RFC3339)
	}
	return status
}
