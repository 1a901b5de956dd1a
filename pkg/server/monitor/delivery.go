package monitor

import (
	"sync"
	"time"
)

// MaxConsecutiveFailures is the number of failed chunk deliveries in a row
// after which the sink is reported unhealthy.
const MaxConsecutiveFailures = 3

// DeliveryMonitor tracks chunk delivery outcomes reported by the ingestion
// queue.
type DeliveryMonitor struct {
	mu                sync.RWMutex
	now               func() time.Time
	lastSuccess       time.Time
	lastAttempt       time.Time
	delivered         int
	consecutiveErrors int
	lastError         string
}

// NewDeliveryMonitor creates a monitor with no recorded attempts.
func NewDeliveryMonitor() *DeliveryMonitor {
	return &DeliveryMonitor{now: time.Now}
}

// RecordSuccess records an accepted chunk.
func (dm *DeliveryMonitor) RecordSuccess() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	now := dm.now()
	dm.lastSuccess = now
	dm.lastAttempt = now
	dm.delivered++
	dm.consecutiveErrors = 0
	dm.lastError = ""
}

// RecordFailure records a rejected or failed chunk.
func (dm *DeliveryMonitor) RecordFailure(err error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.lastAttempt = dm.now()
	dm.consecutiveErrors++
	if err != nil {
		dm.lastError = err.Error()
	}
}

// IsHealthy reports false once more than MaxConsecutiveFailures deliveries
// have failed in a row. An agent that has not delivered anything yet is
// healthy.
func (dm *DeliveryMonitor) IsHealthy() bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.healthyLocked()
}

func (dm *DeliveryMonitor) healthyLocked() bool {
	return dm.consecutiveErrors <= MaxConsecutiveFailures
}

// DeliveryStatus is the delivery section of the agent health report.
type DeliveryStatus struct {
	Healthy           bool   `json:"healthy"`
	DeliveredChunks   int    `json:"delivered_chunks"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current delivery status.
func (dm *DeliveryMonitor) Status() DeliveryStatus {
	dm.mu.RLock()
	defer dm.mu.RUnlock()

	status := DeliveryStatus{
		Healthy:         dm.healthyLocked(),
		DeliveredChunks: dm.delivered,
	}

	if !dm.lastSuccess.IsZero() {
		status.LastSuccess = dm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = dm.now().Sub(dm.lastSuccess).Round(time.Second).String()
	}
	if !dm.lastAttempt.IsZero() {
		status.LastAttempt = dm.lastAttempt.Format(time.RFC3339)
	}
	if dm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = dm.consecutiveErrors
		status.LastError = dm.lastError
	}
	return status
}
