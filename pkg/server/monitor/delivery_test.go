package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryMonitor_HealthyBeforeFirstAttempt(t *testing.T) {
	dm := NewDeliveryMonitor()
	assert.True(t, dm.IsHealthy())

	status := dm.Status()
	assert.True(t, status.Healthy)
	assert.Zero(t, status.DeliveredChunks)
	assert.Empty(t, status.LastSuccess)
	assert.Empty(t, status.LastAttempt)
}

func TestDeliveryMonitor_ConsecutiveFailures(t *testing.T) {
	dm := NewDeliveryMonitor()
	for i := 0; i < MaxConsecutiveFailures; i++ {
		dm.RecordFailure(errors.New("relay returned 503"))
	}
	assert.True(t, dm.IsHealthy())

	dm.RecordFailure(errors.New("relay returned 503"))
	assert.False(t, dm.IsHealthy())

	status := dm.Status()
	assert.False(t, status.Healthy)
	assert.Equal(t, MaxConsecutiveFailures+1, status.ConsecutiveErrors)
	assert.Equal(t, "relay returned 503", status.LastError)
}

func TestDeliveryMonitor_SuccessResets(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	dm := NewDeliveryMonitor()
	dm.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		dm.RecordFailure(errors.New("timeout"))
	}
	dm.RecordSuccess()
	now = now.Add(90 * time.Second)

	status := dm.Status()
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, status.DeliveredChunks)
	assert.Zero(t, status.ConsecutiveErrors)
	assert.Empty(t, status.LastError)
	assert.Equal(t, "2026-03-10T12:00:00Z", status.LastSuccess)
	assert.Equal(t, "1m30s", status.TimeSinceSuccess)
}
