package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 8, 22, 12, 0, 0, 0, time.UTC)

func newTracker(s Store) *Tracker {
	return &Tracker{Store: s, Lookback: 48 * time.Hour, Now: func() time.Time { return now }}
}

func TestEncodeDecode(t *testing.T) {
	local := time.Date(2025, 8, 22, 14, 30, 0, 500_000_000, time.FixedZone("CEST", 2*3600))
	s := Encode(local)
	assert.Equal(t, "2025-08-22T12:30:00.5Z", s)

	back, err := Decode(s)
	require.NoError(t, err)
	assert.True(t, back.Equal(local))

	_, err = Decode("yesterday")
	assert.True(t, errors.Is(err, ErrInvalid))

	assert.Equal(t, "lastTs:heart_rate", Key("heart_rate"))
}

func TestTracker_SinceDefaultsToLookback(t *testing.T) {
	tr := newTracker(NewMemory())

	since, err := tr.Since(context.Background(), "heart_rate")
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), since)
}

func TestTracker_SinceIgnoresInvalidValue(t *testing.T) {
	mem := NewMemory()
	mem.SetRaw("spo2", "not-a-time")
	tr := newTracker(mem)

	since, err := tr.Since(context.Background(), "spo2")
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), since)

	advanced, err := tr.Advance(context.Background(), "spo2", now)
	require.NoError(t, err)
	assert.True(t, advanced)
}

func TestTracker_AdvanceNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(NewMemory())

	advanced, err := tr.Advance(ctx, "heart_rate", now)
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = tr.Advance(ctx, "heart_rate", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, advanced)

	advanced, err = tr.Advance(ctx, "heart_rate", now)
	require.NoError(t, err)
	assert.False(t, advanced)

	since, err := tr.Since(ctx, "heart_rate")
	require.NoError(t, err)
	assert.True(t, since.Equal(now))

	// metrics are independent
	since, err = tr.Since(ctx, "hrv")
	require.NoError(t, err)
	assert.Equal(t, now.Add(-48*time.Hour), since)
}

func TestMemory_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mem := NewMemory()
	assert.ErrorIs(t, mem.Set(ctx, "hrv", now), context.Canceled)

	_, err := newTracker(mem).Since(ctx, "hrv")
	assert.ErrorIs(t, err, context.Canceled)
}
