package insight

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitalsync/pkg/baseline"
)

func ptr(v float64) *float64 { return &v }

func TestPercentDeltaAndZScore(t *testing.T) {
	d, ok := PercentDelta(110, 100)
	require.True(t, ok)
	assert.InDelta(t, 0.10, d, 1e-12)

	_, ok = PercentDelta(110, 0)
	assert.False(t, ok)
	_, ok = PercentDelta(math.NaN(), 100)
	assert.False(t, ok)

	z, ok := ZScore(70, 60, 5)
	require.True(t, ok)
	assert.Equal(t, 2.0, z)

	_, ok = ZScore(70, 60, 0)
	assert.False(t, ok)
	_, ok = ZScore(70, math.Inf(1), 5)
	assert.False(t, ok)

	_, ok = DeltaPercent(nil, ptr(60))
	assert.False(t, ok)
	_, ok = DeltaPercent(ptr(60), ptr(0))
	assert.False(t, ok)
}

func hrDays(values ...*float64) []baseline.Day {
	days := make([]baseline.Day, len(values))
	for i, v := range values {
		days[i] = baseline.Day{Date: "d", Value: v}
	}
	return days
}

func points(bases ...*float64) []baseline.Point {
	out := make([]baseline.Point, len(bases))
	for i, b := range bases {
		out[i] = baseline.Point{Date: "d", Baseline: b}
	}
	return out
}

func TestDecideHeartRate(t *testing.T) {
	tests := []struct {
		name   string
		days   []baseline.Day
		points []baseline.Point
		want   Decision
	}{
		{
			name: "no data",
			want: Decision{Badge: Maintain, Reason: "No data yet"},
		},
		{
			name:   "high today alone is enough",
			days:   hrDays(ptr(60), ptr(63.72)),
			points: points(ptr(60), ptr(60)),
			want:   Decision{Badge: Recover, Reason: "RHR 6.2% above baseline"},
		},
		{
			name:   "high both days",
			days:   hrDays(ptr(66), ptr(66)),
			points: points(ptr(60), ptr(60)),
			want:   Decision{Badge: Recover, Reason: "RHR 10.0% above baseline"},
		},
		{
			name:   "low today",
			days:   hrDays(ptr(57.96)),
			points: points(ptr(60)),
			want:   Decision{Badge: Train, Reason: "RHR -3.4% below baseline"},
		},
		{
			name:   "within range",
			days:   hrDays(ptr(61)),
			points: points(ptr(60)),
			want:   Decision{Badge: Maintain, Reason: "Within normal range"},
		},
		{
			name:   "no baseline yet",
			days:   hrDays(ptr(80)),
			points: points(nil),
			want:   Decision{Badge: Maintain, Reason: "Within normal range"},
		},
		{
			name:   "missing resting value today",
			days:   hrDays(ptr(70), nil),
			points: points(ptr(60), ptr(60)),
			want:   Decision{Badge: Maintain, Reason: "Within normal range"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecideHeartRate(tt.days, tt.points))
		})
	}
}

func TestDecideHRV(t *testing.T) {
	assert.Equal(t, Maintain, DecideHRV(nil, nil).Badge)

	got := DecideHRV(hrDays(ptr(47)), points(ptr(50)))
	assert.Equal(t, Decision{Badge: Recover, Reason: "HRV -6.0% below baseline"}, got)

	got = DecideHRV(hrDays(ptr(52)), points(ptr(50)))
	assert.Equal(t, Decision{Badge: Train, Reason: "HRV 4.0% above baseline"}, got)

	got = DecideHRV(hrDays(ptr(49)), points(ptr(50)))
	assert.Equal(t, Maintain, got.Badge)
}

func TestTodayDelta(t *testing.T) {
	d, ok := TodayDelta(hrDays(ptr(66)), points(ptr(60)))
	require.True(t, ok)
	assert.InDelta(t, 10.0, d, 1e-9)

	_, ok = TodayDelta(nil, nil)
	assert.False(t, ok)
}

func ref(b, s float64) Reference { return Reference{Baseline: ptr(b), Sigma: ptr(s)} }

func TestReadiness_HRVOnePositiveSigma(t *testing.T) {
	today := Today{
		HRV:             ptr(60),
		RHR:             ptr(55),
		SleepMinutes:    ptr(420),
		SleepEfficiency: ptr(0.9),
		Respiratory:     ptr(14),
		Strain:          ptr(10),
		Base: map[Driver]Reference{
			DriverHRV:             ref(50, 10),
			DriverRHR:             ref(55, 3),
			DriverSleepDuration:   ref(420, 30),
			DriverSleepEfficiency: ref(0.9, 0.05),
			DriverRespiratory:     ref(14, 1),
			DriverStrain:          ref(10, 2),
		},
	}

	res := Readiness(today)
	assert.Equal(t, 62.5, res.Score)
	assert.Equal(t, Maintain, res.Badge)
	assert.Equal(t, "HRV +1.0σ", res.Reason)
	require.Len(t, res.Drivers, 6)
	assert.Equal(t, DriverHRV, res.Drivers[0].Driver)
	assert.Equal(t, 12.5, res.Drivers[0].Points)
	for _, c := range res.Drivers[1:] {
		assert.Equal(t, 0.0, c.Points, c.Driver)
	}
}

func TestReadiness_Clamping(t *testing.T) {
	today := Today{
		HRV:          ptr(0),
		RHR:          ptr(100),
		SleepMinutes: ptr(100),
		Base: map[Driver]Reference{
			DriverHRV:           ref(50, 5),
			DriverRHR:           ref(50, 5),
			DriverSleepDuration: ref(400, 0),
		},
	}

	res := Readiness(today)
	require.Len(t, res.Drivers, 3)
	assert.Equal(t, -25.0, res.Drivers[0].Points)
	assert.Equal(t, -20.0, res.Drivers[1].Points)
	assert.Equal(t, -20.0, res.Drivers[2].Points)
	assert.Equal(t, "Sleep -75%", res.Drivers[2].Reason)
	assert.Equal(t, 0.0, res.Score)
	assert.Equal(t, Recover, res.Badge)
	assert.Equal(t, "HRV -10.0σ", res.Reason)
}

func TestReadiness_Train(t *testing.T) {
	today := Today{
		HRV:             ptr(70),
		SleepEfficiency: ptr(0.99),
		Base: map[Driver]Reference{
			DriverHRV:             ref(50, 10),
			DriverSleepEfficiency: ref(0.9, 0),
		},
	}

	res := Readiness(today)
	assert.InDelta(t, 85.0, res.Score, 1e-9)
	assert.Equal(t, Train, res.Badge)
	assert.Equal(t, "HRV +2.0σ", res.Reason)
}

func TestReadiness_TieKeepsDeclarationOrder(t *testing.T) {
	// rhr -1σ gives +10 and strain +2σ gives -10; equal magnitudes keep rhr first
	today := Today{
		RHR:    ptr(50),
		Strain: ptr(14),
		Base: map[Driver]Reference{
			DriverRHR:    ref(55, 5),
			DriverStrain: ref(10, 2),
		},
	}
	res := Readiness(today)
	require.Len(t, res.Drivers, 2)
	assert.Equal(t, 10.0, res.Drivers[0].Points)
	assert.Equal(t, -10.0, res.Drivers[1].Points)
	assert.Equal(t, "RHR -1.0σ", res.Reason)
	assert.Equal(t, 50.0, res.Score)
}

func TestReadiness_NoDrivers(t *testing.T) {
	res := Readiness(Today{HRV: ptr(50)})
	assert.Equal(t, Result{Score: 50, Badge: Maintain, Reason: "No data yet"}, res)
}
