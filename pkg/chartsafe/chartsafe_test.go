package chartsafe

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitalsync/pkg/vitals"
)

func vals(vs ...float64) []Point {
	out := make([]Point, len(vs))
	for i, v := range vs {
		out[i] = Point{Value: v}
	}
	return out
}

func TestMakeSafe_AlwaysDrawable(t *testing.T) {
	nan, inf := math.NaN(), math.Inf(1)
	inputs := map[string][]Point{
		"empty":         nil,
		"single":        vals(72),
		"all equal":     vals(60, 60, 60),
		"all nonfinite": vals(nan, inf, math.Inf(-1)),
		"mixed":         vals(nan, 70, inf, 75),
		"negative":      vals(-5, -4.5),
		"zero":          vals(0, 0),
		"huge":          vals(1e20, 1e20),
		"wide":          vals(40, 180),
	}

	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			s := MakeSafe(in, 60)
			require.GreaterOrEqual(t, len(s.Points), 2)
			for _, p := range s.Points {
				assert.False(t, math.IsNaN(p.Value) || math.IsInf(p.Value, 0))
			}
			assert.Greater(t, s.Max, s.Min)
			assert.GreaterOrEqual(t, s.Min, 0.0)
		})
	}
}

func TestMakeSafe_Fallback(t *testing.T) {
	s := MakeSafe(vals(math.NaN()), 60)
	assert.Equal(t, vals(60, 60), s.Points)
	assert.Equal(t, 60.5, s.Max)
	assert.Equal(t, 59.5, s.Min)
}

func TestMakeSafe_KeepsRealRange(t *testing.T) {
	s := MakeSafe(vals(55, math.NaN(), 90), 60)
	assert.Equal(t, vals(55, 90), s.Points)
	assert.Equal(t, 90.0, s.Max)
	assert.Equal(t, 55.0, s.Min)
}

func TestMakeSafe_FloorsAtZero(t *testing.T) {
	s := MakeSafe(vals(0.2, 0.4), 60)
	assert.Equal(t, 0.0, s.Min)
	assert.InDelta(t, 0.9, s.Max, 1e-9)
}

var base = time.Date(2025, 8, 22, 12, 0, 0, 0, time.UTC)

func timed(step time.Duration, vs ...float64) []TimedPoint {
	out := make([]TimedPoint, len(vs))
	for i, v := range vs {
		out[i] = TimedPoint{Time: base.Add(time.Duration(i) * step), Value: v}
	}
	return out
}

func TestResampleLinear_ShortInputUnchanged(t *testing.T) {
	in := timed(time.Minute, 1, 2, 3)
	assert.Equal(t, in, ResampleLinear(in, 3))
	assert.Equal(t, in, ResampleLinear(in, 10))
	assert.Equal(t, in, ResampleLinear(in, 1))
}

func TestResampleLinear_EndpointsAndCount(t *testing.T) {
	in := timed(time.Minute, 10, 20, 30, 40, 50, 60, 70, 80, 90)
	for _, n := range []int{2, 3, 5, 8} {
		out := ResampleLinear(in, n)
		require.Len(t, out, n)
		assert.Equal(t, in[0], out[0])
		assert.Equal(t, in[len(in)-1], out[n-1])
	}
}

func TestResampleLinear_InterpolatesInTime(t *testing.T) {
	// uneven spacing: 0m, 1m, 2m, 10m
	in := []TimedPoint{
		{Time: base, Value: 0},
		{Time: base.Add(time.Minute), Value: 10},
		{Time: base.Add(2 * time.Minute), Value: 20},
		{Time: base.Add(10 * time.Minute), Value: 100},
	}
	out := ResampleLinear(in, 3)
	require.Len(t, out, 3)

	assert.Equal(t, base.Add(5*time.Minute), out[1].Time)
	assert.InDelta(t, 50.0, out[1].Value, 1e-9)
}

func TestResampleLinear_SameTimestamp(t *testing.T) {
	in := []TimedPoint{
		{Time: base, Value: 1},
		{Time: base, Value: 3},
		{Time: base, Value: 5},
	}
	out := ResampleLinear(in, 2)
	require.Len(t, out, 2)
	assert.Equal(t, 1.0, out[0].Value)
	assert.Equal(t, 5.0, out[1].Value)
}

func TestRecent(t *testing.T) {
	now := base.Add(time.Hour)
	var buckets []vitals.MinuteBucket
	for i := 0; i < 60; i++ {
		buckets = append(buckets, vitals.MinuteBucket{Start: base.Add(time.Duration(i) * time.Minute), Mean: float64(i)})
	}

	out := Recent(buckets, now, 30*time.Minute, 10)
	require.Len(t, out, 10)
	assert.Equal(t, base.Add(31*time.Minute), out[0].Time)
	assert.Equal(t, 59.0, out[9].Value)

	assert.Len(t, Values(out), 10)
}

func TestFromSamples(t *testing.T) {
	pts := FromSamples([]vitals.Sample{{Time: base, Value: 61}}, "15:04")
	assert.Equal(t, []Point{{Value: 61, Label: "12:00"}}, pts)
}
