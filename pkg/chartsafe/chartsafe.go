// Package chartsafe normalizes point series so a bounded chart renderer
// always receives at least two finite points and a non-empty value range.
package chartsafe

import (
	"math"
	"time"

	"github.com/nicktill/vitalsync/pkg/stats"
	"github.com/nicktill/vitalsync/pkg/vitals"
)

// minPoints is the shortest series a renderer can draw.
const minPoints = 2

// Point is one chart value with an optional axis label.
type Point struct {
	Value float64 `json:"value"`
	Label string  `json:"label,omitempty"`
}

// Series is a render-ready series. Max > Min always holds.
type Series struct {
	Points []Point `json:"points"`
	Max    float64 `json:"max"`
	Min    float64 `json:"min"`
}

// MakeSafe filters non-finite points, substitutes two fallback points when
// fewer than two remain, widens ranges narrower than 1 by 0.5 each side and
// floors Min at 0.
func MakeSafe(points []Point, fallback float64) Series {
	if !stats.IsFinite(fallback) {
		fallback = 0
	}

	safe := make([]Point, 0, len(points))
	for _, p := range points {
		if stats.IsFinite(p.Value) {
			safe = append(safe, p)
		}
	}
	if len(safe) < minPoints {
		safe = []Point{{Value: fallback}, {Value: fallback}}
	}

	values := make([]float64, len(safe))
	for i, p := range safe {
		values[i] = p.Value
	}
	lo, hi, _ := stats.MinMax(values)
	if !stats.IsFinite(hi - lo) {
		lo, hi = fallback-1, fallback+1
	}
	if hi-lo < 1 {
		hi += 0.5
		lo -= 0.5
	}

	min := math.Max(0, lo)
	max := hi
	if !(max > min) {
		max = math.Max(min+1, math.Nextafter(min, math.Inf(1)))
	}
	return Series{Points: safe, Max: max, Min: min}
}

// FromSamples labels each sample with its time formatted by layout.
func FromSamples(samples []vitals.Sample, layout string) []Point {
	out := make([]Point, len(samples))
	for i, s := range samples {
		out[i] = Point{Value: s.Value}
		if layout != "" {
			out[i].Label = s.Time.Format(layout)
		}
	}
	return out
}

// TimedPoint is a point on a time axis.
type TimedPoint struct {
	Time  time.Time `json:"t"`
	Value float64   `json:"v"`
}

// ResampleLinear returns n points evenly spaced in time between the first
// and last input points, linearly interpolating between the bracketing
// originals. Series of length <= n, or n < 2, are returned unchanged.
// Input must be ordered by time.
func ResampleLinear(series []TimedPoint, n int) []TimedPoint {
	if n < minPoints || len(series) <= n {
		return series
	}

	first, last := series[0], series[len(series)-1]
	span := last.Time.Sub(first.Time)
	if span <= 0 {
		return resampleByIndex(series, n)
	}

	out := make([]TimedPoint, n)
	j := 0
	for i := 0; i < n; i++ {
		var at time.Time
		switch i {
		case 0:
			out[i] = first
			continue
		case n - 1:
			out[i] = last
			continue
		default:
			at = first.Time.Add(time.Duration(float64(span) * float64(i) / float64(n-1)))
		}

		for j < len(series)-2 && !series[j+1].Time.After(at) {
			j++
		}
		a, b := series[j], series[j+1]
		frac := 0.0
		if gap := b.Time.Sub(a.Time); gap > 0 {
			frac = float64(at.Sub(a.Time)) / float64(gap)
		}
		out[i] = TimedPoint{Time: at, Value: a.Value + (b.Value-a.Value)*frac}
	}
	return out
}

// resampleByIndex spaces points evenly by position; used when every input
// point shares one timestamp.
func resampleByIndex(series []TimedPoint, n int) []TimedPoint {
	out := make([]TimedPoint, n)
	step := float64(len(series)-1) / float64(n-1)
	for i := 0; i < n; i++ {
		idx := float64(i) * step
		j := int(math.Floor(idx))
		if j > len(series)-1 {
			j = len(series) - 1
		}
		k := j + 1
		if k > len(series)-1 {
			k = len(series) - 1
		}
		frac := idx - float64(j)
		a, b := series[j], series[k]
		out[i] = TimedPoint{Time: a.Time, Value: a.Value + (b.Value-a.Value)*frac}
	}
	out[n-1] = series[len(series)-1]
	return out
}

// Recent smooths the minute buckets inside (now-span, now] into n points.
func Recent(buckets []vitals.MinuteBucket, now time.Time, span time.Duration, n int) []TimedPoint {
	from := now.Add(-span)
	pts := make([]TimedPoint, 0, len(buckets))
	for _, b := range buckets {
		if !b.Start.After(from) || b.Start.After(now) {
			continue
		}
		pts = append(pts, TimedPoint{Time: b.Start, Value: b.Mean})
	}
	return ResampleLinear(pts, n)
}

// Values strips the time axis.
func Values(series []TimedPoint) []Point {
	out := make([]Point, len(series))
	for i, p := range series {
		out[i] = Point{Value: p.Value}
	}
	return out
}
