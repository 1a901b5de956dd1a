// Package insight turns today's values and their baselines into deviations,
// badges and a readiness score.
package insight

import "github.com/nicktill/vitalsync/pkg/stats"

// PercentDelta returns (v-b)/b as a fraction. ok is false unless every input
// is finite and b > 0.
func PercentDelta(v, b float64) (float64, bool) {
	if !stats.IsFinite(v) || !stats.IsFinite(b) || b <= 0 {
		return 0, false
	}
	return (v - b) / b, true
}

// ZScore returns (v-b)/s. ok is false unless every input is finite and s > 0.
func ZScore(v, b, s float64) (float64, bool) {
	if !stats.IsFinite(v) || !stats.IsFinite(b) || !stats.IsFinite(s) || s <= 0 {
		return 0, false
	}
	return (v - b) / s, true
}

// DeltaPercent is the badge-rule deviation: (v-b)/b * 100, defined whenever
// both optional inputs are present and the result is finite.
func DeltaPercent(v, b *float64) (float64, bool) {
	if v == nil || b == nil || !stats.IsFinite(*v) || !stats.IsFinite(*b) {
		return 0, false
	}
	d := (*v - *b) / *b * 100
	if !stats.IsFinite(d) {
		return 0, false
	}
	return d, true
}
