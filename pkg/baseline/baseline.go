// Package baseline computes trailing per-day baselines. The window for day i
// covers only days strictly before i, so a day's own value never feeds its
// own baseline.
package baseline

import (
	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/daily"
	"github.com/nicktill/vitalsync/pkg/stats"
)

// Day is one input value. Value is nil when the day has no representative
// value.
type Day struct {
	Date  string
	Value *float64
}

// Point is the baseline for Date. Baseline is nil when no prior day in the
// window had a value; Sigma is nil when fewer than two did.
type Point struct {
	Date     string   `json:"date"`
	Baseline *float64 `json:"baseline,omitempty"`
	Sigma    *float64 `json:"sigma,omitempty"`
}

// Rolling returns one Point per input day, aligned by index. window <= 0
// selects the default of 28 days.
func Rolling(days []Day, window int) []Point {
	if window <= 0 {
		window = config.BaselineWindowDays
	}

	out := make([]Point, len(days))
	for i, d := range days {
		start := i - window
		if start < 0 {
			start = 0
		}

		prior := make([]float64, 0, i-start)
		for _, p := range days[start:i] {
			if p.Value != nil && stats.IsFinite(*p.Value) {
				prior = append(prior, *p.Value)
			}
		}

		pt := Point{Date: d.Date}
		if m, ok := stats.Median(prior); ok {
			pt.Baseline = &m
		}
		if s, ok := stats.StdDev(prior); ok {
			pt.Sigma = &s
		}
		out[i] = pt
	}
	return out
}

// FromSummaries adapts daily summaries, using each day's resting value.
func FromSummaries(summaries []daily.Summary) []Day {
	out := make([]Day, len(summaries))
	for i, s := range summaries {
		out[i] = Day{Date: s.Date, Value: s.Resting}
	}
	return out
}

// Last returns the final point, or false for an empty series.
func Last(points []Point) (Point, bool) {
	if len(points) == 0 {
		return Point{}, false
	}
	return points[len(points)-1], true
}
