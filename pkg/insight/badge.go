package insight

import (
	"fmt"

	"github.com/nicktill/vitalsync/pkg/baseline"
)

// Badge is the coarse training recommendation.
type Badge string

const (
	Recover  Badge = "RECOVER"
	Maintain Badge = "MAINTAIN"
	Train    Badge = "TRAIN"
)

const (
	reasonNoData = "No data yet"
	reasonNormal = "Within normal range"
)

// Heart-rate badge thresholds, in percent of baseline.
const (
	RHRHighPct = 5.0
	RHRLowPct  = -3.0
)

// HRV badge thresholds, in percent of baseline. Higher HRV is better.
const (
	HRVLowPct  = -5.0
	HRVHighPct = 3.0
)

// Decision is a badge with the reason shown next to it.
type Decision struct {
	Badge  Badge  `json:"badge"`
	Reason string `json:"reason"`
}

// DecideHeartRate classifies the last day's resting heart rate against its
// baseline. days and points must be index-aligned (see baseline.Rolling).
func DecideHeartRate(days []baseline.Day, points []baseline.Point) Decision {
	if len(days) == 0 {
		return Decision{Badge: Maintain, Reason: reasonNoData}
	}

	dp, okToday := deltaAt(days, points, len(days)-1)
	prev, okPrev := deltaAt(days, points, len(days)-2)

	high := func(v float64, ok bool) bool { return ok && v >= RHRHighPct }
	low := func(v float64, ok bool) bool { return ok && v <= RHRLowPct }

	// Equivalent to high(today) alone; the two-day conjunction is redundant.
	if (high(dp, okToday) && high(prev, okPrev)) || high(dp, okToday) {
		return Decision{Badge: Recover, Reason: fmt.Sprintf("RHR %.1f%% above baseline", dp)}
	}
	if low(dp, okToday) {
		return Decision{Badge: Train, Reason: fmt.Sprintf("RHR %.1f%% below baseline", dp)}
	}
	return Decision{Badge: Maintain, Reason: reasonNormal}
}

// DecideHRV classifies the last day's HRV against its baseline.
func DecideHRV(days []baseline.Day, points []baseline.Point) Decision {
	if len(days) == 0 {
		return Decision{Badge: Maintain, Reason: reasonNoData}
	}

	dp, ok := deltaAt(days, points, len(days)-1)
	switch {
	case ok && dp <= HRVLowPct:
		return Decision{Badge: Recover, Reason: fmt.Sprintf("HRV %.1f%% below baseline", dp)}
	case ok && dp >= HRVHighPct:
		return Decision{Badge: Train, Reason: fmt.Sprintf("HRV %.1f%% above baseline", dp)}
	default:
		return Decision{Badge: Maintain, Reason: reasonNormal}
	}
}

// TodayDelta returns the last day's percent deviation from its baseline.
func TodayDelta(days []baseline.Day, points []baseline.Point) (float64, bool) {
	return deltaAt(days, points, len(days)-1)
}

func deltaAt(days []baseline.Day, points []baseline.Point, i int) (float64, bool) {
	if i < 0 || i >= len(days) || i >= len(points) {
		return 0, false
	}
	return DeltaPercent(days[i].Value, points[i].Baseline)
}
