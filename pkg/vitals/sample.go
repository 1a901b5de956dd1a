// Package vitals defines the canonical sample model shared by every
// aggregation, mapping and charting component.
package vitals

import (
	"fmt"
	"sort"
	"time"

	"github.com/nicktill/vitalsync/pkg/stats"
)

// Metric identifies a physiological signal.
type Metric string

const (
	HeartRate Metric = "heart_rate"
	SpO2      Metric = "spo2"
	HRV       Metric = "hrv"
)

// All lists the metrics the agent ingests, in polling order.
var All = []Metric{HeartRate, SpO2, HRV}

// Unit returns the wire unit for m.
func (m Metric) Unit() string {
	switch m {
	case HeartRate:
		return "bpm"
	case SpO2:
		return "%"
	case HRV:
		return "ms"
	default:
		return ""
	}
}

// ParseMetric maps a metric name to a known Metric.
func ParseMetric(name string) (Metric, error) {
	for _, m := range All {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metric %q", name)
}

// Sample is a single timestamped reading. Ordering from a source is not
// guaranteed; use SortByTime before order-dependent processing.
type Sample struct {
	Time  time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// SortByTime returns a copy of samples ordered ascending by time. Samples
// sharing a timestamp keep their input order.
func SortByTime(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

// Finite drops samples with NaN or infinite values and zero timestamps.
func Finite(samples []Sample) []Sample {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if s.Time.IsZero() || !stats.IsFinite(s.Value) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Window keeps samples with from <= t < to.
func Window(samples []Sample, from, to time.Time) []Sample {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if s.Time.Before(from) || !s.Time.Before(to) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// After keeps samples strictly after t.
func After(samples []Sample, t time.Time) []Sample {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if s.Time.After(t) {
			out = append(out, s)
		}
	}
	return out
}

// Latest returns the maximum timestamp in samples.
func Latest(samples []Sample) (time.Time, bool) {
	var latest time.Time
	for _, s := range samples {
		if s.Time.After(latest) {
			latest = s.Time
		}
	}
	return latest, !latest.IsZero()
}

// Values extracts the sample values in order.
func Values(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

// DayKey formats t as YYYY-MM-DD in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("2006-01-02")
}
