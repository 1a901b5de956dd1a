// Package daily rolls raw samples up into one summary per local calendar day.
package daily

import (
	"sort"
	"time"

	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/stats"
	"github.com/nicktill/vitalsync/pkg/vitals"
)

// restingWindow is the number of consecutive minute buckets each rolling
// median covers.
const restingWindow = 5

// Summary is the statistical rollup of one local calendar day.
// Resting is nil when the day has too little data inside the resting window.
type Summary struct {
	Date    string   `json:"date"`
	Resting *float64 `json:"resting,omitempty"`
	Min     float64  `json:"min"`
	Max     float64  `json:"max"`
	Avg     float64  `json:"avg"`
	Count   int      `json:"count"`
}

// Aggregator groups samples into days in Location and estimates a resting
// value from the [RestingFrom, RestingTo) slice of each local day.
type Aggregator struct {
	Location    *time.Location
	RestingFrom time.Duration // offset from local midnight
	RestingTo   time.Duration
	MinBuckets  int
	Percentile  float64
}

// New returns an Aggregator with the default overnight resting window.
func New(loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{
		Location:    loc,
		RestingFrom: config.RestingWindowStart,
		RestingTo:   config.RestingWindowEnd,
		MinBuckets:  config.RestingMinBuckets,
		Percentile:  config.RestingPercentile,
	}
}

// Aggregate returns one Summary per local day present in samples, ordered by
// date. Non-finite values are discarded first; empty input yields nil.
func (a *Aggregator) Aggregate(samples []vitals.Sample) []Summary {
	days := a.group(samples)
	if len(days) == 0 {
		return nil
	}

	out := make([]Summary, 0, len(days))
	for _, date := range sortedKeys(days) {
		day := days[date]
		values := vitals.Values(day)
		lo, hi, _ := stats.MinMax(values)
		avg, _ := stats.Mean(values)

		s := Summary{
			Date:  date,
			Min:   lo,
			Max:   hi,
			Avg:   avg,
			Count: len(values),
		}
		if r, ok := a.resting(date, day); ok {
			s.Resting = &r
		}
		out = append(out, s)
	}
	return out
}

// resting estimates the resting value as the configured percentile of the
// rolling 5-bucket medians inside the day's resting window.
func (a *Aggregator) resting(date string, day []vitals.Sample) (float64, bool) {
	midnight, err := time.ParseInLocation("2006-01-02", date, a.loc())
	if err != nil {
		return 0, false
	}
	from := midnight.Add(a.RestingFrom)
	to := midnight.Add(a.RestingTo)

	var window []float64
	for _, b := range vitals.MinuteBuckets(day) {
		if b.Start.Before(from) || !b.Start.Before(to) {
			continue
		}
		window = append(window, b.Mean)
	}

	minBuckets := a.MinBuckets
	if minBuckets < restingWindow {
		minBuckets = restingWindow
	}
	if len(window) < minBuckets {
		return 0, false
	}

	medians := make([]float64, 0, len(window)-restingWindow+1)
	for i := 0; i+restingWindow <= len(window); i++ {
		m, _ := stats.Median(window[i : i+restingWindow])
		medians = append(medians, m)
	}
	return stats.Percentile(medians, a.Percentile)
}

// MedianDaily returns one Summary per local day whose Resting field holds the
// median of that day's samples. HRV uses this as its representative value.
func (a *Aggregator) MedianDaily(samples []vitals.Sample) []Summary {
	days := a.group(samples)
	if len(days) == 0 {
		return nil
	}

	out := make([]Summary, 0, len(days))
	for _, date := range sortedKeys(days) {
		values := vitals.Values(days[date])
		lo, hi, _ := stats.MinMax(values)
		avg, _ := stats.Mean(values)
		s := Summary{Date: date, Min: lo, Max: hi, Avg: avg, Count: len(values)}
		if m, ok := stats.Median(values); ok && m != 0 {
			s.Resting = &m
		}
		out = append(out, s)
	}
	return out
}

func (a *Aggregator) group(samples []vitals.Sample) map[string][]vitals.Sample {
	days := make(map[string][]vitals.Sample)
	for _, s := range vitals.Finite(samples) {
		key := vitals.DayKey(s.Time, a.loc())
		days[key] = append(days[key], s)
	}
	return days
}

func (a *Aggregator) loc() *time.Location {
	if a.Location == nil {
		return time.Local
	}
	return a.Location
}

func sortedKeys(m map[string][]vitals.Sample) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
