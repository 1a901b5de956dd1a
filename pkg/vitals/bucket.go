package vitals

import (
	"sort"
	"time"
)

// MinuteBucket is the mean of all samples sharing a wall-clock minute.
type MinuteBucket struct {
	Start time.Time
	Mean  float64
}

// MinuteBuckets floors each sample to the minute and averages same-minute
// values. Flooring is on the Unix epoch so every whole-minute zone agrees.
// The result is ascending by Start and keeps the location of the input times.
func MinuteBuckets(samples []Sample) []MinuteBucket {
	type acc struct {
		start time.Time
		sum   float64
		n     int
	}
	byMinute := make(map[int64]*acc)
	for _, s := range Finite(samples) {
		key := s.Time.Unix() / 60
		a, ok := byMinute[key]
		if !ok {
			a = &acc{start: s.Time.Truncate(time.Minute)}
			byMinute[key] = a
		}
		a.sum += s.Value
		a.n++
	}

	out := make([]MinuteBucket, 0, len(byMinute))
	for _, a := range byMinute {
		out = append(out, MinuteBucket{Start: a.start, Mean: a.sum / float64(a.n)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// BucketAverage splits [from, to) into width-sized bins and returns one
// sample per non-empty bin, stamped at the bin start, holding the bin mean.
func BucketAverage(samples []Sample, from, to time.Time, width time.Duration) []Sample {
	if width <= 0 || !to.After(from) {
		return nil
	}
	size := int((to.Sub(from) + width - 1) / width)
	if size < 1 {
		size = 1
	}
	sums := make([]float64, size)
	counts := make([]int, size)
	for _, s := range Finite(samples) {
		if s.Time.Before(from) || !s.Time.Before(to) {
			continue
		}
		idx := int(s.Time.Sub(from) / width)
		if idx > size-1 {
			idx = size - 1
		}
		sums[idx] += s.Value
		counts[idx]++
	}

	out := make([]Sample, 0, size)
	for i := range sums {
		if counts[i] == 0 {
			continue
		}
		out = append(out, Sample{
			Time:  from.Add(time.Duration(i) * width),
			Value: sums[i] / float64(counts[i]),
		})
	}
	return out
}

// Downsample keeps every ceil(len/max)-th element so at most max remain.
func Downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	step := (len(items) + max - 1) / max
	out := make([]T, 0, max)
	for i := 0; i < len(items); i += step {
		out = append(out, items[i])
	}
	return out
}
