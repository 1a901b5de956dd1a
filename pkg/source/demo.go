package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nicktill/vitalsync/pkg/vitals"
)

// Demo synthesizes plausible vitals. Samples sit on a fixed grid aligned to
// the Unix epoch and their values are a pure function of metric and time, so
// overlapping fetches return identical samples.
type Demo struct {
	Location *time.Location   // wall clock for the diurnal curve
	Now      func() time.Time // no samples are produced after Now
}

// NewDemo creates a Demo source in the local zone.
func NewDemo() *Demo {
	return &Demo{Location: time.Local, Now: time.Now}
}

type demoSeries struct {
	every time.Duration
	value func(local time.Time, noise float64) float64
}

var demoMetrics = map[vitals.Metric]demoSeries{
	vitals.HeartRate: {
		every: time.Minute,
		value: func(local time.Time, noise float64) float64 {
			// trough around 04:00, peak mid afternoon
			h := float64(local.Hour()) + float64(local.Minute())/60
			curve := 64 - 10*math.Cos((h-4)/24*2*math.Pi)
			return math.Round(curve + 6*noise)
		},
	},
	vitals.SpO2: {
		every: 10 * time.Minute,
		value: func(_ time.Time, noise float64) float64 {
			// fractions, as some platforms report them
			return math.Round((0.965+0.025*noise)*1000) / 1000
		},
	},
	vitals.HRV: {
		every: 30 * time.Minute,
		value: func(local time.Time, noise float64) float64 {
			night := 0.0
			if local.Hour() < 7 {
				night = 12
			}
			return math.Round((48+night+10*noise)*10) / 10
		},
	},
}

func (d *Demo) Authorize(ctx context.Context) error {
	return ctx.Err()
}

func (d *Demo) Fetch(ctx context.Context, metric vitals.Metric, from, to time.Time) ([]vitals.Sample, error) {
	series, ok := demoMetrics[metric]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
	if d.Now != nil {
		if now := d.Now(); to.After(now) {
			to = now
		}
	}
	if to.Before(from) {
		return nil, nil
	}

	loc := d.Location
	if loc == nil {
		loc = time.Local
	}

	start := from.Truncate(series.every)
	if start.Before(from) {
		start = start.Add(series.every)
	}

	var out []vitals.Sample
	for t, i := start, 0; !t.After(to); t, i = t.Add(series.every), i+1 {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out = append(out, vitals.Sample{
			Time:  t,
			Value: series.value(t.In(loc), noise(metric, t)),
		})
	}
	return out, nil
}

// noise maps (metric, t) to a stable value in [-1, 1).
func noise(metric vitals.Metric, t time.Time) float64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.Unix()))
	h := xxhash.New()
	h.WriteString(string(metric))
	h.Write(buf[:])
	return float64(h.Sum64()%2000)/1000 - 1
}
