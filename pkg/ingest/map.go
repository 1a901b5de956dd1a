package ingest

import (
	"fmt"

	"github.com/nicktill/vitalsync/pkg/stats"
	"github.com/nicktill/vitalsync/pkg/vitals"
)

// MapHeartRate maps heart-rate samples in bpm.
func MapHeartRate(samples []vitals.Sample, ctx Context) []MetricRow {
	return mapSamples(vitals.HeartRate, samples, ctx, nil)
}

// MapSpO2 maps oxygen saturation samples to percent.
//
// Sources report either a fraction (0.97) or a percentage (97). Any value
// <= 1 is treated as a fraction and multiplied by 100. This cannot tell a
// fraction from a genuine reading below 1%; such readings are not expected
// from real devices.
func MapSpO2(samples []vitals.Sample, ctx Context) []MetricRow {
	return mapSamples(vitals.SpO2, samples, ctx, SpO2Percent)
}

// MapHRV maps heart-rate variability samples in ms.
func MapHRV(samples []vitals.Sample, ctx Context) []MetricRow {
	return mapSamples(vitals.HRV, samples, ctx, nil)
}

// Map dispatches to the mapper for metric.
func Map(metric vitals.Metric, samples []vitals.Sample, ctx Context) ([]MetricRow, error) {
	switch metric {
	case vitals.HeartRate:
		return MapHeartRate(samples, ctx), nil
	case vitals.SpO2:
		return MapSpO2(samples, ctx), nil
	case vitals.HRV:
		return MapHRV(samples, ctx), nil
	default:
		return nil, fmt.Errorf("no row mapping for metric %q", metric)
	}
}

// SpO2Percent applies the fraction heuristic described on MapSpO2.
func SpO2Percent(v float64) float64 {
	if v <= 1 {
		return v * 100
	}
	return v
}

func mapSamples(metric vitals.Metric, samples []vitals.Sample, ctx Context, convert func(float64) float64) []MetricRow {
	rows := make([]MetricRow, 0, len(samples))
	for _, s := range samples {
		if s.Time.IsZero() || !stats.IsFinite(s.Value) {
			continue
		}
		v := s.Value
		if convert != nil {
			v = convert(v)
		}
		rows = append(rows, MetricRow{
			UserID:   ctx.UserID,
			Metric:   string(metric),
			TS:       FormatTS(s.Time),
			Value:    v,
			Unit:     metric.Unit(),
			Source:   ctx.Source,
			DeviceID: ctx.DeviceID,
			Day:      DayUTC(s.Time),
		})
	}
	return rows
}
