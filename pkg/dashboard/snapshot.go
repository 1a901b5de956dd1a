package dashboard

import (
	"time"

	"github.com/nicktill/vitalsync/pkg/baseline"
	"github.com/nicktill/vitalsync/pkg/chartsafe"
	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/daily"
	"github.com/nicktill/vitalsync/pkg/ingest"
	"github.com/nicktill/vitalsync/pkg/insight"
	"github.com/nicktill/vitalsync/pkg/stats"
	"github.com/nicktill/vitalsync/pkg/vitals"
)

// Snapshot is everything the insights views render.
type Snapshot struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Days        int                      `json:"days"`
	Stale       bool                     `json:"stale"`
	HeartRate   HeartRateView            `json:"heart_rate"`
	HRV         HRVView                  `json:"hrv"`
	SpO2        SpO2View                 `json:"spo2"`
	Readiness   insight.Result           `json:"readiness"`
	Errors      map[vitals.Metric]string `json:"errors,omitempty"`
}

// HeartRateView is the resting heart rate card and its charts.
type HeartRateView struct {
	Latest     *vitals.Sample   `json:"latest,omitempty"`
	Daily      []daily.Summary  `json:"daily"`
	Baseline   []baseline.Point `json:"baseline"`
	Decision   insight.Decision `json:"decision"`
	TodayDelta *float64         `json:"today_delta_pct,omitempty"`
	Spark      chartsafe.Series `json:"spark"`
	Overview   chartsafe.Series `json:"overview"`
	Recent     chartsafe.Series `json:"recent"`
}

// HRVView is the HRV card. Daily values are day medians.
type HRVView struct {
	Latest     *vitals.Sample   `json:"latest,omitempty"`
	Daily      []daily.Summary  `json:"daily"`
	Baseline   []baseline.Point `json:"baseline"`
	Decision   insight.Decision `json:"decision"`
	TodayDelta *float64         `json:"today_delta_pct,omitempty"`
	Spark      chartsafe.Series `json:"spark"`
}

// SpO2View is the oxygen saturation card. Values are in percent.
type SpO2View struct {
	Latest     *vitals.Sample   `json:"latest,omitempty"`
	DayAverage *float64         `json:"day_average,omitempty"`
	Overview   chartsafe.Series `json:"overview"`
}

// Build computes a snapshot from samples already filtered to finite values
// and sorted by time.
func Build(samples map[vitals.Metric][]vitals.Sample, now time.Time, days int, cfg Config) Snapshot {
	cfg = cfg.withDefaults()
	agg := daily.New(cfg.Location)

	snap := Snapshot{
		GeneratedAt: now,
		Days:        days,
		HeartRate:   heartRateView(agg, samples[vitals.HeartRate], now, cfg),
		HRV:         hrvView(agg, samples[vitals.HRV], cfg),
		SpO2:        spo2View(samples[vitals.SpO2], now, cfg.Location),
	}
	snap.Readiness = insight.Readiness(readinessInputs(snap))
	return snap
}

func heartRateView(agg *daily.Aggregator, hr []vitals.Sample, now time.Time, cfg Config) HeartRateView {
	summaries := agg.Aggregate(hr)
	days := baseline.FromSummaries(summaries)
	points := baseline.Rolling(days, cfg.BaselineWindow)

	view := HeartRateView{
		Latest:   latest(hr),
		Daily:    summaries,
		Baseline: points,
		Decision: insight.DecideHeartRate(days, points),
		Spark:    spark(days, config.ChartFallbackBPM),
		Overview: overview(hr, now, cfg.Location, config.ChartFallbackBPM),
	}
	if delta, ok := insight.TodayDelta(days, points); ok {
		view.TodayDelta = &delta
	}

	recent := chartsafe.Recent(vitals.MinuteBuckets(hr), now, config.RecentChartSpan, config.RecentChartCount)
	view.Recent = chartsafe.MakeSafe(chartsafe.Values(recent), config.ChartFallbackBPM)
	return view
}

func hrvView(agg *daily.Aggregator, hrv []vitals.Sample, cfg Config) HRVView {
	summaries := agg.MedianDaily(hrv)
	days := baseline.FromSummaries(summaries)
	points := baseline.Rolling(days, cfg.BaselineWindow)

	fallback := 0.0
	if last, ok := baseline.Last(points); ok && last.Baseline != nil {
		fallback = *last.Baseline
	}
	view := HRVView{
		Latest:   latest(hrv),
		Daily:    summaries,
		Baseline: points,
		Decision: insight.DecideHRV(days, points),
		Spark:    spark(days, fallback),
	}
	if delta, ok := insight.TodayDelta(days, points); ok {
		view.TodayDelta = &delta
	}
	return view
}

func spo2View(spo2 []vitals.Sample, now time.Time, loc *time.Location) SpO2View {
	pct := make([]vitals.Sample, len(spo2))
	for i, s := range spo2 {
		pct[i] = vitals.Sample{Time: s.Time, Value: ingest.SpO2Percent(s.Value)}
	}

	view := SpO2View{Latest: latest(pct)}

	today := vitals.DayKey(now, loc)
	var todays []float64
	for _, s := range pct {
		if vitals.DayKey(s.Time, loc) == today {
			todays = append(todays, s.Value)
		}
	}
	if avg, ok := stats.Mean(todays); ok {
		avg = stats.Round1(avg)
		view.DayAverage = &avg
	}

	fallback := float64(config.ChartFallbackSpO2)
	if view.DayAverage != nil {
		fallback = *view.DayAverage
	}
	view.Overview = overview(pct, now, loc, fallback)
	return view
}

// spark charts the last SparkDays daily values, labelled by date.
func spark(days []baseline.Day, fallback float64) chartsafe.Series {
	if len(days) > config.SparkDays {
		days = days[len(days)-config.SparkDays:]
	}
	points := make([]chartsafe.Point, 0, len(days))
	for _, d := range days {
		if d.Value == nil {
			continue
		}
		points = append(points, chartsafe.Point{Value: *d.Value, Label: d.Date})
	}
	return chartsafe.MakeSafe(points, fallback)
}

// overview bucket-averages the trailing OverviewSpan and caps the point count.
func overview(samples []vitals.Sample, now time.Time, loc *time.Location, fallback float64) chartsafe.Series {
	from := now.Add(-config.OverviewSpan)
	buckets := vitals.BucketAverage(samples, from, now, config.OverviewBucket)
	for i := range buckets {
		buckets[i].Time = buckets[i].Time.In(loc)
	}
	buckets = vitals.Downsample(buckets, config.ChartMaxPoints)
	return chartsafe.MakeSafe(chartsafe.FromSamples(buckets, "15:04"), fallback)
}

func latest(samples []vitals.Sample) *vitals.Sample {
	if len(samples) == 0 {
		return nil
	}
	s := samples[len(samples)-1]
	return &s
}

// readinessInputs feeds the last daily RHR and HRV with their baselines into
// the readiness score. Sleep, respiratory and strain drivers are not sourced
// and stay absent.
func readinessInputs(snap Snapshot) insight.Today {
	today := insight.Today{Base: make(map[insight.Driver]insight.Reference)}

	if v, ref, ok := lastWithReference(snap.HeartRate.Daily, snap.HeartRate.Baseline); ok {
		today.RHR = &v
		today.Base[insight.DriverRHR] = ref
	}
	if v, ref, ok := lastWithReference(snap.HRV.Daily, snap.HRV.Baseline); ok {
		today.HRV = &v
		today.Base[insight.DriverHRV] = ref
	}
	return today
}

func lastWithReference(summaries []daily.Summary, points []baseline.Point) (float64, insight.Reference, bool) {
	n := len(summaries)
	if n == 0 || len(points) != n || summaries[n-1].Resting == nil {
		return 0, insight.Reference{}, false
	}
	p := points[n-1]
	return *summaries[n-1].Resting, insight.Reference{Baseline: p.Baseline, Sigma: p.Sigma}, true
}
