package insight

import (
	"fmt"
	"math"
	"sort"

	"github.com/nicktill/vitalsync/pkg/stats"
)

// Driver names one readiness input.
type Driver string

const (
	DriverHRV             Driver = "hrv"
	DriverRHR             Driver = "rhr"
	DriverSleepDuration   Driver = "sleepDur"
	DriverSleepEfficiency Driver = "sleepEff"
	DriverRespiratory     Driver = "resp"
	DriverStrain          Driver = "strain"
)

// Readiness score thresholds.
const (
	ReadinessNeutral   = 50.0
	ReadinessRecoverLT = 40.0
	ReadinessTrainGT   = 70.0
)

// Reference is a driver's baseline and spread.
type Reference struct {
	Baseline *float64 `json:"baseline,omitempty"`
	Sigma    *float64 `json:"sigma,omitempty"`
}

// Today carries the current value of each driver. Nil values and drivers
// without a usable reference contribute nothing.
type Today struct {
	HRV             *float64             `json:"hrv,omitempty"`
	RHR             *float64             `json:"rhr,omitempty"`
	SleepMinutes    *float64             `json:"sleep_minutes,omitempty"`
	SleepEfficiency *float64             `json:"sleep_efficiency,omitempty"`
	Respiratory     *float64             `json:"respiratory,omitempty"`
	Strain          *float64             `json:"strain,omitempty"`
	Base            map[Driver]Reference `json:"base"`
}

// Contribution is one driver's share of the score.
type Contribution struct {
	Driver    Driver  `json:"driver"`
	Deviation float64 `json:"deviation"`
	Points    float64 `json:"points"`
	Reason    string  `json:"reason"`
}

// Result is the readiness outcome.
type Result struct {
	Score   float64        `json:"score"`
	Badge   Badge          `json:"badge"`
	Drivers []Contribution `json:"drivers"`
	Reason  string         `json:"reason"`
}

type deviationKind int

const (
	zScore deviationKind = iota
	pctDelta
)

// driverRule maps a deviation onto points: scale*(dev/unit), clamped.
type driverRule struct {
	driver Driver
	label  string
	kind   deviationKind
	scale  float64
	unit   float64
	lo, hi float64
	value  func(Today) *float64
}

var rules = []driverRule{
	{DriverHRV, "HRV", zScore, 25, 2, -25, 25, func(t Today) *float64 { return t.HRV }},
	{DriverRHR, "RHR", zScore, -20, 2, -20, 10, func(t Today) *float64 { return t.RHR }},
	{DriverSleepDuration, "Sleep", pctDelta, 20, 0.20, -20, 20, func(t Today) *float64 { return t.SleepMinutes }},
	{DriverSleepEfficiency, "Eff", pctDelta, 10, 0.10, -10, 10, func(t Today) *float64 { return t.SleepEfficiency }},
	{DriverRespiratory, "Resp", zScore, -10, 2, -10, 5, func(t Today) *float64 { return t.Respiratory }},
	{DriverStrain, "Strain", zScore, -10, 2, -10, 0, func(t Today) *float64 { return t.Strain }},
}

// Readiness scores today against each driver's baseline.
func Readiness(today Today) Result {
	var parts []Contribution
	sum := 0.0
	for _, r := range rules {
		c, ok := r.contribute(today)
		if !ok {
			continue
		}
		parts = append(parts, c)
		sum += c.Points
	}

	if len(parts) == 0 {
		return Result{Score: ReadinessNeutral, Badge: Maintain, Reason: reasonNoData}
	}

	score := stats.Clamp(ReadinessNeutral+sum, 0, 100)
	badge := Maintain
	switch {
	case score < ReadinessRecoverLT:
		badge = Recover
	case score > ReadinessTrainGT:
		badge = Train
	}

	ranked := make([]Contribution, len(parts))
	copy(ranked, parts)
	sort.SliceStable(ranked, func(i, j int) bool {
		return math.Abs(ranked[i].Points) > math.Abs(ranked[j].Points)
	})

	return Result{Score: score, Badge: badge, Drivers: parts, Reason: ranked[0].Reason}
}

func (r driverRule) contribute(today Today) (Contribution, bool) {
	v := r.value(today)
	ref := today.Base[r.driver]
	if v == nil || ref.Baseline == nil {
		return Contribution{}, false
	}

	var (
		dev    float64
		ok     bool
		reason string
	)
	switch r.kind {
	case zScore:
		if ref.Sigma == nil {
			return Contribution{}, false
		}
		dev, ok = ZScore(*v, *ref.Baseline, *ref.Sigma)
		reason = fmt.Sprintf("%s %s%.1fσ", r.label, plus(dev), dev)
	case pctDelta:
		dev, ok = PercentDelta(*v, *ref.Baseline)
		reason = fmt.Sprintf("%s %s%d%%", r.label, plus(dev), int(math.Floor(dev*100+0.5)))
	}
	if !ok {
		return Contribution{}, false
	}

	return Contribution{
		Driver:    r.driver,
		Deviation: dev,
		Points:    stats.Clamp(r.scale*(dev/r.unit), r.lo, r.hi),
		Reason:    reason,
	}, true
}

func plus(v float64) string {
	if v >= 0 {
		return "+"
	}
	return ""
}
