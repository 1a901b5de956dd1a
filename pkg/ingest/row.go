// Package ingest maps vitals samples onto the MetricRow wire shape sent to
// the remote sink.
package ingest

import (
	"strconv"
	"strings"
	"time"
)

// TSLayout is the UTC wire timestamp layout.
const TSLayout = "2006-01-02 15:04:05.000"

// DayLayout is the UTC day layout.
const DayLayout = "2006-01-02"

// Source values accepted by the sink.
const (
	SourceAppleHealth = "apple_health"
	SourceGoogleFit   = "google_fit"
	SourceDemo        = "demo"
)

// MetricRow is one normalized reading as stored by the sink.
type MetricRow struct {
	UserID   string  `json:"user_id"`
	Metric   string  `json:"metric"`
	TS       string  `json:"ts"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit"`
	Source   string  `json:"source"`
	DeviceID string  `json:"device_id"`
	Day      string  `json:"day"`
}

// DedupKey is the full-tuple identity of the row.
func (r MetricRow) DedupKey() string {
	var b strings.Builder
	b.Grow(len(r.UserID) + len(r.Metric) + len(r.TS) + len(r.Unit) + len(r.Source) + len(r.DeviceID) + len(r.Day) + 32)
	for i, f := range []string{
		r.UserID,
		r.Metric,
		r.TS,
		strconv.FormatFloat(r.Value, 'g', -1, 64),
		r.Unit,
		r.Source,
		r.DeviceID,
		r.Day,
	} {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(f)
	}
	return b.String()
}

// Time parses TS back into an instant.
func (r MetricRow) Time() (time.Time, error) {
	return time.ParseInLocation(TSLayout, r.TS, time.UTC)
}

// Context is stamped onto every row of one ingestion stream.
type Context struct {
	UserID   string `json:"user_id"`
	Source   string `json:"source"`
	DeviceID string `json:"device_id"`
}

// FormatTS renders t as a UTC wire timestamp with millisecond precision.
func FormatTS(t time.Time) string {
	return t.UTC().Format(TSLayout)
}

// DayUTC returns the UTC calendar day of t. It is derived from the instant,
// not sliced out of FormatTS.
func DayUTC(t time.Time) string {
	return t.UTC().Format(DayLayout)
}
