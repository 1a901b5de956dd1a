package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nicktill/vitalsync/pkg/vitals"
)

// Static serves a fixed set of samples. Fetch is inclusive of both bounds,
// as platform health stores are.
type Static struct {
	mu        sync.RWMutex
	samples   map[vitals.Metric][]vitals.Sample
	authErr   error
	fetchErrs map[vitals.Metric]error
	calls     map[vitals.Metric]int
}

// NewStatic creates a Static source holding samples.
func NewStatic(samples map[vitals.Metric][]vitals.Sample) *Static {
	s := &Static{
		samples:   make(map[vitals.Metric][]vitals.Sample),
		fetchErrs: make(map[vitals.Metric]error),
		calls:     make(map[vitals.Metric]int),
	}
	for m, list := range samples {
		s.samples[m] = append([]vitals.Sample(nil), list...)
	}
	return s
}

// LoadStatic decodes a JSON object keyed by metric name, each holding an
// array of {"ts": RFC3339, "value": number}.
func LoadStatic(r io.Reader) (*Static, error) {
	var raw map[string][]vitals.Sample
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	samples := make(map[vitals.Metric][]vitals.Sample, len(raw))
	for name, list := range raw {
		m, err := vitals.ParseMetric(name)
		if err != nil {
			return nil, err
		}
		samples[m] = list
	}
	return NewStatic(samples), nil
}

// Add appends samples for metric.
func (s *Static) Add(metric vitals.Metric, samples ...vitals.Sample) {
	s.mu.Lock()
	s.samples[metric] = append(s.samples[metric], samples...)
	s.mu.Unlock()
}

// Latest returns the newest sample time across every metric, or the zero
// time when the source is empty.
func (s *Static) Latest() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	for _, list := range s.samples {
		for _, smp := range list {
			if smp.Time.After(latest) {
				latest = smp.Time
			}
		}
	}
	return latest
}

// FailAuthorize makes Authorize return err.
func (s *Static) FailAuthorize(err error) {
	s.mu.Lock()
	s.authErr = err
	s.mu.Unlock()
}

// FailFetch makes Fetch of metric return err; nil clears it.
func (s *Static) FailFetch(metric vitals.Metric, err error) {
	s.mu.Lock()
	s.fetchErrs[metric] = err
	s.mu.Unlock()
}

// Calls returns how many times metric was fetched.
func (s *Static) Calls(metric vitals.Metric) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[metric]
}

func (s *Static) Authorize(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authErr
}

func (s *Static) Fetch(ctx context.Context, metric vitals.Metric, from, to time.Time) ([]vitals.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[metric]++
	if err := s.fetchErrs[metric]; err != nil {
		return nil, err
	}

	list, ok := s.samples[metric]
	if !ok {
		return nil, nil
	}
	out := make([]vitals.Sample, 0, len(list))
	for _, smp := range list {
		if smp.Time.Before(from) || smp.Time.After(to) {
			continue
		}
		out = append(out, smp)
	}
	return out, nil
}
