package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/dashboard"
	"github.com/nicktill/vitalsync/pkg/source"
)

type insightsOptions struct {
	file     string
	days     int
	now      string
	timezone string
	compact  bool
}

func newInsightsCmd(a *app) *cobra.Command {
	opts := &insightsOptions{}
	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Print daily resting HR, HRV, SpO2, baselines and badges as JSON.",
		Long: `Computes one insights snapshot and prints it. Samples come from the demo
source, or from a JSON file keyed by metric name:

  {"heart_rate": [{"ts": "2025-08-22T03:10:00Z", "value": 54}], "hrv": [], "spo2": []}

With --file and no --now, the newest sample in the file is taken as now.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{quietAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInsights(cmd, opts, a.logger)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.file, "file", "f", "", "JSON file of samples (default: demo source)")
	f.IntVar(&opts.days, "days", config.DashboardDays, "days of history to read")
	f.StringVar(&opts.now, "now", "", "evaluation time, RFC3339 (default: current time)")
	f.StringVar(&opts.timezone, "tz", "", "IANA time zone for day boundaries (default: local)")
	f.BoolVar(&opts.compact, "compact", false, "print JSON on one line")
	return cmd
}

func runInsights(cmd *cobra.Command, opts *insightsOptions, logger *zap.Logger) error {
	if opts.days < 1 || opts.days > 365 {
		return fmt.Errorf("--days must be between 1 and 365, got %d", opts.days)
	}

	loc := time.Local
	if opts.timezone != "" {
		l, err := time.LoadLocation(opts.timezone)
		if err != nil {
			return fmt.Errorf("invalid --tz: %w", err)
		}
		loc = l
	}

	var (
		src source.Source
		now = time.Now()
	)
	if opts.file != "" {
		st, err := loadSamples(opts.file)
		if err != nil {
			return err
		}
		src = st
		if latest := st.Latest(); !latest.IsZero() {
			now = latest
		}
	} else {
		demo := source.NewDemo()
		demo.Location = loc
		src = demo
	}

	if opts.now != "" {
		t, err := time.Parse(time.RFC3339, opts.now)
		if err != nil {
			return fmt.Errorf("invalid --now: %w", err)
		}
		now = t
	}
	if d, ok := src.(*source.Demo); ok {
		d.Now = func() time.Time { return now }
	}

	svc := dashboard.New(src, dashboard.Config{Days: opts.days, Location: loc},
		dashboard.WithLogger(logger),
		dashboard.WithClock(func() time.Time { return now }))
	snap, err := svc.Refresh(cmd.Context(), opts.days)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if !opts.compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(snap)
}

func loadSamples(path string) (*source.Static, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open samples: %w", err)
	}
	defer f.Close()
	return source.LoadStatic(f)
}
