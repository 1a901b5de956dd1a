// Package export backs up relay rows as JSON or CSV and restores JSON
// backups into a relay store.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/vitalsync/pkg/ingest"
	relayserver "github.com/nicktill/vitalsync/pkg/relay/server"
)

// Formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// BackupVersion is written into every JSON backup.
const BackupVersion = "1"

// Store is the relay storage surface export and import need.
type Store interface {
	Rows(ctx context.Context, f relayserver.RowFilter) ([]ingest.MetricRow, error)
	Insert(ctx context.Context, rows []ingest.MetricRow) (int, error)
}

// Exporter writes stored rows out.
type Exporter struct {
	store Store
	now   func() time.Time
}

// NewExporter creates an exporter over store.
func NewExporter(store Store) *Exporter {
	return &Exporter{store: store, now: time.Now}
}

// Options selects what to export.
type Options struct {
	Start  time.Time
	End    time.Time // exclusive
	Metric string    // empty = every metric
	UserID string    // empty = every user
}

// Result describes a finished export.
type Result struct {
	RowsExported int       `json:"rows_exported"`
	TimeRange    string    `json:"time_range"`
	Format       string    `json:"format"`
	ExportedAt   time.Time `json:"exported_at"`
}

// Metadata heads a JSON backup.
type Metadata struct {
	ExportedAt time.Time `json:"exported_at"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	RowCount   int       `json:"row_count"`
	Format     string    `json:"format"`
	Version    string    `json:"version"`
}

// Backup is the JSON backup document.
type Backup struct {
	Metadata Metadata           `json:"metadata"`
	Rows     []ingest.MetricRow `json:"rows"`
}

// CSVHeader is the column order of CSV exports.
var CSVHeader = []string{"ts", "day", "user_id", "metric", "value", "unit", "source", "device_id"}

func (e *Exporter) rows(ctx context.Context, opts Options) ([]ingest.MetricRow, error) {
	rows, err := e.store.Rows(ctx, relayserver.RowFilter{
		UserID: opts.UserID,
		Metric: opts.Metric,
		From:   opts.Start,
		To:     opts.End,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query rows: %w", err)
	}
	return rows, nil
}

func (e *Exporter) result(n int, format string, opts Options, at time.Time) *Result {
	return &Result{
		RowsExported: n,
		TimeRange:    fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)),
		Format:       format,
		ExportedAt:   at,
	}
}

// ExportToJSON writes a Backup to w.
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	rows, err := e.rows(ctx, opts)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []ingest.MetricRow{}
	}

	backup := Backup{
		Metadata: Metadata{
			ExportedAt: e.now().UTC(),
			StartTime:  opts.Start,
			EndTime:    opts.End,
			RowCount:   len(rows),
			Format:     FormatJSON,
			Version:    BackupVersion,
		},
		Rows: rows,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(backup); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}
	return e.result(len(rows), FormatJSON, opts, backup.Metadata.ExportedAt), nil
}

// ExportToCSV writes one line per row under CSVHeader. CSV exports cannot
// be imported.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts Options) (*Result, error) {
	rows, err := e.rows(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.TS,
			r.Day,
			r.UserID,
			r.Metric,
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			r.Unit,
			r.Source,
			r.DeviceID,
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return e.result(len(rows), FormatCSV, opts, e.now().UTC()), nil
}
