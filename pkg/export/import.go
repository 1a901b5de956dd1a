package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/vitalsync/pkg/ingest"
	relayserver "github.com/nicktill/vitalsync/pkg/relay/server"
)

// Importer restores JSON backups.
type Importer struct {
	store     Store
	batchSize int
	now       func() time.Time
}

// NewImporter creates an importer writing to store in batches of at most
// relayserver.MaxRowsPerInsert rows.
func NewImporter(store Store) *Importer {
	return &Importer{store: store, batchSize: relayserver.MaxRowsPerInsert, now: time.Now}
}

// ImportResult reports an import. Skipped rows were valid but already
// stored; invalid rows are listed in Errors and not written.
type ImportResult struct {
	RowsImported   int       `json:"rows_imported"`
	RowsSkipped    int       `json:"rows_skipped"`
	BatchesWritten int       `json:"batches_written"`
	TimeRange      string    `json:"time_range"`
	ImportedAt     time.Time `json:"imported_at"`
	Errors         []string  `json:"errors,omitempty"`
}

// ImportFromJSON decodes a Backup from r and stores its valid rows.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var backup Backup
	if err := json.NewDecoder(r).Decode(&backup); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	result := &ImportResult{TimeRange: "empty", ImportedAt: im.now().UTC()}
	if len(backup.Rows) == 0 {
		return result, nil
	}

	valid := make([]ingest.MetricRow, 0, len(backup.Rows))
	var minTS, maxTS string
	for i, row := range backup.Rows {
		if err := relayserver.ValidateRow(row); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", i, err))
			continue
		}
		valid = append(valid, row)
		// wire timestamps sort lexically
		if minTS == "" || row.TS < minTS {
			minTS = row.TS
		}
		if row.TS > maxTS {
			maxTS = row.TS
		}
	}

	for start := 0; start < len(valid); start += im.batchSize {
		end := min(start+im.batchSize, len(valid))
		n, err := im.store.Insert(ctx, valid[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to write batch %d: %w", result.BatchesWritten, err)
		}
		result.RowsImported += n
		result.RowsSkipped += end - start - n
		result.BatchesWritten++
	}

	if len(valid) > 0 {
		result.TimeRange = fmt.Sprintf("%s to %s", minTS, maxTS)
	}
	return result, nil
}
