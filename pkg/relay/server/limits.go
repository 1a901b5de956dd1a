package server

import (
	"errors"
	"fmt"

	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/ingest"
	"github.com/nicktill/vitalsync/pkg/stats"
)

// MaxRowsPerInsert is the largest insertRows batch the relay accepts.
const MaxRowsPerInsert = config.RelayMaxRowsPerInsert

var (
	// ErrTooManyRows is returned when an insert carries more than the row limit.
	ErrTooManyRows = fmt.Errorf("too many rows in request (max %d)", MaxRowsPerInsert)

	// ErrInvalidRow is returned for a row missing a required field or
	// carrying a non-finite value.
	ErrInvalidRow = errors.New("invalid row")

	// ErrStorageFull is returned when the relay's data directory is over its
	// limit.
	ErrStorageFull = errors.New("storage limit exceeded")
)

// ValidateRow checks the fields the relay needs to store and index a row.
func ValidateRow(r ingest.MetricRow) error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: user_id is empty", ErrInvalidRow)
	case r.Metric == "":
		return fmt.Errorf("%w: metric is empty", ErrInvalidRow)
	case r.TS == "":
		return fmt.Errorf("%w: ts is empty", ErrInvalidRow)
	case !stats.IsFinite(r.Value):
		return fmt.Errorf("%w: value for %s at %s is not finite", ErrInvalidRow, r.Metric, r.TS)
	}
	if _, err := r.Time(); err != nil {
		return fmt.Errorf("%w: ts %q: %v", ErrInvalidRow, r.TS, err)
	}
	return nil
}

// ValidateBatch checks the batch size and every row, reporting the index of
// the first invalid row.
func ValidateBatch(rows []ingest.MetricRow, max int) error {
	if max <= 0 {
		max = MaxRowsPerInsert
	}
	if len(rows) > max {
		return fmt.Errorf("%w: got %d", ErrTooManyRows, len(rows))
	}
	for i, r := range rows {
		if err := ValidateRow(r); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}
