package server

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nicktill/vitalsync/pkg/ingest"
)

// Store persists rows received by the relay.
type Store interface {
	// Insert stores rows, skipping rows already held, and returns how many
	// were new.
	Insert(ctx context.Context, rows []ingest.MetricRow) (int, error)

	// Query runs a statement and renders the result as tab-separated text
	// with a header line.
	Query(ctx context.Context, query string) (string, error)

	// Count returns the number of stored rows.
	Count(ctx context.Context) (int, error)

	Close() error
}

// TableName is the raw row table.
const TableName = "metrics_raw"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ` + TableName + ` (
		id INTEGER PRIMARY KEY,
		user_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		ts TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT NOT NULL,
		source TEXT NOT NULL,
		device_id TEXT NOT NULL,
		day TEXT NOT NULL,
		inserted_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ` + TableName + `_user_metric_ts ON ` + TableName + ` (user_id, metric, ts)`,
}

// SQLStore is a Store on an embedded SQLite database.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore opens (creating if needed) the database at path.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database at %q: %w", path, err)
	}
	// a single connection avoids "database is locked" errors
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database at %q: %w", path, err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create table %s: %w", TableName, err)
		}
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

// RowID is the primary key of r: the xxhash of its dedup key, so a replayed
// row maps onto the row already stored.
func RowID(r ingest.MetricRow) int64 {
	return int64(xxhash.Sum64String(r.DedupKey()))
}

func (s *SQLStore) Insert(ctx context.Context, rows []ingest.MetricRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO `+TableName+`
		(id, user_id, metric, ts, value, unit, source, device_id, day, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	insertedAt := s.now().UTC().Format(ingest.TSLayout)
	inserted := 0
	for _, r := range rows {
		res, err := stmt.ExecContext(ctx, RowID(r), r.UserID, r.Metric, r.TS, r.Value,
			r.Unit, r.Source, r.DeviceID, r.Day, insertedAt)
		if err != nil {
			return 0, fmt.Errorf("insert %s at %s: %w", r.Metric, r.TS, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert %s at %s: %w", r.Metric, r.TS, err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

func (s *SQLStore) Query(ctx context.Context, query string) (string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if len(cols) > 0 {
		b.WriteString(strings.Join(cols, "\t"))
		b.WriteByte('\n')
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		for i, v := range values {
			if i > 0 {
				b.WriteByte('\t')
			}
			b.WriteString(formatCell(v))
		}
		b.WriteByte('\n')
	}
	return b.String(), rows.Err()
}

func formatCell(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

// RowFilter selects stored rows. From and To bound ts as a half-open range;
// a zero bound is open. Empty Metric or UserID match everything.
type RowFilter struct {
	UserID string
	Metric string
	From   time.Time
	To     time.Time
}

// Rows returns the rows matching f ordered by ts, then metric.
func (s *SQLStore) Rows(ctx context.Context, f RowFilter) ([]ingest.MetricRow, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Metric != "" {
		where = append(where, "metric = ?")
		args = append(args, f.Metric)
	}
	if !f.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, ingest.FormatTS(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, ingest.FormatTS(f.To))
	}

	query := `SELECT user_id, metric, ts, value, unit, source, device_id, day FROM ` + TableName
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts, metric"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	var out []ingest.MetricRow
	for rows.Next() {
		var r ingest.MetricRow
		if err := rows.Scan(&r.UserID, &r.Metric, &r.TS, &r.Value, &r.Unit, &r.Source, &r.DeviceID, &r.Day); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+TableName).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
