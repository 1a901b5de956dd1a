package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/vitalsync/pkg/ingest"
	relayserver "github.com/nicktill/vitalsync/pkg/relay/server"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *relayserver.SQLStore {
	t.Helper()
	store, err := relayserver.NewSQLStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func row(metric string, ts time.Time, value float64) ingest.MetricRow {
	return ingest.MetricRow{
		UserID:   "u_dev",
		Metric:   metric,
		TS:       ingest.FormatTS(ts),
		Value:    value,
		Unit:     "bpm",
		Source:   ingest.SourceDemo,
		DeviceID: "dev-1",
		Day:      ingest.DayUTC(ts),
	}
}

func seed(t *testing.T, store *relayserver.SQLStore) []ingest.MetricRow {
	t.Helper()
	rows := []ingest.MetricRow{
		row("heart_rate", now.Add(-2*time.Hour), 58),
		row("heart_rate", now.Add(-time.Hour), 61.5),
		row("hrv", now.Add(-90*time.Minute), 44),
		row("heart_rate", now.Add(-48*time.Hour), 70), // outside the default window
	}
	_, err := store.Insert(context.Background(), rows)
	require.NoError(t, err)
	return rows
}

func TestExportToJSON(t *testing.T) {
	store := newStore(t)
	rows := seed(t, store)

	exporter := NewExporter(store)
	exporter.now = func() time.Time { return now }

	var buf bytes.Buffer
	result, err := exporter.ExportToJSON(context.Background(), &buf, Options{Start: now.Add(-24 * time.Hour), End: now})
	require.NoError(t, err)
	assert.Equal(t, 3, result.RowsExported)
	assert.Equal(t, FormatJSON, result.Format)

	var backup Backup
	require.NoError(t, json.Unmarshal(buf.Bytes(), &backup))
	assert.Equal(t, 3, backup.Metadata.RowCount)
	assert.Equal(t, BackupVersion, backup.Metadata.Version)
	assert.Equal(t, []ingest.MetricRow{rows[0], rows[2], rows[1]}, backup.Rows)
}

func TestExportToJSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	result, err := NewExporter(newStore(t)).ExportToJSON(context.Background(), &buf, Options{Start: now.Add(-time.Hour), End: now})
	require.NoError(t, err)
	assert.Zero(t, result.RowsExported)
	assert.Contains(t, buf.String(), `"rows": []`)
}

func TestExportToCSV(t *testing.T) {
	store := newStore(t)
	seed(t, store)

	var buf bytes.Buffer
	result, err := NewExporter(store).ExportToCSV(context.Background(), &buf,
		Options{Start: now.Add(-24 * time.Hour), End: now, Metric: "heart_rate"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowsExported)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, CSVHeader, records[0])
	assert.Equal(t, []string{"2026-03-10 10:00:00.000", "2026-03-10", "u_dev", "heart_rate", "58", "bpm", "demo", "dev-1"}, records[1])
	assert.Equal(t, "61.5", records[2][4])
}

func TestImportRoundTrip(t *testing.T) {
	src := newStore(t)
	seed(t, src)

	var buf bytes.Buffer
	_, err := NewExporter(src).ExportToJSON(context.Background(), &buf, Options{Start: now.Add(-72 * time.Hour), End: now})
	require.NoError(t, err)
	backup := buf.Bytes()

	dst := newStore(t)
	importer := NewImporter(dst)
	importer.batchSize = 3

	result, err := importer.ImportFromJSON(context.Background(), bytes.NewReader(backup))
	require.NoError(t, err)
	assert.Equal(t, 4, result.RowsImported)
	assert.Equal(t, 2, result.BatchesWritten)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "2026-03-08 12:00:00.000 to 2026-03-10 11:00:00.000", result.TimeRange)

	// restoring twice writes nothing new
	result, err = importer.ImportFromJSON(context.Background(), bytes.NewReader(backup))
	require.NoError(t, err)
	assert.Zero(t, result.RowsImported)
	assert.Equal(t, 4, result.RowsSkipped)

	count, err := dst.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestImportReportsInvalidRows(t *testing.T) {
	bad := row("heart_rate", now, 0)
	bad.TS = "yesterday"
	noUser := row("heart_rate", now, 60)
	noUser.UserID = ""
	backup := Backup{Rows: []ingest.MetricRow{row("heart_rate", now, 60), bad, noUser}}
	body, err := json.Marshal(backup)
	require.NoError(t, err)

	store := newStore(t)
	result, err := NewImporter(store).ImportFromJSON(context.Background(), bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowsImported)
	require.Len(t, result.Errors, 2)
	assert.True(t, strings.HasPrefix(result.Errors[0], "row 1:"))
	assert.True(t, strings.HasPrefix(result.Errors[1], "row 2:"))
}

func TestImportEmptyAndMalformed(t *testing.T) {
	importer := NewImporter(newStore(t))

	result, err := importer.ImportFromJSON(context.Background(), strings.NewReader(`{"rows":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "empty", result.TimeRange)

	_, err = importer.ImportFromJSON(context.Background(), strings.NewReader(`{"rows":`))
	assert.Error(t, err)
}

type fullStorage struct{}

func (fullStorage) Exceeded() (bool, error) { return true, nil }

func newTestRouter(t *testing.T, store Store, opts ...Option) *mux.Router {
	t.Helper()
	h := NewHandler(store, opts...)
	h.exporter.now = func() time.Time { return now }
	router := mux.NewRouter()
	h.SetupRoutes(router)
	return router
}

func TestHandleExport(t *testing.T) {
	store := newStore(t)
	seed(t, store)
	router := newTestRouter(t, store)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/export", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "vitalsync-export-20260310-120000.json")
	var backup Backup
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &backup))
	assert.Len(t, backup.Rows, 3)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/export?format=csv&metric=hrv", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, 2, strings.Count(w.Body.String(), "\n"))
}

func TestHandleExportRejectsBadParams(t *testing.T) {
	router := newTestRouter(t, newStore(t))

	for _, target := range []string{
		"/export?format=xml",
		"/export?start=not-a-time",
		"/export?start=2026-03-10T12:00:00Z&end=2026-03-10T11:00:00Z",
		"/export?start=2025-01-01T00:00:00Z&end=2026-03-10T00:00:00Z",
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestHandleImport(t *testing.T) {
	store := newStore(t)
	router := newTestRouter(t, store)

	body, err := json.Marshal(Backup{Rows: []ingest.MetricRow{row("spo2", now, 97)}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/import", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var result ImportResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 1, result.RowsImported)

	req = httptest.NewRequest(http.MethodPost, "/import", bytes.NewReader(body))
	req.Header.Set("Content-Type", "text/plain")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestHandleImportStorageFull(t *testing.T) {
	router := newTestRouter(t, newStore(t), WithStorageChecker(fullStorage{}))

	req := httptest.NewRequest(http.MethodPost, "/import", strings.NewReader(`{"rows":[]}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInsufficientStorage, w.Code)
}
