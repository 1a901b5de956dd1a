package export

import (
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/httpx"
	"github.com/nicktill/vitalsync/pkg/logging"
	relayserver "github.com/nicktill/vitalsync/pkg/relay/server"
)

const (
	// DefaultExportWindow is used when start is not given.
	DefaultExportWindow = 24 * time.Hour

	// MaxExportWindow bounds a single export.
	MaxExportWindow = 90 * 24 * time.Hour
)

// StorageChecker reports whether the relay is over its storage limit.
type StorageChecker interface {
	Exceeded() (bool, error)
}

// Handler serves GET /export and POST /import.
type Handler struct {
	exporter *Exporter
	importer *Importer
	storage  StorageChecker
	log      *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.log = logging.OrNop(l) }
}

// WithStorageChecker refuses imports while c reports the limit exceeded.
func WithStorageChecker(c StorageChecker) Option {
	return func(h *Handler) { h.storage = c }
}

// NewHandler creates an export/import handler over store.
func NewHandler(store Store, opts ...Option) *Handler {
	h := &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(store),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleExport streams rows as a download.
// Query params:
//   - format: "json" or "csv" (default json)
//   - start, end: RFC3339 (default the last 24h)
//   - metric, user_id: optional filters
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		httpx.RespondErrorString(w, http.StatusBadRequest, "format must be 'json' or 'csv'")
		return
	}

	end, err := parseTimeParam(query.Get("end"), h.exporter.now())
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	start, err := parseTimeParam(query.Get("start"), end.Add(-DefaultExportWindow))
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("time range too large, maximum is %v", MaxExportWindow))
		return
	}

	opts := Options{
		Start:  start,
		End:    end,
		Metric: query.Get("metric"),
		UserID: query.Get("user_id"),
	}

	stamp := h.exporter.now().UTC().Format("20060102-150405")
	contentType := "application/json"
	if format == FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=vitalsync-export-%s.%s", stamp, format))

	var result *Result
	if format == FormatJSON {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		h.log.Error("export failed", zap.String("format", format), zap.Error(err))
		// query failures happen before any body is written
		w.Header().Del("Content-Disposition")
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	h.log.Info("rows exported",
		zap.Int("rows", result.RowsExported),
		zap.String("format", format),
		zap.String("range", result.TimeRange))
}

// HandleImport restores a JSON backup posted as the request body.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType != "application/json" {
		httpx.RespondErrorString(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	if h.storage != nil {
		over, err := h.storage.Exceeded()
		if err != nil {
			h.log.Warn("storage check failed", zap.Error(err))
		}
		if over {
			httpx.RespondError(w, http.StatusInsufficientStorage, relayserver.ErrStorageFull)
			return
		}
	}

	result, err := h.importer.ImportFromJSON(r.Context(), r.Body)
	if err != nil {
		h.log.Error("import failed", zap.Error(err))
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	if len(result.Errors) > 0 {
		h.log.Warn("import skipped invalid rows",
			zap.Int("invalid", len(result.Errors)),
			zap.Strings("first", result.Errors[:min(len(result.Errors), 10)]))
	}
	h.log.Info("rows imported",
		zap.Int("imported", result.RowsImported),
		zap.Int("skipped", result.RowsSkipped),
		zap.Int("batches", result.BatchesWritten),
		zap.String("range", result.TimeRange))

	httpx.RespondJSON(w, http.StatusOK, result)
}

// SetupRoutes registers the export and import endpoints on router.
func (h *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/export", h.HandleExport).Methods(http.MethodGet)
	router.HandleFunc("/import", h.HandleImport).Methods(http.MethodPost)
}

// parseTimeParam parses an RFC3339 or bare "2006-01-02T15:04:05" (UTC)
// value, returning def when param is empty.
func parseTimeParam(param string, def time.Time) (time.Time, error) {
	if param == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", param)
}
