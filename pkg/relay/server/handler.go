// Package server is the reference relay: it accepts row batches from agents,
// stores them in SQLite and streams each stored batch to live feed clients.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/httpx"
	"github.com/nicktill/vitalsync/pkg/logging"
	"github.com/nicktill/vitalsync/pkg/relay"
	"github.com/nicktill/vitalsync/pkg/server/monitor"
)

// StorageChecker reports whether the relay may accept more data.
type StorageChecker interface {
	Exceeded() (bool, error)
	Status() monitor.StorageStatus
}

// Handler serves the relay endpoints.
type Handler struct {
	store   Store
	hub     *Hub
	storage StorageChecker
	maxRows int
	devSQL  bool
	log     *zap.Logger
	now     func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithHub streams stored batches to hub.
func WithHub(hub *Hub) Option {
	return func(h *Handler) { h.hub = hub }
}

// WithStorageChecker refuses inserts while c reports the limit exceeded.
func WithStorageChecker(c StorageChecker) Option {
	return func(h *Handler) { h.storage = c }
}

// WithMaxRows overrides MaxRowsPerInsert.
func WithMaxRows(n int) Option {
	return func(h *Handler) { h.maxRows = n }
}

// WithDevSQL enables or disables the dev/sql endpoint. It is enabled by
// default.
func WithDevSQL(enabled bool) Option {
	return func(h *Handler) { h.devSQL = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.log = logging.OrNop(l) }
}

// NewHandler creates a handler over store.
func NewHandler(store Store, opts ...Option) *Handler {
	h := &Handler{
		store:   store,
		maxRows: MaxRowsPerInsert,
		devSQL:  true,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthReport is the relay health reply. OK matches relay.HealthResponse.
type HealthReport struct {
	OK      bool                   `json:"ok"`
	Rows    int                    `json:"rows"`
	Clients int                    `json:"live_clients"`
	Storage *monitor.StorageStatus `json:"storage,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// HandleInsertRows stores a batch of rows.
func (h *Handler) HandleInsertRows(w http.ResponseWriter, r *http.Request) {
	var req relay.InsertRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := ValidateBatch(req.Rows, h.maxRows); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	if h.storage != nil {
		over, err := h.storage.Exceeded()
		if err != nil {
			h.log.Warn("storage check failed", zap.Error(err))
		}
		if over {
			httpx.RespondError(w, http.StatusInsufficientStorage, ErrStorageFull)
			return
		}
	}

	batchID := r.Header.Get(relay.HeaderBatchID)
	inserted, err := h.store.Insert(r.Context(), req.Rows)
	if err != nil {
		h.log.Error("insert failed", zap.String("batch_id", batchID), zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	h.log.Info("rows stored",
		zap.String("batch_id", batchID),
		zap.Int("received", len(req.Rows)),
		zap.Int("inserted", inserted))

	if h.hub != nil && len(req.Rows) > 0 {
		event := BatchEvent{
			BatchID:  batchID,
			Received: len(req.Rows),
			Inserted: inserted,
			Metrics:  make(map[string]int),
			At:       h.now().UTC(),
		}
		for _, row := range req.Rows {
			event.Metrics[row.Metric]++
		}
		if err := h.hub.Broadcast(event); err != nil {
			h.log.Warn("live feed broadcast failed", zap.Error(err))
		}
	}

	sent := len(req.Rows)
	httpx.RespondJSON(w, http.StatusOK, relay.InsertResponse{Sent: &sent, Inserted: &inserted})
}

// HandleHealth reports store reachability and storage usage.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := HealthReport{OK: true}
	if h.hub != nil {
		report.Clients = h.hub.Clients()
	}

	rows, err := h.store.Count(r.Context())
	if err != nil {
		report.OK = false
		report.Error = err.Error()
	}
	report.Rows = rows

	if h.storage != nil {
		status := h.storage.Status()
		report.Storage = &status
	}

	code := http.StatusOK
	if !report.OK {
		code = http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, code, report)
}

// HandleDevSQL runs an arbitrary statement and returns its text result.
func (h *Handler) HandleDevSQL(w http.ResponseWriter, r *http.Request) {
	if !h.devSQL {
		httpx.RespondErrorString(w, http.StatusNotFound, "dev/sql is disabled")
		return
	}

	var req relay.SQLRequest
	if err := httpx.DecodeJSON(r, &req, false); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		httpx.RespondError(w, http.StatusBadRequest, errors.New("sql is empty"))
		return
	}

	out, err := h.store.Query(r.Context(), req.SQL)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	httpx.RespondText(w, http.StatusOK, out)
}

// SetupRoutes registers the relay endpoints on router.
func (h *Handler) SetupRoutes(router *mux.Router) {
	router.HandleFunc(relay.PathInsertRows, h.HandleInsertRows).Methods(http.MethodPost)
	router.HandleFunc(relay.PathHealth, h.HandleHealth).Methods(http.MethodGet)
	router.HandleFunc(relay.PathDevSQL, h.HandleDevSQL).Methods(http.MethodPost)
	if h.hub != nil {
		router.HandleFunc("/ws", h.hub.ServeWS).Methods(http.MethodGet)
	}
}

// Router returns a router serving every relay endpoint.
func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	h.SetupRoutes(router)
	return router
}
