package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nicktill/vitalsync/pkg/dashboard"
	"github.com/nicktill/vitalsync/pkg/httpx"
	"github.com/nicktill/vitalsync/pkg/ingest/auto"
	"github.com/nicktill/vitalsync/pkg/server/monitor"
	"github.com/nicktill/vitalsync/pkg/source"
)

var startTime = time.Now()

// QueueStatus is the queue section of the health report.
type QueueStatus struct {
	Pending    int    `json:"pending"`
	BackingOff bool   `json:"backing_off"`
	Backoff    string `json:"backoff,omitempty"`
}

// SchedulerStatus is the scheduler section of the health report.
type SchedulerStatus struct {
	State     string              `json:"state"`
	Active    bool                `json:"active"`
	LastCycle []auto.MetricResult `json:"last_cycle,omitempty"`
}

// HealthResponse is the agent health report.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Queue     QueueStatus            `json:"queue"`
	Scheduler SchedulerStatus        `json:"scheduler"`
	Delivery  monitor.DeliveryStatus `json:"delivery"`
	Relay     *ProbeStatus           `json:"relay,omitempty"`
}

// TriggerResponse is the manual ingestion reply.
type TriggerResponse struct {
	Results []auto.MetricResult `json:"results"`
	Pending int                 `json:"pending"`
}

// ActivityRequest carries the host's foreground/background signal.
type ActivityRequest struct {
	Active *bool `json:"active"`
}

// handleHealth reports degraded with 503 once deliveries keep failing.
func handleHealth(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "healthy",
			Version: d.Version,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Queue: QueueStatus{
				Pending:    d.Queue.Pending(),
				BackingOff: d.Queue.BackingOff(),
			},
			Scheduler: SchedulerStatus{
				State:     d.Scheduler.State().String(),
				Active:    d.Scheduler.Active(),
				LastCycle: d.Scheduler.LastCycle(),
			},
		}
		if resp.Queue.BackingOff {
			resp.Queue.Backoff = d.Queue.Backoff().String()
		}
		if d.Delivery != nil {
			resp.Delivery = d.Delivery.Status()
		} else {
			resp.Delivery = monitor.DeliveryStatus{Healthy: true}
		}
		if d.Probe != nil {
			status := d.Probe.Status()
			resp.Relay = &status
		}

		code := http.StatusOK
		if !resp.Delivery.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		httpx.RespondJSON(w, code, resp)
	}
}

// handleInsights serves the last snapshot, computing one if none exists yet.
func handleInsights(ins Insights) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if snap, ok := ins.Last(); ok {
			httpx.RespondJSON(w, http.StatusOK, snap)
			return
		}
		refresh(ins, w, r)
	}
}

func handleRefresh(ins Insights) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refresh(ins, w, r)
	}
}

func refresh(ins Insights, w http.ResponseWriter, r *http.Request) {
	days, err := daysParam(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	snap, err := ins.Refresh(r.Context(), days)
	switch {
	case errors.Is(err, source.ErrNotAuthorized):
		httpx.RespondError(w, http.StatusForbidden, err)
	case errors.Is(err, dashboard.ErrInFlight):
		httpx.RespondError(w, http.StatusConflict, err)
	case err != nil:
		httpx.RespondError(w, http.StatusInternalServerError, err)
	default:
		httpx.RespondJSON(w, http.StatusOK, snap)
	}
}

func daysParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return 0, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days <= 0 || days > 365 {
		return 0, errors.New("days must be an integer between 1 and 365")
	}
	return days, nil
}

func handleTrigger(s Scheduler, q IngestQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := s.Trigger(r.Context())
		switch {
		case errors.Is(err, auto.ErrDebounced):
			httpx.RespondError(w, http.StatusTooManyRequests, err)
		case errors.Is(err, auto.ErrInFlight):
			httpx.RespondError(w, http.StatusConflict, err)
		case err != nil:
			httpx.RespondError(w, http.StatusInternalServerError, err)
		default:
			httpx.RespondJSON(w, http.StatusOK, TriggerResponse{Results: results, Pending: q.Pending()})
		}
	}
}

func handleFlush(q IngestQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, q.Flush(r.Context()))
	}
}

func handleActivity(s Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ActivityRequest
		if err := httpx.DecodeJSON(r, &req, true); err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if req.Active == nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, "active is required")
			return
		}
		s.SetActive(*req.Active)
		httpx.RespondJSON(w, http.StatusOK, SchedulerStatus{
			State:  s.State().String(),
			Active: s.Active(),
		})
	}
}

func handleAuthorize(s Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Reauthorize(r.Context()); err != nil {
			httpx.RespondError(w, http.StatusForbidden, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, map[string]bool{"authorized": true})
	}
}
