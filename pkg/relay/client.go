// Package relay talks to the remote metrics sink over HTTP.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicktill/vitalsync/pkg/config"
	"github.com/nicktill/vitalsync/pkg/ingest"
	"github.com/nicktill/vitalsync/pkg/logging"
)

// Sink endpoints.
const (
	PathInsertRows = "/metrics/insertRows"
	PathHealth     = "/health"
	PathDevSQL     = "/dev/sql"
)

// HeaderBatchID carries a per-request id the sink may log.
const HeaderBatchID = "X-Batch-ID"

// ErrDelivery marks every failed insert, whether the request never
// completed or the sink answered with a non-2xx status.
var ErrDelivery = errors.New("delivery failed")

// StatusError is a non-2xx reply from the sink.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sink returned HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrDelivery }

// InsertRequest is the insertRows body.
type InsertRequest struct {
	Rows []ingest.MetricRow `json:"rows"`
}

// InsertResponse is the insertRows reply. Sent may be omitted by the sink;
// Inserted, when present, excludes rows the sink already held.
type InsertResponse struct {
	Sent     *int `json:"sent,omitempty"`
	Inserted *int `json:"inserted,omitempty"`
}

// HealthResponse is the health reply.
type HealthResponse struct {
	OK bool `json:"ok"`
}

// SQLRequest is the dev/sql body.
type SQLRequest struct {
	SQL string `json:"sql"`
}

// Client is a sink client. It does not retry; the ingestion queue owns
// retry policy.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// New creates a client for the sink at baseURL.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = config.RelayRequestTimeout
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{http: httpClient, logger: logging.OrNop(logger)}
}

// InsertRows posts rows and returns how many the sink reports as sent.
func (c *Client) InsertRows(ctx context.Context, rows []ingest.MetricRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	batchID := uuid.NewString()
	var out InsertResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(HeaderBatchID, batchID).
		SetBody(InsertRequest{Rows: rows}).
		SetResult(&out).
		Post(PathInsertRows)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	if !resp.IsSuccess() {
		return 0, &StatusError{Code: resp.StatusCode(), Body: string(resp.Body())}
	}

	sent := len(rows)
	if out.Sent != nil {
		sent = *out.Sent
	}
	c.logger.Debug("rows inserted",
		zap.String("batch_id", batchID),
		zap.Int("rows", len(rows)),
		zap.Int("sent", sent))
	return sent, nil
}

// Deliver implements queue.Deliverer.
func (c *Client) Deliver(ctx context.Context, rows []ingest.MetricRow) error {
	_, err := c.InsertRows(ctx, rows)
	return err
}

// Health reports whether the sink answers {ok: true}.
func (c *Client) Health(ctx context.Context) bool {
	var out HealthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(PathHealth)
	if err != nil || !resp.IsSuccess() {
		return false
	}
	return out.OK
}

// DevSQL runs a debug query on the sink and returns its raw text output.
func (c *Client) DevSQL(ctx context.Context, sql string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "text/plain").
		SetBody(SQLRequest{SQL: sql}).
		Post(PathDevSQL)
	if err != nil {
		return "", fmt.Errorf("dev sql: %w", err)
	}
	if !resp.IsSuccess() {
		return "", &StatusError{Code: resp.StatusCode(), Body: string(resp.Body())}
	}
	return string(resp.Body()), nil
}
