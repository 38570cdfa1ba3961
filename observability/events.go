// Package observability persists render-pipeline events and metrics to a
// dedicated SQLite database so load behavior can be inspected after the fact
// without an external monitoring stack.
//
// Persistence is non-blocking by policy: a failing observability store never
// propagates errors into the render path. Failures are logged via slog and
// dropped.
package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/foliolab/folio/idgen"
)

// Event components.
const (
	ComponentLoader   = "loader"
	ComponentRender   = "render"
	ComponentMemory   = "memory"
	ComponentViewport = "viewport"
)

// Event types emitted by the pipeline.
const (
	EventLoadStarted     = "load_started"
	EventLoadComplete    = "load_complete"
	EventLoadFailed      = "load_failed"
	EventLoadRetried     = "load_retried"
	EventRenderComplete  = "render_complete"
	EventRenderCancelled = "render_cancelled"
	EventRenderFailed    = "render_failed"
	EventPageEvicted     = "page_evicted"
	EventPageVisible     = "page_visible"
)

// Event is one recorded pipeline occurrence.
type Event struct {
	EventID     string
	Timestamp   time.Time
	Component   string
	EventType   string
	DocumentID  string
	RenderingID string
	PageNumber  int
	Zoom        float64
	DurationMs  int64
	Status      string // "success", "error", "cancelled"
	ErrorMsg    string
	Details     string // free-form JSON
}

// Filter controls event queries.
type Filter struct {
	StartTime  *time.Time
	EndTime    *time.Time
	Component  string
	EventType  string
	DocumentID string
	Limit      int // default 100
}

// EventLog writes pipeline events and answers queries over them.
type EventLog struct {
	db    *sql.DB
	newID idgen.Generator
}

// Option configures an EventLog.
type Option func(*EventLog)

// WithIDGenerator sets a custom event ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *EventLog) { l.newID = gen }
}

// NewEventLog creates a logger backed by the given observability database.
func NewEventLog(db *sql.DB, opts ...Option) *EventLog {
	l := &EventLog{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log records an event. Errors are logged via slog and swallowed.
func (l *EventLog) Log(ctx context.Context, e Event) {
	if e.EventID == "" {
		e.EventID = l.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Status == "" {
		if e.ErrorMsg != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO render_event_logs (
			event_id, timestamp, component, event_type,
			document_id, rendering_id, page_number, zoom,
			duration_ms, status, error_message, details
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.EventID, e.Timestamp.Unix(), e.Component, e.EventType,
		e.DocumentID, e.RenderingID, e.PageNumber, e.Zoom,
		e.DurationMs, e.Status, e.ErrorMsg, e.Details)
	if err != nil {
		slog.Error("observability: event log failed", "error", err, "event_type", e.EventType)
	}
}

// Query retrieves events matching the filter, newest first.
func (l *EventLog) Query(ctx context.Context, f Filter) ([]Event, error) {
	q := `SELECT event_id, timestamp, component, event_type,
		document_id, rendering_id, page_number, zoom,
		duration_ms, status, error_message, details
		FROM render_event_logs WHERE 1=1`
	var args []any

	if f.StartTime != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.StartTime.Unix())
	}
	if f.EndTime != nil {
		q += " AND timestamp <= ?"
		args = append(args, f.EndTime.Unix())
	}
	if f.Component != "" {
		q += " AND component = ?"
		args = append(args, f.Component)
	}
	if f.EventType != "" {
		q += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	if f.DocumentID != "" {
		q += " AND document_id = ?"
		args = append(args, f.DocumentID)
	}

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query render events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts int64
		var errMsg, details sql.NullString
		if err := rows.Scan(
			&e.EventID, &ts, &e.Component, &e.EventType,
			&e.DocumentID, &e.RenderingID, &e.PageNumber, &e.Zoom,
			&e.DurationMs, &e.Status, &errMsg, &details,
		); err != nil {
			return nil, fmt.Errorf("scan render event: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.ErrorMsg = errMsg.String
		e.Details = details.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events and metrics older than retentionDays and returns
// the number of event rows removed.
func (l *EventLog) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := l.db.ExecContext(ctx, "DELETE FROM render_event_logs WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup render events: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, "DELETE FROM render_metrics WHERE timestamp < ?", threshold); err != nil {
		return 0, fmt.Errorf("cleanup render metrics: %w", err)
	}
	return res.RowsAffected()
}
