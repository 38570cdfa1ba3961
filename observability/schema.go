package observability

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema for the shared observability database. Kept separate from the page
// metadata database to avoid write contention with the hot path.
const schema = `
CREATE TABLE IF NOT EXISTS render_event_logs (
    event_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    component     TEXT NOT NULL,
    event_type    TEXT NOT NULL,
    document_id   TEXT NOT NULL DEFAULT '',
    rendering_id  TEXT NOT NULL DEFAULT '',
    page_number   INTEGER NOT NULL DEFAULT 0,
    zoom          REAL NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL,
    error_message TEXT,
    details       TEXT
);
CREATE INDEX IF NOT EXISTS idx_render_events_ts ON render_event_logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_render_events_doc ON render_event_logs(document_id, event_type);

CREATE TABLE IF NOT EXISTS render_metrics (
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT NOT NULL DEFAULT 'count'
);
CREATE INDEX IF NOT EXISTS idx_render_metrics_name_ts ON render_metrics(metric_name, timestamp);
`

// Init creates the observability tables. Idempotent.
func Init(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("observability: init schema: %w", err)
	}
	return nil
}
