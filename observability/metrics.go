package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Standard metric names.
const (
	MetricRenderDurationMs = "render_duration_ms"
	MetricFetchDurationMs  = "fetch_duration_ms"
	MetricResidentPages    = "resident_pages_count"
	MetricEvictedPages     = "evicted_pages_count"
	MetricLoadRetries      = "load_retries_count"
	MetricQueueDepth       = "render_queue_depth"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "milliseconds", "count", "bytes"
}

// Metrics buffers datapoints and flushes them to SQLite in batches. Buffer
// overflow triggers an immediate flush rather than dropping data; a failing
// flush drops the batch and logs.
type Metrics struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*Metric

	stop chan struct{}
	done chan struct{}
}

// NewMetrics creates a batching recorder. Recommended: bufferSize=100,
// flushInterval=5s.
func NewMetrics(db *sql.DB, bufferSize int, flushInterval time.Duration) *Metrics {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	m := &Metrics{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go m.flushLoop()
	return m
}

// Record queues a datapoint. Non-blocking aside from an occasional batch flush.
func (m *Metrics) Record(dp *Metric) {
	if dp.Timestamp.IsZero() {
		dp.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, dp)
	if len(m.buffer) >= m.bufferSize {
		m.flushLocked()
	}
}

// Observe is a convenience helper for unlabelled datapoints.
func (m *Metrics) Observe(name string, value float64, unit string) {
	m.Record(&Metric{Name: name, Value: value, Unit: unit})
}

// Query retrieves datapoints for one metric name, newest first. Nil time
// pointers mean unbounded.
func (m *Metrics) Query(ctx context.Context, name string, start, end *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM render_metrics WHERE metric_name = ?"
	args := []any{name}
	if start != nil {
		q += " AND timestamp >= ?"
		args = append(args, start.Unix())
	}
	if end != nil {
		q += " AND timestamp <= ?"
		args = append(args, end.Unix())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query render metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var dp Metric
		var ts int64
		var labelsJSON sql.NullString
		if err := rows.Scan(&dp.Name, &ts, &dp.Value, &labelsJSON, &dp.Unit); err != nil {
			return nil, fmt.Errorf("scan render metric: %w", err)
		}
		dp.Timestamp = time.Unix(ts, 0)
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				dp.Labels = labels
			}
		}
		out = append(out, &dp)
	}
	return out, rows.Err()
}

// Close flushes remaining datapoints and stops the background goroutine.
func (m *Metrics) Close() error {
	close(m.stop)
	<-m.done
	return nil
}

func (m *Metrics) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			m.mu.Lock()
			m.flushLocked()
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.mu.Lock()
			m.flushLocked()
			m.mu.Unlock()
		}
	}
}

func (m *Metrics) flushLocked() {
	if len(m.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("observability metrics: begin tx", "error", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO render_metrics (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("observability metrics: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, dp := range m.buffer {
		var labelsJSON sql.NullString
		if len(dp.Labels) > 0 {
			if b, err := json.Marshal(dp.Labels); err == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, dp.Name, dp.Timestamp.Unix(), dp.Value, labelsJSON, dp.Unit); err != nil {
			slog.Error("observability metrics: insert", "error", err, "metric", dp.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("observability metrics: commit", "error", err)
	}
	m.buffer = m.buffer[:0]
}
