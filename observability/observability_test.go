package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/foliolab/folio/dbopen"
	"github.com/foliolab/folio/observability"

	_ "modernc.org/sqlite"
)

func TestEventLogRoundtrip(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	if err := observability.Init(ctx, db); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	log := observability.NewEventLog(db)
	log.Log(ctx, observability.Event{
		Component:   observability.ComponentRender,
		EventType:   observability.EventRenderComplete,
		DocumentID:  "doc_1",
		RenderingID: "rnd_1",
		PageNumber:  3,
		Zoom:        1.5,
		DurationMs:  42,
	})
	log.Log(ctx, observability.Event{
		Component:  observability.ComponentLoader,
		EventType:  observability.EventLoadFailed,
		DocumentID: "doc_1",
		ErrorMsg:   "permission denied",
	})

	events, err := log.Query(ctx, observability.Filter{DocumentID: "doc_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}

	renders, err := log.Query(ctx, observability.Filter{
		Component: observability.ComponentRender,
		EventType: observability.EventRenderComplete,
	})
	if err != nil {
		t.Fatalf("query renders: %v", err)
	}
	if len(renders) != 1 {
		t.Fatalf("render events = %d, want 1", len(renders))
	}
	e := renders[0]
	if e.PageNumber != 3 || e.Zoom != 1.5 || e.DurationMs != 42 {
		t.Fatalf("event = %+v", e)
	}
	if e.Status != "success" {
		t.Fatalf("status = %q, want success", e.Status)
	}

	failures, err := log.Query(ctx, observability.Filter{EventType: observability.EventLoadFailed})
	if err != nil {
		t.Fatalf("query failures: %v", err)
	}
	if len(failures) != 1 || failures[0].Status != "error" {
		t.Fatalf("failure events = %+v", failures)
	}
}

func TestEventLogCleanup(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	if err := observability.Init(ctx, db); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	log := observability.NewEventLog(db)
	log.Log(ctx, observability.Event{
		Component: observability.ComponentRender,
		EventType: observability.EventRenderComplete,
		Timestamp: time.Now().AddDate(0, 0, -30),
	})
	log.Log(ctx, observability.Event{
		Component: observability.ComponentRender,
		EventType: observability.EventRenderComplete,
	})

	removed, err := log.Cleanup(ctx, 7)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	events, err := log.Query(ctx, observability.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("remaining events = %d, want 1", len(events))
	}
}

func TestMetricsFlushOnClose(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	if err := observability.Init(ctx, db); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	metrics := observability.NewMetrics(db, 100, time.Hour)
	metrics.Observe(observability.MetricRenderDurationMs, 17, "milliseconds")
	metrics.Record(&observability.Metric{
		Name:   observability.MetricResidentPages,
		Value:  5,
		Unit:   "count",
		Labels: map[string]string{"document_id": "doc_1"},
	})
	if err := metrics.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	durations, err := metrics.Query(ctx, observability.MetricRenderDurationMs, nil, nil, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(durations) != 1 || durations[0].Value != 17 {
		t.Fatalf("durations = %+v", durations)
	}

	resident, err := metrics.Query(ctx, observability.MetricResidentPages, nil, nil, 10)
	if err != nil {
		t.Fatalf("query resident: %v", err)
	}
	if len(resident) != 1 || resident[0].Labels["document_id"] != "doc_1" {
		t.Fatalf("resident = %+v", resident)
	}
}

func TestMetricsBufferOverflowFlushes(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	if err := observability.Init(ctx, db); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	metrics := observability.NewMetrics(db, 2, time.Hour)
	defer metrics.Close()
	metrics.Observe(observability.MetricQueueDepth, 1, "count")
	metrics.Observe(observability.MetricQueueDepth, 2, "count")

	got, err := metrics.Query(ctx, observability.MetricQueueDepth, nil, nil, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("datapoints = %d, want 2 after overflow flush", len(got))
	}
}
