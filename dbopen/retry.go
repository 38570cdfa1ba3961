package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLite serializes writers, so concurrent metadata and observability writes
// occasionally surface as BUSY even with a busy_timeout pragma set. Three
// linear-backoff attempts cover the contention windows seen in practice.
const (
	busyAttempts = 3
	busyBackoff  = 100 * time.Millisecond
)

// IsBusy reports whether err is an SQLite BUSY condition. The driver exposes
// these only as message text, so matching is by substring.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withBusyRetry runs op, retrying on BUSY with 100/200/300 ms waits. Any
// other error returns immediately.
func withBusyRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		if attempt == busyAttempts {
			break
		}
		wait := busyBackoff * time.Duration(attempt)
		if serr := sleepCtx(ctx, wait); serr != nil {
			return fmt.Errorf("dbopen: %s interrupted while waiting out BUSY: %w", name, serr)
		}
	}
	return fmt.Errorf("dbopen: %s: still BUSY after %d attempts: %w", name, busyAttempts, err)
}

// RunTx executes fn inside a transaction, retrying the whole transaction on
// BUSY. Errors from fn itself are returned unwrapped so callers can match
// them with errors.Is.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withBusyRetry(ctx, "RunTx", func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec executes a single statement, retrying on BUSY.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withBusyRetry(ctx, "Exec", func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
