package pagestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foliolab/folio/dbopen"
)

// Cache persists fetched page lists per document. It receives an
// already-opened *sql.DB (see dbopen) and owns only its own tables.
type Cache struct {
	DB *sql.DB
}

// NewCache creates a Cache from an already-opened database connection.
func NewCache(db *sql.DB) *Cache {
	return &Cache{DB: db}
}

// Init applies the cache schema.
func (c *Cache) Init(ctx context.Context) error {
	if _, err := c.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("pagestore: init schema: %w", err)
	}
	return nil
}

// Put replaces the cached page list for a document atomically.
func (c *Cache) Put(ctx context.Context, documentID, sourceURL string, pages []PageData) error {
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, c.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, source_url, page_count, updated_at) VALUES (?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET source_url=excluded.source_url,
			   page_count=excluded.page_count, updated_at=excluded.updated_at`,
			documentID, sourceURL, len(pages), now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pages WHERE document_id = ?`, documentID); err != nil {
			return err
		}
		for _, p := range pages {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pages (document_id, page_number, image_url, width, height) VALUES (?,?,?,?,?)`,
				documentID, p.PageNumber, p.ImageURL, p.Width, p.Height); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the cached page list for a document, or nil when the document
// has never been cached.
func (c *Cache) Get(ctx context.Context, documentID string) ([]PageData, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT page_number, image_url, width, height FROM pages
		 WHERE document_id = ? ORDER BY page_number ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("pagestore: get: %w", err)
	}
	defer rows.Close()

	var pages []PageData
	for rows.Next() {
		var p PageData
		if err := rows.Scan(&p.PageNumber, &p.ImageURL, &p.Width, &p.Height); err != nil {
			return nil, fmt.Errorf("pagestore: scan: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// Invalidate drops a document's cached pages. Used when a signed image URL
// has expired and a fresh metadata fetch is required.
func (c *Cache) Invalidate(ctx context.Context, documentID string) error {
	_, err := dbopen.Exec(ctx, c.DB, `DELETE FROM documents WHERE id = ?`, documentID)
	return err
}

// UpdatedAt returns the cache timestamp for a document, or zero time when
// the document is not cached.
func (c *Cache) UpdatedAt(ctx context.Context, documentID string) (time.Time, error) {
	var ms int64
	err := c.DB.QueryRowContext(ctx,
		`SELECT updated_at FROM documents WHERE id = ?`, documentID).Scan(&ms)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
