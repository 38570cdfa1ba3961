package pagestore

// Schema is the page metadata cache schema. One row per cached document plus
// one row per page. updated_at drives cache invalidation decisions upstream.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    id          TEXT PRIMARY KEY,
    source_url  TEXT NOT NULL DEFAULT '',
    page_count  INTEGER NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pages (
    document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    page_number INTEGER NOT NULL,
    image_url   TEXT NOT NULL,
    width       REAL NOT NULL,
    height      REAL NOT NULL,
    PRIMARY KEY (document_id, page_number)
);
CREATE INDEX IF NOT EXISTS idx_pages_document ON pages(document_id, page_number);
`
