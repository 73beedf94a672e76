// CLAUDE:SUMMARY Stores the pages to observe in SQLite alongside the YAML list.
package config

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/snapstory/snapwatch/internal/sqlitedb"
)

// Schema for the watch_pages table.
const Schema = `
CREATE TABLE IF NOT EXISTS watch_pages (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	mode       TEXT NOT NULL DEFAULT 'auto',
	status     TEXT NOT NULL DEFAULT 'active',
	updated_at INTEGER NOT NULL
);
`

// nextStamp yields max(now, last stamp + 1). updated_at is strictly
// increasing, so MAX(updated_at) changes on every write.
const nextStamp = `MAX(?, (SELECT COALESCE(MAX(updated_at), 0) + 1 FROM watch_pages))`

// Version returns MAX(updated_at) of watch_pages. It changes whenever a
// page is saved or retired.
func Version(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(updated_at), 0) FROM watch_pages`).Scan(&v)
	return v, err
}

// LoadPages reads all active pages from the database.
func LoadPages(ctx context.Context, db *sql.DB) ([]PageConfig, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, url, mode
		FROM watch_pages
		WHERE status = 'active'
		ORDER BY updated_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("config: load pages: %w", err)
	}
	defer rows.Close()

	var pages []PageConfig
	for rows.Next() {
		var p PageConfig
		if err := rows.Scan(&p.ID, &p.URL, &p.Mode); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// SavePage inserts or reactivates a page.
func SavePage(ctx context.Context, db *sql.DB, p PageConfig) error {
	if p.ID == "" || p.URL == "" {
		return fmt.Errorf("config: save page: id and url are required")
	}
	if p.Mode == "" {
		p.Mode = "auto"
	}
	_, err := sqlitedb.Exec(ctx, db, `
		INSERT INTO watch_pages (id, url, mode, status, updated_at)
		VALUES (?, ?, ?, 'active', `+nextStamp+`)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url, mode = excluded.mode,
			status = 'active', updated_at = excluded.updated_at
	`, p.ID, p.URL, p.Mode, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("config: save page %s: %w", p.ID, err)
	}
	return nil
}

// RetirePage marks a page inactive and reports whether an active row was
// retired. Retired pages are not loaded.
func RetirePage(ctx context.Context, db *sql.DB, id string) (bool, error) {
	res, err := sqlitedb.Exec(ctx, db,
		`UPDATE watch_pages SET status = 'retired', updated_at = `+nextStamp+` WHERE id = ? AND status = 'active'`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("config: retire page %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MergePages returns file pages followed by database pages whose ID is
// not already listed in the file.
func MergePages(file, db []PageConfig) []PageConfig {
	seen := make(map[string]bool, len(file))
	out := make([]PageConfig, 0, len(file)+len(db))
	for _, p := range file {
		seen[p.ID] = true
		out = append(out, p)
	}
	for _, p := range db {
		if !seen[p.ID] {
			out = append(out, p)
		}
	}
	return out
}
