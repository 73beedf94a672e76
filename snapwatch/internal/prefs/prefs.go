// CLAUDE:SUMMARY SQLite-backed preference store: defaults written once at install, partial saves, typed Settings.
// Package prefs persists user preferences (auto-download, download
// subfolder, advisory concurrency) in a SQLite key/value table.
package prefs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/snapstory/snapwatch/internal/sqlitedb"
)

// Schema is the preference table.
const Schema = `
CREATE TABLE IF NOT EXISTS preferences (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

const (
	keyAutoDownload   = "autoDownload"
	keyDownloadPath   = "downloadPath"
	keyMaxConcurrent  = "maxConcurrentDownloads"
	keyInstalledAt    = "__installed_at"
	defaultPath       = "SnapStory Downloads"
	defaultConcurrent = 3
)

// Settings is the full preference set.
type Settings struct {
	AutoDownload           bool   `json:"autoDownload" yaml:"auto_download"`
	DownloadPath           string `json:"downloadPath" yaml:"download_path"`
	MaxConcurrentDownloads int    `json:"maxConcurrentDownloads" yaml:"max_concurrent_downloads"`
}

// Defaults returns the settings written at first install.
func Defaults() Settings {
	return Settings{
		AutoDownload:           false,
		DownloadPath:           defaultPath,
		MaxConcurrentDownloads: defaultConcurrent,
	}
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	AutoDownload           *bool   `json:"autoDownload,omitempty"`
	DownloadPath           *string `json:"downloadPath,omitempty"`
	MaxConcurrentDownloads *int    `json:"maxConcurrentDownloads,omitempty"`
}

// Full returns a patch that sets every field of s.
func Full(s Settings) Patch {
	return Patch{
		AutoDownload:           &s.AutoDownload,
		DownloadPath:           &s.DownloadPath,
		MaxConcurrentDownloads: &s.MaxConcurrentDownloads,
	}
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.AutoDownload == nil && p.DownloadPath == nil && p.MaxConcurrentDownloads == nil
}

func (p Patch) entries() (map[string]any, error) {
	out := make(map[string]any, 3)
	if p.AutoDownload != nil {
		out[keyAutoDownload] = *p.AutoDownload
	}
	if p.DownloadPath != nil {
		out[keyDownloadPath] = *p.DownloadPath
	}
	if p.MaxConcurrentDownloads != nil {
		if *p.MaxConcurrentDownloads < 1 {
			return nil, fmt.Errorf("prefs: %s must be >= 1, got %d", keyMaxConcurrent, *p.MaxConcurrentDownloads)
		}
		out[keyMaxConcurrent] = *p.MaxConcurrentDownloads
	}
	return out, nil
}

// Store wraps the preference database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the preference database at path.
func Open(path string) (*Store, error) {
	db, err := sqlitedb.Open(path, Schema)
	if err != nil {
		return nil, fmt.Errorf("prefs: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// New wraps an already-open database. The schema is applied.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("prefs: schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the database for tables that live next to the preferences.
func (s *Store) DB() *sql.DB { return s.db }

// Install writes Defaults the first time it runs against a database and
// reports whether it did. Later calls leave stored values alone.
func (s *Store) Install(ctx context.Context) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("prefs: install: begin: %w", err)
	}
	defer tx.Rollback()

	var marker string
	err = tx.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, keyInstalledAt).Scan(&marker)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("prefs: install: marker: %w", err)
	}

	entries, _ := Full(Defaults()).entries()
	now := s.now().UnixMilli()
	entries[keyInstalledAt] = now
	for k, v := range entries {
		if err := upsert(ctx, tx, k, v, now); err != nil {
			return false, fmt.Errorf("prefs: install: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("prefs: install: commit: %w", err)
	}
	return true, nil
}

// Get returns the stored settings. Keys never written fall back to Defaults.
func (s *Store) Get(ctx context.Context) (Settings, error) {
	out := Defaults()
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM preferences WHERE key IN (?, ?, ?)`,
		keyAutoDownload, keyDownloadPath, keyMaxConcurrent)
	if err != nil {
		return out, fmt.Errorf("prefs: get: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return out, fmt.Errorf("prefs: get: scan: %w", err)
		}
		var target any
		switch k {
		case keyAutoDownload:
			target = &out.AutoDownload
		case keyDownloadPath:
			target = &out.DownloadPath
		case keyMaxConcurrent:
			target = &out.MaxConcurrentDownloads
		}
		if err := json.Unmarshal([]byte(v), target); err != nil {
			return out, fmt.Errorf("prefs: get: decode %s: %w", k, err)
		}
	}
	return out, rows.Err()
}

// Save applies a partial update.
func (s *Store) Save(ctx context.Context, p Patch) error {
	entries, err := p.entries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	now := s.now().UnixMilli()
	err = sqlitedb.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for k, v := range entries {
			if err := upsert(ctx, tx, k, v, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("prefs: save: %w", err)
	}
	return nil
}

func upsert(ctx context.Context, tx *sql.Tx, key string, value any, now int64) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(b), now)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}
