// CLAUDE:SUMMARY Opens SQLite databases (modernc driver) with WAL, busy timeout and foreign keys set per connection.
// Package sqlitedb opens the SQLite databases used by snapwatch: the
// preference store and the download job log.
//
// Pragmas are passed in the DSN so every pooled connection gets them:
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
package sqlitedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

const driver = "sqlite"

var filePragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(10000)",
	"synchronous(NORMAL)",
}

// DSN builds the modernc DSN for path. ":memory:" yields a private
// in-memory database without WAL.
func DSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	q := make([]string, len(filePragmas))
	for i, p := range filePragmas {
		q[i] = "_pragma=" + p
	}
	return "file:" + path + "?" + strings.Join(q, "&")
}

// Open opens the database at path, creating parent directories, and runs
// each schema statement in order.
func Open(path string, schemas ...string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlitedb: mkdir: %w", err)
		}
	}

	db, err := sql.Open(driver, DSN(path))
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open %s: %w", path, err)
	}
	if path == ":memory:" {
		// each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitedb: ping %s: %w", path, err)
	}
	for _, s := range schemas {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitedb: exec schema: %w", err)
		}
	}
	return db, nil
}

// OpenMemory opens an in-memory database for tests and closes it on cleanup.
func OpenMemory(t testing.TB, schemas ...string) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", schemas...)
	if err != nil {
		t.Fatalf("sqlitedb.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
