// Package storage persists call records in a per-peer SQLite database.
// A record outlives the in-memory session: it is the source of truth for
// reconciling local state after the app returns from background.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database holding call records.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	subMu sync.RWMutex
	subs  map[int]func(CallRecord)
	nextSub int
}

// Open opens or creates the call database in the given directory.
func Open(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "calls.db")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id             TEXT PRIMARY KEY,
			caller_id      TEXT NOT NULL,
			callee_id      TEXT NOT NULL,
			offer          TEXT,
			answer         TEXT,
			ice_candidates TEXT NOT NULL DEFAULT '[]',
			status         TEXT NOT NULL,
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			ended_at       DATETIME
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &DB{db: db, path: dbPath, subs: make(map[int]func(CallRecord))}, nil
}

// Path returns the on-disk location of the database file.
func (d *DB) Path() string { return d.path }

// Close closes the underlying database.
func (d *DB) Close() error {
	d.subMu.Lock()
	d.subs = make(map[int]func(CallRecord))
	d.subMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

// Subscribe registers a callback fired whenever a record is created or an
// incoming record is materialized via Put. Returns an unsubscribe function.
func (d *DB) Subscribe(fn func(CallRecord)) func() {
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

// notify delivers a record snapshot to all subscribers.
func (d *DB) notify(rec CallRecord) {
	d.subMu.RLock()
	fns := make([]func(CallRecord), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.RUnlock()

	for _, fn := range fns {
		fn(rec)
	}
}
