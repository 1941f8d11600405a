// Copyright 2025 James Ross
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// l1Entry is the value shape stored in the L1 cache, matching the snapshot
// the source writes via get_sqlite_cache().set_json (spec §4.D "SQLite L1").
type l1Entry struct {
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at"`
}

// l1Cache is a small SQLite-file-backed key/value cache that Store writes
// alongside the durable analysis_artifact_cache table. Store's read paths do
// not consult it (getJSON has no caller); they always read the durable
// table, so a missing or corrupt L1 file loses no data.
type l1Cache struct {
	db *sql.DB
}

const l1Schema = `
CREATE TABLE IF NOT EXISTS l1_cache (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER
);
`

// openL1Cache opens (creating if needed) the SQLite L1 cache file under dir.
// An empty dir disables the L1 tier entirely.
func openL1Cache(dir string) (*l1Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache: l1 disabled (empty dir)")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create l1 dir: %w", err)
	}
	path := filepath.Join(dir, "l1.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=3000")
	if err != nil {
		return nil, fmt.Errorf("cache: open l1 db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(l1Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: init l1 schema: %w", err)
	}
	return &l1Cache{db: db}, nil
}

func (c *l1Cache) setJSON(key string, entry l1Entry, expiresAt *time.Time) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	var expiresAtS any
	if expiresAt != nil {
		expiresAtS = expiresAt.Unix()
	}
	_, _ = c.db.Exec(`INSERT INTO l1_cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`, key, raw, expiresAtS)
}

func (c *l1Cache) getJSON(key string) (*l1Entry, bool) {
	if c == nil {
		return nil, false
	}
	var (
		raw       []byte
		expiresAt sql.NullInt64
	)
	err := c.db.QueryRow(`SELECT value, expires_at FROM l1_cache WHERE key=?`, key).Scan(&raw, &expiresAt)
	if err != nil {
		return nil, false
	}
	if expiresAt.Valid && time.Now().Unix() >= expiresAt.Int64 {
		_, _ = c.db.Exec(`DELETE FROM l1_cache WHERE key=?`, key)
		return nil, false
	}
	var entry l1Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

func (c *l1Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
