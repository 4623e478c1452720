package storage

import (
	"database/sql"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		if err := os.MkdirAll("data", 0o755); err != nil {
			return nil, err
		}
		dsn = "file:data/logwarden.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite takes one writer at a time.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, q: sqliteQueries}}, nil
}

var sqliteQueries = queries{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS blocked_ips (
			ip TEXT PRIMARY KEY,
			blocked_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT INTO counters (name, value) VALUES ('alerts', 0), ('decisions', 0)
			ON CONFLICT (name) DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS state_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
	},
	addBlocked:  `INSERT INTO blocked_ips (ip, blocked_at) VALUES (?, ?) ON CONFLICT (ip) DO NOTHING`,
	setMeta:     `INSERT INTO state_meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
	incrCounter: `UPDATE counters SET value = value + 1 WHERE name = ?`,
	addAdmin:    `INSERT INTO admin_alerts (ts, message) VALUES (?, ?)`,
	listBlocked: `SELECT ip FROM blocked_ips ORDER BY blocked_at, ip`,
	getCounter:  `SELECT value FROM counters WHERE name = ?`,
	getMeta:     `SELECT value FROM state_meta WHERE key = ?`,
	listAdmin:   `SELECT ts, message FROM admin_alerts ORDER BY id DESC LIMIT ?`,
}
