package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/logwarden?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, q: postgresQueries}}, nil
}

var postgresQueries = queries{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS blocked_ips (
			ip TEXT PRIMARY KEY,
			blocked_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL DEFAULT 0
		)`,
		`INSERT INTO counters (name, value) VALUES ('alerts', 0), ('decisions', 0)
			ON CONFLICT (name) DO NOTHING`,
		`CREATE TABLE IF NOT EXISTS state_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS admin_alerts (
			id BIGSERIAL PRIMARY KEY,
			ts TEXT NOT NULL,
			message TEXT NOT NULL
		)`,
	},
	addBlocked:  `INSERT INTO blocked_ips (ip, blocked_at) VALUES ($1, $2) ON CONFLICT (ip) DO NOTHING`,
	setMeta:     `INSERT INTO state_meta (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
	incrCounter: `UPDATE counters SET value = value + 1 WHERE name = $1`,
	addAdmin:    `INSERT INTO admin_alerts (ts, message) VALUES ($1, $2)`,
	listBlocked: `SELECT ip FROM blocked_ips ORDER BY blocked_at, ip`,
	getCounter:  `SELECT value FROM counters WHERE name = $1`,
	getMeta:     `SELECT value FROM state_meta WHERE key = $1`,
	listAdmin:   `SELECT ts, message FROM admin_alerts ORDER BY id DESC LIMIT $1`,
}
