package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"logwarden/internal/config"
	"logwarden/internal/model"
)

// MaxAdminAlerts bounds the admin alert log returned by Snapshot.
const MaxAdminAlerts = 100

const (
	counterAlerts    = "alerts"
	counterDecisions = "decisions"
	metaLastAction   = "last_action"
)

// Store is the persisted system state: the block list, the alert and
// decision counters, the last action and the admin alert log.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	// AddBlockedIP reports whether ip was newly added.
	AddBlockedIP(ctx context.Context, ip string) (bool, error)
	IncrementAlertCount(ctx context.Context) error
	IncrementDecisionCount(ctx context.Context) error
	SaveAdminAlert(ctx context.Context, message string) error
	Snapshot(ctx context.Context) (model.SystemState, error)
}

func NewStore(cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "file":
		return NewFile(cfg.DSN, logger), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// queries holds the dialect-specific statements of a SQL store.
type queries struct {
	schema      []string
	addBlocked  string
	setMeta     string
	incrCounter string
	addAdmin    string
	listBlocked string
	getCounter  string
	getMeta     string
	listAdmin   string
}

type baseStore struct {
	db *sql.DB
	q  queries
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Init(ctx context.Context) error {
	for _, stmt := range b.q.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (b *baseStore) AddBlockedIP(ctx context.Context, ip string) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, b.q.addBlocked, ip, formatTime(nowUTC()))
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if n == 0 {
		return false, tx.Rollback()
	}
	if _, err := tx.ExecContext(ctx, b.q.setMeta, metaLastAction, "Blocked "+ip); err != nil {
		_ = tx.Rollback()
		return false, err
	}
	return true, tx.Commit()
}

func (b *baseStore) IncrementAlertCount(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, b.q.incrCounter, counterAlerts)
	return err
}

func (b *baseStore) IncrementDecisionCount(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, b.q.incrCounter, counterDecisions)
	return err
}

func (b *baseStore) SaveAdminAlert(ctx context.Context, message string) error {
	_, err := b.db.ExecContext(ctx, b.q.addAdmin, formatTime(nowUTC()), message)
	return err
}

func (b *baseStore) Snapshot(ctx context.Context) (model.SystemState, error) {
	st := model.SystemState{BlockedIPs: []string{}}
	rows, err := b.db.QueryContext(ctx, b.q.listBlocked)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			rows.Close()
			return st, err
		}
		st.BlockedIPs = append(st.BlockedIPs, ip)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	if st.TotalAlerts, err = b.counter(ctx, counterAlerts); err != nil {
		return st, err
	}
	if st.TotalDecisions, err = b.counter(ctx, counterDecisions); err != nil {
		return st, err
	}
	err = b.db.QueryRowContext(ctx, b.q.getMeta, metaLastAction).Scan(&st.LastAction)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, err
	}

	rows, err = b.db.QueryContext(ctx, b.q.listAdmin, MaxAdminAlerts)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var ts, msg string
		if err := rows.Scan(&ts, &msg); err != nil {
			return st, err
		}
		st.AdminAlerts = append(st.AdminAlerts, model.AdminAlert{Timestamp: parseTime(ts), Message: msg})
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	slices.Reverse(st.AdminAlerts)
	return st, nil
}

func (b *baseStore) counter(ctx context.Context, name string) (int64, error) {
	var v int64
	err := b.db.QueryRowContext(ctx, b.q.getCounter, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
