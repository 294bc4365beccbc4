// Package postgres provides the Postgres-backed fetch log.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fetchcache/internal/storage"
)

// ErrInvalidTable is returned when the configured table name is not a plain
// SQL identifier.
var ErrInvalidTable = errors.New("invalid table name")

const defaultTable = "fetch_log"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for fetch log rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// FetchLog writes one row per drained result into Postgres.
type FetchLog struct {
	pool  execCloser
	table string
	query string
}

var _ storage.FetchLog = (*FetchLog)(nil)

// NewFetchLog connects a pool using cfg.
func NewFetchLog(ctx context.Context, cfg Config) (*FetchLog, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newFetchLog(pool, table), nil
}

// NewFetchLogWithPool constructs a log from an existing pool (primarily for testing).
func NewFetchLogWithPool(pool execCloser, table string) (*FetchLog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return newFetchLog(pool, table), nil
}

func newFetchLog(pool execCloser, table string) *FetchLog {
	return &FetchLog{
		pool:  pool,
		table: table,
		query: fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	success,
	bytes,
	content_hash,
	blob_uri,
	fetched_at,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)`, table),
	}
}

func tableName(raw string) (string, error) {
	if raw == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTable, raw)
	}
	return raw, nil
}

// Close releases the underlying pool resources.
func (l *FetchLog) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// Record inserts a row. Empty hash and blob URI are stored as NULL.
func (l *FetchLog) Record(ctx context.Context, record storage.FetchRecord) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("fetch log is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if record.URL == "" {
		return fmt.Errorf("record url is required")
	}
	args := []any{
		record.ID,
		record.URL,
		record.Success,
		record.Bytes,
		nullable(record.Hash),
		nullable(record.BlobURI),
		record.FetchedAt,
		record.DurationMs,
	}
	if _, err := l.pool.Exec(ctx, l.query, args...); err != nil {
		return fmt.Errorf("insert fetch record: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
