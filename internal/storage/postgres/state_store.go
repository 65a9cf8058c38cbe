// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-crawler/internal/crawlstate"
)

// DefaultTable holds one crawl state document per crawl name.
const DefaultTable = "crawl_state"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// StateStoreConfig controls the Postgres connection pool used for crawl state.
type StateStoreConfig struct {
	DSN             string
	Table           string
	Crawl           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// StateStore keeps the encoded crawl state as a JSONB document. It satisfies
// crawlstate.Backend.
type StateStore struct {
	pool  pool
	table string
	crawl string
}

// NewStateStore connects to Postgres and makes sure the state table exists.
func NewStateStore(ctx context.Context, cfg StateStoreConfig) (*StateStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Crawl) == "" {
		return nil, fmt.Errorf("crawl name is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &StateStore{pool: p, table: table, crawl: cfg.Crawl}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewStateStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStateStoreWithPool(p pool, table, crawl string) (*StateStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(crawl) == "" {
		return nil, fmt.Errorf("crawl name is required")
	}
	return &StateStore{pool: p, table: name, crawl: crawl}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Migrate creates the state table when missing.
func (s *StateStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	crawl_name TEXT PRIMARY KEY,
	document JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create state table: %w", err)
	}
	return nil
}

// Load returns the saved document, or crawlstate.ErrNoState when the crawl
// has never been checkpointed.
func (s *StateStore) Load(ctx context.Context) ([]byte, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE crawl_name = $1`, s.table)
	var data []byte
	if err := s.pool.QueryRow(ctx, query, s.crawl).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, crawlstate.ErrNoState
		}
		return nil, fmt.Errorf("select crawl state: %w", err)
	}
	return data, nil
}

// Save upserts the document for the crawl.
func (s *StateStore) Save(ctx context.Context, data []byte) error {
	query := fmt.Sprintf(`
INSERT INTO %s (crawl_name, document, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (crawl_name) DO UPDATE
SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, s.crawl, data); err != nil {
		return fmt.Errorf("upsert crawl state: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *StateStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
