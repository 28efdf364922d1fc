// Package postgres implements rank.Store on a Postgres table of cells, for
// deployments that keep rank history outside a spreadsheet.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store reads and writes rank cells in Postgres.
type Store struct {
	pool   pool
	table  string
	layout rank.Layout
	now    func() time.Time
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, layout rank.Layout) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: database.dsn", rank.ErrConfigurationMissing)
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
	s, err := NewWithPool(p, cfg.Table, layout)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string, layout rank.Layout) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "rank_cells"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if len(layout.Bands) == 0 {
		layout = rank.DefaultLayout()
	}
	return &Store{pool: p, table: table, layout: layout, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the cell table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	sheet_id   TEXT        NOT NULL,
	row_num    INTEGER     NOT NULL,
	col_num    INTEGER     NOT NULL,
	value      TEXT        NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (sheet_id, row_num, col_num)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("%w: ensure schema: %w", rank.ErrTransport, err)
	}
	return nil
}

// Phrases reads the header row across the layout's span.
func (s *Store) Phrases(ctx context.Context, sheetID string) ([]rank.Phrase, error) {
	span := s.layout.Span()
	query := fmt.Sprintf(`
SELECT col_num, value FROM %s
WHERE sheet_id = $1 AND row_num = $2 AND col_num BETWEEN $3 AND $4
ORDER BY col_num`, s.table)
	rows, err := s.pool.Query(ctx, query, sheetID, s.layout.HeaderRow, span.First, span.Last)
	if err != nil {
		return nil, fmt.Errorf("%w: select phrases: %w", rank.ErrTransport, err)
	}
	defer rows.Close()

	header := make(map[int]string)
	for rows.Next() {
		var (
			col   int
			value string
		)
		if err := rows.Scan(&col, &value); err != nil {
			return nil, fmt.Errorf("%w: scan phrase: %w", rank.ErrTransport, err)
		}
		header[col] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate phrases: %w", rank.ErrTransport, err)
	}
	return s.layout.Phrases(func(col int) string { return header[col] }), nil
}

// LastOccupiedRow returns the highest row with a non-empty value in span.
func (s *Store) LastOccupiedRow(ctx context.Context, sheetID string, span rank.ColumnSpan) (int, error) {
	query := fmt.Sprintf(`
SELECT COALESCE(MAX(row_num), 0) FROM %s
WHERE sheet_id = $1 AND col_num BETWEEN $2 AND $3 AND value <> ''`, s.table)
	var last int
	if err := s.pool.QueryRow(ctx, query, sheetID, span.First, span.Last).Scan(&last); err != nil {
		return 0, fmt.Errorf("%w: scan occupancy: %w", rank.ErrTransport, err)
	}
	return last, nil
}

// WriteCell upserts one cell.
func (s *Store) WriteCell(ctx context.Context, sheetID string, ref rank.CellRef, value any) error {
	query := fmt.Sprintf(`
INSERT INTO %s (sheet_id, row_num, col_num, value, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (sheet_id, row_num, col_num)
DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, sheetID, ref.Row, ref.Column, fmt.Sprint(value), s.now().UTC()); err != nil {
		return fmt.Errorf("%w: upsert %s: %w", rank.ErrTransport, ref.A1(), err)
	}
	return nil
}
