// Package source provides analysis.Source implementations for chat history stores.
package source

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/theimaginaryfoundation/incremental-analyzer/analysis"
)

// DefaultTable is the chat history table written by the device server.
const DefaultTable = "ai_agent_chat_history"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresConfig configures a Postgres source.
type PostgresConfig struct {
	DSN      string
	Table    string
	MaxConns int32
}

// Postgres reads chat history rows (id, mac_address, content, created_at) through a pgx pool.
// The pool is safe for concurrent use, so workers query in parallel.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

var _ analysis.Source = (*Postgres)(nil)

var newPool = pgxpool.NewWithConfig

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("source: invalid table name %q", table)
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("source: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := newPool(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("source: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("source: ping: %w", err)
	}
	return &Postgres{pool: pool, table: table}, nil
}

// Close closes the pool
func (p *Postgres) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}

// Keys lists distinct non-empty device addresses, sorted.
func (p *Postgres) Keys(ctx context.Context) ([]analysis.Key, error) {
	q := fmt.Sprintf(`SELECT DISTINCT mac_address FROM %s WHERE mac_address IS NOT NULL AND mac_address <> '' ORDER BY mac_address`, p.table)
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("source: list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (analysis.Key, error) {
		var s string
		err := row.Scan(&s)
		return analysis.Key(s), err
	})
	if err != nil {
		return nil, fmt.Errorf("source: scan keys: %w", err)
	}
	return keys, nil
}

// FetchRecords returns key's rows with id > afterID in ascending id order.
func (p *Postgres) FetchRecords(ctx context.Context, key analysis.Key, afterID int64) ([]analysis.Record, error) {
	if key == "" {
		return nil, errors.New("source: empty key")
	}
	q := fmt.Sprintf(`SELECT id, COALESCE(content, ''), created_at FROM %s WHERE mac_address = $1 AND id > $2 ORDER BY id ASC`, p.table)
	rows, err := p.pool.Query(ctx, q, string(key), afterID)
	if err != nil {
		return nil, fmt.Errorf("source: query %s: %w", key, err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (analysis.Record, error) {
		var (
			r  analysis.Record
			ts *time.Time
		)
		if err := row.Scan(&r.ID, &r.Text, &ts); err != nil {
			return r, err
		}
		if ts != nil {
			r.Timestamp = *ts
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("source: scan %s: %w", key, err)
	}
	return recs, nil
}
