package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/theimaginaryfoundation/incremental-analyzer/analysis"
)

// MySQLConfig configures a MySQL source. DSN uses the go-sql-driver form,
// e.g. user:pass@tcp(host:3306)/db?charset=utf8mb4.
type MySQLConfig struct {
	DSN      string
	Table    string
	MaxConns int32
}

// MySQL reads the same chat history table as Postgres from a MySQL server.
type MySQL struct {
	db    *sql.DB
	table string
}

var _ analysis.Source = (*MySQL)(nil)

// OpenMySQL opens a connection pool and verifies it with a ping.
// parseTime is always enabled so created_at scans into time.Time.
func OpenMySQL(ctx context.Context, cfg MySQLConfig) (*MySQL, error) {
	mcfg, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("source: parse dsn: %w", err)
	}
	mcfg.ParseTime = true
	conn, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, fmt.Errorf("source: connector: %w", err)
	}
	db := sql.OpenDB(conn)
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConns))
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("source: ping: %w", err)
	}
	m, err := newMySQL(db, cfg.Table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func newMySQL(db *sql.DB, table string) (*MySQL, error) {
	if table == "" {
		table = DefaultTable
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("source: invalid table name %q", table)
	}
	return &MySQL{db: db, table: table}, nil
}

// Close closes the pool.
func (m *MySQL) Close() {
	if m != nil && m.db != nil {
		_ = m.db.Close()
	}
}

// Keys lists distinct non-empty device addresses, sorted.
func (m *MySQL) Keys(ctx context.Context) ([]analysis.Key, error) {
	q := fmt.Sprintf("SELECT DISTINCT mac_address FROM %s WHERE mac_address IS NOT NULL AND mac_address <> '' ORDER BY mac_address", m.table)
	rows, err := m.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("source: list keys: %w", err)
	}
	defer rows.Close()

	var keys []analysis.Key
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("source: scan keys: %w", err)
		}
		keys = append(keys, analysis.Key(s))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: scan keys: %w", err)
	}
	return keys, nil
}

// FetchRecords returns key's rows with id > afterID in ascending id order.
func (m *MySQL) FetchRecords(ctx context.Context, key analysis.Key, afterID int64) ([]analysis.Record, error) {
	if key == "" {
		return nil, errors.New("source: empty key")
	}
	q := fmt.Sprintf("SELECT id, COALESCE(content, ''), created_at FROM %s WHERE mac_address = ? AND id > ? ORDER BY id ASC", m.table)
	rows, err := m.db.QueryContext(ctx, q, string(key), afterID)
	if err != nil {
		return nil, fmt.Errorf("source: query %s: %w", key, err)
	}
	defer rows.Close()

	var recs []analysis.Record
	for rows.Next() {
		var (
			r  analysis.Record
			ts sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Text, &ts); err != nil {
			return nil, fmt.Errorf("source: scan %s: %w", key, err)
		}
		if ts.Valid {
			r.Timestamp = ts.Time
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source: scan %s: %w", key, err)
	}
	return recs, nil
}
