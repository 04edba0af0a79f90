package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrInvalidRelation is returned when an identity field of a relation is empty.
	ErrInvalidRelation = errors.New("relation identity incomplete")
	// ErrNotFound is returned by single-row lookups.
	ErrNotFound = errors.New("not found")
)

const sqlitePragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

// Options configures Open.
type Options struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// DB wraps a sql.DB with the dialect it speaks.
type DB struct {
	sql    *sql.DB
	driver string
}

// Open connects to the configured database. SQLite is limited to a single
// connection so transactions never contend for the write lock.
func Open(ctx context.Context, opts Options) (*DB, error) {
	var (
		handle *sql.DB
		err    error
	)
	switch opts.Driver {
	case DriverSQLite, "":
		dsn := opts.DSN
		if !strings.HasPrefix(dsn, "file:") {
			if dir := filepath.Dir(dsn); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create data dir: %w", err)
				}
			}
			dsn = "file:" + dsn + sqlitePragmas
		}
		handle, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		handle.SetMaxOpenConns(1)
		opts.Driver = DriverSQLite
	case DriverPostgres:
		handle, err = sql.Open("postgres", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if opts.MaxOpenConns > 0 {
			handle.SetMaxOpenConns(opts.MaxOpenConns)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	if err := handle.PingContext(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Driver, err)
	}
	return &DB{sql: handle, driver: opts.Driver}, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.sql.Close()
}

// Driver returns the dialect name.
func (db *DB) Driver() string {
	return db.driver
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for postgres. Quoted literals are left
// alone.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// forUpdate returns the row-locking suffix for selects inside merge
// transactions. SQLite locks the whole database on write instead.
func (db *DB) forUpdate() string {
	if db.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (db *DB) exec(ctx context.Context, q querier, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, q querier, query string, args ...interface{}) (*sql.Rows, error) {
	return q.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, q querier, query string, args ...interface{}) *sql.Row {
	return q.QueryRowContext(ctx, db.rebind(query), args...)
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
