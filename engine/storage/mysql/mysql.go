// Package mysql implements a rollout engine storage backend using MySQL.
package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"
)

// Schema contains the MySQL schema for the rollout engine storage.
//
//go:embed schema.sql
var Schema string

// MySQLStorage implements a storage.AllStorage using MySQL.
type MySQLStorage struct {
	db *sql.DB

	// owned is true when the storage opened db itself
	owned bool
}

type config struct {
	driver       string
	dsn          string
	db           *sql.DB
	maxOpenConns int
}

// Option allows configuring a MySQLStorage.
type Option func(*config)

// WithDSN sets the storage MySQL data source name.
// The DSN must enable time parsing (parseTime=true).
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithDriver sets a custom database/sql driver name. The default is "mysql".
func WithDriver(driver string) Option {
	return func(c *config) {
		c.driver = driver
	}
}

// WithDB uses db instead of opening a new handle.
// The driver and DSN are then ignored and Close leaves db open.
func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

// WithMaxOpenConns limits the open connections of a handle opened by the storage.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// New opens the database and checks the connection.
func New(ctx context.Context, opts ...Option) (*MySQLStorage, error) {
	cfg := &config{driver: "mysql"}
	for _, opt := range opts {
		opt(cfg)
	}
	s := &MySQLStorage{db: cfg.db}
	if s.db == nil {
		db, err := sql.Open(cfg.driver, cfg.dsn)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", cfg.driver, err)
		}
		if cfg.maxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.maxOpenConns)
		}
		s.db, s.owned = db, true
	}
	if err := s.db.PingContext(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return s, nil
}

// DB returns the database handle so other MySQL stores can share it.
func (s *MySQLStorage) DB() *sql.DB {
	return s.db
}

// Close closes the database handle if the storage opened it.
func (s *MySQLStorage) Close() {
	if s.owned {
		s.db.Close()
	}
}

// sqlNullString sets Valid to true of the return value of s is not empty.
func sqlNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// sqlNullTime sets Valid to true of the return value of t is not zero.
func sqlNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Valid: !t.IsZero(), Time: t}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// txcb executes SQL within transactions when wrapped in tx().
type txcb func(ctx context.Context, tx *sql.Tx) error

// tx wraps g in transactions using db.
// If g returns an err the transaction will be rolled back; otherwise committed.
func tx(ctx context.Context, db *sql.DB, g txcb) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	if err = g(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback: %w; while trying to handle error: %v", rbErr, err)
		}
		return fmt.Errorf("tx rolled back: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}
