// Package pgsql implements a rollout engine storage backend using PostgreSQL.
package pgsql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PgSQLStorage implements a storage.AllStorage using PostgreSQL.
type PgSQLStorage struct {
	pool *pgxpool.Pool
}

type config struct {
	dsn     string
	pool    *pgxpool.Pool
	migrate bool
}

// Option allows configuring a PgSQLStorage.
type Option func(*config)

// WithDSN sets the storage PostgreSQL connection string.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithPool sets a custom pgx pool to the storage.
// If set the DSN is only used for migrations.
func WithPool(pool *pgxpool.Pool) Option {
	return func(c *config) {
		c.pool = pool
	}
}

// WithMigrations runs the embedded schema migrations when the storage is created.
func WithMigrations() Option {
	return func(c *config) {
		c.migrate = true
	}
}

// New creates and returns a new PgSQLStorage.
func New(ctx context.Context, opts ...Option) (*PgSQLStorage, error) {
	cfg := new(config)
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.migrate {
		if err := Migrate(cfg.dsn); err != nil {
			return nil, err
		}
	}
	if cfg.pool == nil {
		poolCfg, err := pgxpool.ParseConfig(cfg.dsn)
		if err != nil {
			return nil, fmt.Errorf("parse db config: %w", err)
		}
		cfg.pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("create db pool: %w", err)
		}
	}
	if err := cfg.pool.Ping(ctx); err != nil {
		cfg.pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &PgSQLStorage{pool: cfg.pool}, nil
}

// Pool returns the underlying connection pool.
func (s *PgSQLStorage) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool.
func (s *PgSQLStorage) Close() {
	s.pool.Close()
}

// Migrate opens a connection to the database and runs all pending
// embedded migrations.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err = goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err = goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// nullTime returns nil for the zero time.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// nullString returns nil for the empty string.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// txcb executes SQL within transactions when wrapped in tx().
type txcb func(ctx context.Context, tx pgx.Tx) error

// tx wraps g in transactions using pool.
// If g returns an err the transaction will be rolled back; otherwise committed.
func tx(ctx context.Context, pool *pgxpool.Pool, g txcb) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	if err = g(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("tx rollback: %w; while trying to handle error: %v", rbErr, err)
		}
		return fmt.Errorf("tx rolled back: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit: %w", err)
	}
	return nil
}
