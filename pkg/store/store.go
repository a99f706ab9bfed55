// Package store is the relational persistence layer: a bounded pgx pool
// behind sqlx, transactional scopes, schema migrations with checksums, and
// retention cleanup driven by declarative policies.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/logger"
)

// Options configures the connection pool.
type Options struct {
	DSN             string
	MaxConns        int
	MinConns        int
	CommandTimeout  time.Duration
	ConnMaxLifetime time.Duration
	AppName         string
}

// DB wraps the pool. The command timeout bounds the connectivity checks
// (Open, Health, CheckHealth); queries run under the caller's context.
type DB struct {
	*sqlx.DB
	log     zerolog.Logger
	timeout time.Duration
}

// Open dials Postgres through the pgx stdlib driver and verifies the
// connection.
func Open(ctx context.Context, opts Options) (*DB, error) {
	dsn := opts.DSN
	if opts.AppName != "" {
		dsn += " application_name=" + opts.AppName
	}
	raw, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, errors.New(errors.KindPermanent, "store", "open database", err)
	}
	raw.SetMaxOpenConns(opts.MaxConns)
	raw.SetMaxIdleConns(opts.MinConns)
	if opts.ConnMaxLifetime > 0 {
		raw.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	db := &DB{DB: raw, log: logger.New("store"), timeout: opts.CommandTimeout}

	pingCtx, cancel := db.opCtx(ctx)
	defer cancel()
	if err := raw.PingContext(pingCtx); err != nil {
		_ = raw.Close()
		return nil, errors.New(errors.KindTransient, "store", "ping database", err)
	}
	return db, nil
}

// NewWithDB wraps an existing handle; used by tests with sqlmock.
func NewWithDB(raw *sql.DB, driverName string) *DB {
	return &DB{
		DB:      sqlx.NewDb(raw, driverName),
		log:     logger.New("store"),
		timeout: 5 * time.Second,
	}
}

// opCtx applies the command timeout when one is configured.
func (d *DB) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

// WithTx runs fn inside a transaction. The transaction is rolled back when
// fn returns an error or panics, and the original error is re-surfaced.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return errors.New(errors.KindTransient, "store", "begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = errors.New(errors.KindTransient, "store", "commit transaction", commitErr)
		}
	}()
	return fn(tx)
}

// Health pings the pool; non-nil means the store is unreachable.
func (d *DB) Health(ctx context.Context) error {
	pingCtx, cancel := d.opCtx(ctx)
	defer cancel()
	if err := d.PingContext(pingCtx); err != nil {
		return errors.New(errors.KindUnavailable, "store", "ping database", err)
	}
	return nil
}

// Health reports pool statistics and round-trip status.
type Health struct {
	Connected    bool          `json:"connected"`
	PingLatency  time.Duration `json:"ping_latency"`
	OpenConns    int           `json:"open_conns"`
	InUseConns   int           `json:"in_use_conns"`
	IdleConns    int           `json:"idle_conns"`
	WaitDuration time.Duration `json:"wait_duration"`
}

// CheckHealth pings the pool and snapshots its stats.
func (d *DB) CheckHealth(ctx context.Context) Health {
	pingCtx, cancel := d.opCtx(ctx)
	defer cancel()

	start := time.Now()
	if err := d.PingContext(pingCtx); err != nil {
		return Health{Connected: false}
	}
	stats := d.Stats()
	return Health{
		Connected:    true,
		PingLatency:  time.Since(start),
		OpenConns:    stats.OpenConnections,
		InUseConns:   stats.InUse,
		IdleConns:    stats.Idle,
		WaitDuration: stats.WaitDuration,
	}
}
