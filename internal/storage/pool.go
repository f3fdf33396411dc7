// Package storage provides the PostgreSQL storage layer for Kairos.
//
// It manages connection pooling (via pgxpool), a dedicated connection for
// LISTEN/NOTIFY wake-ups, and the conditional updates that coordinate task
// ownership between processes. No in-process lock guards shared state:
// every cross-process invariant is enforced by a single SQL statement.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kairos/internal/telemetry"
)

// DB wraps a pgxpool.Pool for normal queries and a dedicated pgx.Conn
// for LISTEN/NOTIFY.
type DB struct {
	pool      *pgxpool.Pool
	notifyDSN string
	listener  *Listener
	logger    *slog.Logger
}

// New creates a new DB with a connection pool.
// notifyDSN should point directly to Postgres (not a transaction-pooling
// proxy) because LISTEN needs a session. An empty notifyDSN disables wake-ups
// and workers fall back to pure polling.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", classify(err))
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", classify(err))
		}
	}

	db := &DB{
		pool:      pool,
		notifyDSN: notifyDSN,
		listener:  &Listener{dsn: notifyDSN, conn: notifyConn, logger: logger},
		logger:    logger,
	}
	db.registerPoolMetrics()
	return db, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotify reports whether a LISTEN/NOTIFY connection is configured.
func (db *DB) HasNotify() bool {
	return db.notifyDSN != ""
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if err := db.listener.Close(ctx); err != nil {
		db.logger.Warn("storage: close notify connection", "error", err)
	}
}

// registerPoolMetrics exposes pool saturation as observable gauges.
// Registration failures are logged and otherwise ignored.
func (db *DB) registerPoolMetrics() {
	meter := telemetry.Meter("kairos/storage")

	acquired, err := meter.Int64ObservableGauge("kairos.db.pool.acquired",
		metric.WithDescription("Connections currently checked out of the pool"))
	if err != nil {
		db.logger.Warn("storage: register pool metric", "error", err)
		return
	}
	idle, err := meter.Int64ObservableGauge("kairos.db.pool.idle",
		metric.WithDescription("Idle connections in the pool"))
	if err != nil {
		db.logger.Warn("storage: register pool metric", "error", err)
		return
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := db.pool.Stat()
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()))
		o.ObserveInt64(idle, int64(stat.IdleConns()))
		return nil
	}, acquired, idle)
	if err != nil {
		db.logger.Warn("storage: register pool metric callback", "error", err)
	}
}
