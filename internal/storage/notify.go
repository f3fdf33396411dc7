package storage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5"
)

// ChannelTasks carries the task type of every newly enqueued task so that idle
// workers can skip the rest of their poll interval.
const ChannelTasks = "kairos_tasks"

// Listener owns one LISTEN session. Subscriptions are remembered and restored
// when a broken connection is replaced. A Listener must be used from a single
// goroutine; components that listen concurrently each take their own.
type Listener struct {
	dsn       string
	conn      *pgx.Conn
	listening []string
	logger    *slog.Logger
}

// NewListener returns an unconnected Listener on the notify DSN. It dials on
// first use.
func (db *DB) NewListener() *Listener {
	return &Listener{dsn: db.notifyDSN, logger: db.logger}
}

// Listen subscribes the listener to channel.
func (l *Listener) Listen(ctx context.Context, channel string) error {
	if l.dsn == "" {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if err := l.ensureConn(ctx); err != nil {
		return err
	}
	if _, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, classify(err))
	}
	if !slices.Contains(l.listening, channel) {
		l.listening = append(l.listening, channel)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened
// channel and returns its channel and payload. A broken connection is
// dropped; the next call dials a fresh one and re-subscribes.
func (l *Listener) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if l.dsn == "" {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	if err := l.ensureConn(ctx); err != nil {
		return "", "", err
	}
	n, err := l.conn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() == nil && l.conn.IsClosed() {
			l.conn = nil
		}
		return "", "", fmt.Errorf("storage: wait for notification: %w", classify(err))
	}
	return n.Channel, n.Payload, nil
}

// Close ends the LISTEN session.
func (l *Listener) Close(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close(ctx)
	l.conn = nil
	return err
}

func (l *Listener) ensureConn(ctx context.Context) error {
	if l.conn != nil {
		return nil
	}
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("storage: connect notify: %w", classify(err))
	}
	for _, ch := range l.listening {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return fmt.Errorf("storage: relisten %s: %w", ch, classify(err))
		}
	}
	l.conn = conn
	if len(l.listening) > 0 {
		l.logger.Info("storage: notify connection re-established", "channels", len(l.listening))
	}
	return nil
}

// Listen subscribes the DB's own notify connection to channel. Listen and
// WaitForNotification must be called from a single goroutine.
func (db *DB) Listen(ctx context.Context, channel string) error {
	return db.listener.Listen(ctx, channel)
}

// WaitForNotification waits on the DB's own notify connection.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	return db.listener.WaitForNotification(ctx)
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, classify(err))
	}
	return nil
}
