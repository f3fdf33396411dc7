package storage

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrLeaseLost is returned when an owner-side write is rejected because the
// task is no longer held under the presented claim. The row is left untouched.
var ErrLeaseLost = errors.New("storage: lease lost")

// ErrTaskTerminal is returned when a write needs a task that has already
// succeeded or failed.
var ErrTaskTerminal = errors.New("storage: task already terminal")

// ErrStoreUnavailable wraps failures to reach Postgres at all, as opposed to
// errors returned by a statement that did run.
var ErrStoreUnavailable = errors.New("storage: store unavailable")

// classify marks connection-class failures with ErrStoreUnavailable so that
// polling loops can back off the store without treating it as a task error.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. 57P01-57P03: admin shutdown, crash
		// shutdown, cannot connect now.
		if len(pgErr.Code) == 5 && pgErr.Code[:2] == "08" {
			return true
		}
		switch pgErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
		return false
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}
