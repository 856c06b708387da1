package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates the targeted request does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidArgument indicates a required field was missing.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnavailable indicates the database could not be reached.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrStorage indicates a query or constraint failure.
	ErrStorage = errors.New("storage operation failed")
)

func invalidArgument(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, msg)
}

// classify tags a driver error with ErrUnavailable or ErrStorage while keeping
// the original cause in the chain. Already classified errors pass through.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrUnavailable), errors.Is(err, ErrStorage):
		return err
	case isConnectivity(err):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
	}
}

func isConnectivity(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return pgconn.Timeout(err)
}
