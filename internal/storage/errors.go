package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrContention marks an expected, transient conflict: a uniqueness
	// violation, a deadlock loss, or a lock-wait timeout. Callers treat it
	// as a normal not-acquired outcome.
	ErrContention = errors.New("storage: contention")

	// ErrUnavailable marks store health degradation (query timeout,
	// connection loss). It must never be silently folded into a
	// not-acquired outcome.
	ErrUnavailable = errors.New("storage: unavailable")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// classifiers is an ordered list of (predicate, sentinel) pairs evaluated
// top to bottom. First match wins.
var classifiers = []struct {
	match    func(error) bool
	sentinel error
}{
	{isNoRows, ErrNotFound},
	{isSQLiteContention, ErrContention},
	{isPostgresContention, ErrContention},
	{isTimeout, ErrUnavailable},
	{isConnectionFailure, ErrUnavailable},
	{isPostgresUnavailable, ErrUnavailable},
}

// classify maps driver-level errors onto the storage error taxonomy,
// preserving the original error text. Unrecognized errors pass through
// unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range classifiers {
		if c.match(err) {
			return fmt.Errorf("%w: %v", c.sentinel, err)
		}
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isSQLiteContention(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code {
	case sqlite3.ErrConstraint, sqlite3.ErrBusy, sqlite3.ErrLocked:
		return true
	}
	return false
}

func isPostgresContention(err error) bool {
	var perr *pgconn.PgError
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Code {
	case "23505": // unique_violation
		return true
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	case "55P03": // lock_not_available
		return true
	}
	return false
}

func isPostgresUnavailable(err error) bool {
	var perr *pgconn.PgError
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Code {
	case "57014": // query_canceled (statement timeout)
		return true
	case "57P01", "57P02", "57P03": // admin/crash shutdown, cannot connect now
		return true
	}
	// Class 08 covers connection exceptions, class 53 insufficient resources.
	if len(perr.Code) == 5 {
		switch perr.Code[:2] {
		case "08", "53":
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var operr *net.OpError
	return errors.As(err, &operr)
}
