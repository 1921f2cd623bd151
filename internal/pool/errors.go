package pool

import (
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ExhaustedError is returned by Acquire when no lease became available
// within the timeout. Callers may retry after backing off; the pool state
// is unchanged.
type ExhaustedError struct {
	Timeout time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("connection pool exhausted after %s", e.Timeout)
}

// IsExhausted reports whether err is a pool exhaustion error.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// IsTransient reports whether err is a momentary store condition worth
// retrying: lock contention, a busy database file, or a briefly read-only
// database. Everything else, including constraint violations, is permanent.
func IsTransient(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrReadonly:
		return true
	}
	return false
}

// IsConstraintViolation reports whether err is a uniqueness, foreign key,
// or other constraint failure.
func IsConstraintViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrConstraint
}
