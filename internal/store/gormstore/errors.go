package gormstore

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolationCode      = "23505"
	pgSerializationFailure     = "40001"
	pgDeadlockDetected         = "40P01"
	pgConnectionExceptionClass = "08"
	sqliteBusyCode             = 5
	sqliteLockedCode           = 6
	sqliteUniqueCode           = 2067
	sqlitePrimaryKeyCode       = 1555
	sqliteConstraintCode       = 19
)

// classify maps driver failures onto the voting error taxonomy. Lost races become
// voting.ErrConflict so the service retries them; unreachable databases become
// voting.ErrStoreUnavailable.
func classify(subject string, code string, err error) error {
	switch {
	case isConflict(err):
		return wrapStoreError(subject, code, fmt.Errorf("%w: %w", voting.ErrConflict, err))
	case isUnavailable(err):
		return wrapStoreError(subject, code, fmt.Errorf("%w: %w", voting.ErrStoreUnavailable, err))
	default:
		return wrapStoreError(subject, code, err)
	}
}

func isConflict(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolationCode, pgSerializationFailure, pgDeadlockDetected:
			return true
		}
		return false
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqliteUniqueCode, sqlitePrimaryKeyCode, sqliteConstraintCode:
			return true
		}
		switch sqliteErr.Code() & 0xFF {
		case sqliteBusyCode, sqliteLockedCode:
			return true
		}
	}
	return false
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == pgConnectionExceptionClass
	}
	return false
}

func isDomainError(err error) bool {
	return voting.IsRejection(err) ||
		errors.Is(err, voting.ErrConflict) ||
		errors.Is(err, voting.ErrStoreUnavailable) ||
		errors.Is(err, voting.ErrInvalidVoteCount) ||
		errors.Is(err, voting.ErrVoteNotFound)
}
