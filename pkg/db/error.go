package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgRaiseException       = "P0001"
)

// IsUniqueViolation reports whether err is a unique constraint violation on
// any supported dialect.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	msg := err.Error()
	// PostgreSQL (error code 23505)
	if strings.Contains(msg, "duplicate key value violates unique constraint") {
		return true
	}
	// MySQL (error code 1062)
	if strings.Contains(msg, "Error 1062") {
		return true
	}
	// SQLite (error code 2067)
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsLockTimeout reports whether err means a row lock could not be taken in
// time. A context deadline hit while waiting counts as a lock timeout.
func IsLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgLockNotAvailable
	}

	msg := err.Error()
	if strings.Contains(msg, "lock timeout") || strings.Contains(msg, "Error 1205") {
		return true
	}
	return strings.Contains(msg, "database is locked")
}

func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return strings.Contains(err.Error(), "Error 1213")
}

// IsImmutableViolation reports whether err was raised by one of the
// append-only guard triggers.
func IsImmutableViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code != pgRaiseException {
		return false
	}
	return strings.Contains(err.Error(), ImmutableViolationMarker)
}

// ImmutableViolationMarker prefixes every message raised by the guard triggers.
const ImmutableViolationMarker = "immutable_record"
