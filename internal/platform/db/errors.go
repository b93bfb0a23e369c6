package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bloodbank/bloodbank/internal/platform/apperr"
)

const (
	pgUniqueViolation  = "23505"
	pgCheckViolation   = "23514"
	pgRaiseException   = "P0001"
	pgSerializeFailure = "40001"
)

// StoreError maps pgx errors onto the apperr store sentinels so that services
// never inspect driver errors themselves.
func StoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgCheckViolation, pgRaiseException:
			return fmt.Errorf("%w: %s", apperr.ErrConflict, pgErr.ConstraintName+pgErr.Message)
		case pgSerializeFailure:
			return fmt.Errorf("%w: %s", apperr.ErrStale, pgErr.Message)
		}
	}
	return err
}

// IsConstraint reports whether err is a unique violation on the named constraint.
func IsConstraint(err error, name string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == name
}
