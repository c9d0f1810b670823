package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
)

// ErrNoRows is re-exported so callers don't import pgx directly.
var ErrNoRows = pgx.ErrNoRows

// ErrNoRowsAffected reports a mutation that matched nothing.
var ErrNoRowsAffected = apperr.New(apperr.KindNotFound, "not found")

func isNotFound(err error) bool {
	return apperr.Is(err, apperr.KindNotFound)
}

// classify maps a driver error into the gateway's two failure categories.
// Integrity violations (SQLSTATE class 23) become conflict or not_found;
// everything else is transient and surfaces as 500.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, "not found", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return apperr.Wrap(apperr.KindConflict, "already exists", err)
		case "23503": // foreign_key_violation
			return apperr.Wrap(apperr.KindNotFound, "referenced row does not exist", err)
		case "23502", "23514": // not_null, check
			return apperr.Wrap(apperr.KindValidation, "invalid data", err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindTransientDB, "database timeout", err)
	}
	return apperr.Wrap(apperr.KindTransientDB, "database error", err)
}
