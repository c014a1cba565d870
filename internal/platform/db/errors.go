package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE codes the repositories translate into domain errors.
const (
	CodeUniqueViolation     = "23505"
	CodeExclusionViolation  = "23P01"
	CodeForeignKeyViolation = "23503"
	CodeCheckViolation      = "23514"
)

// ErrorCode returns the SQLSTATE of err, or "" when err is not a server error.
func ErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsOverlapViolation reports whether err came from a unique or exclusion
// constraint, i.e. a concurrent writer already holds the row or range.
func IsOverlapViolation(err error) bool {
	code := ErrorCode(err)
	return code == CodeUniqueViolation || code == CodeExclusionViolation
}

func IsForeignKeyViolation(err error) bool {
	return ErrorCode(err) == CodeForeignKeyViolation
}

func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
