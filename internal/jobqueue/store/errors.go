package store

import "errors"

// ErrNotFound is returned when a lookup by uid or id matches no row.
var ErrNotFound = errors.New("store: row not found")

// isForeignKeyViolation reports whether err is a PostgreSQL foreign-key
// violation (SQLSTATE 23503), optionally restricted to a named constraint
// or column mentioned in the error text.
func isForeignKeyViolation(err error, column string) bool {
	pgErr, ok := asPgError(err)
	if !ok || pgErr.Code != "23503" {
		return false
	}
	if column == "" {
		return true
	}
	return containsFold(pgErr.ConstraintName, column) || containsFold(pgErr.Message, column)
}
