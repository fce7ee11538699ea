package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// asPgError unwraps err looking for a *pgconn.PgError, the error type the
// pgx/v5 stdlib driver actually produces. The teacher's equivalent checked
// for *pq.Error, a type the lib/pq driver returns — but this store is
// opened through pgx's database/sql shim, which never produces that type,
// so that check silently never matched.
func asPgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
