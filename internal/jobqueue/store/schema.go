package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// nonWordRune matches runs of anything that isn't a letter, digit, or
// underscore; indexName replaces each run in the prefix with "_" before
// folding it into an index name, so a prefix containing a schema qualifier
// ("tenant_a.") still produces a legal identifier.
var nonWordRune = regexp.MustCompile(`\W+`)

// SchemaManager brings the two backing tables (and their indexes) to the
// expected shape. Table names are `<prefix>job` and `<prefix>job_attempt_log`;
// prefix may embed a `schema.` qualifier, e.g. "acme." or "tenant_a_".
type SchemaManager struct {
	db          *sql.DB
	tablePrefix string
}

// NewSchemaManager constructs a SchemaManager bound to db, using
// tablePrefix for table and index naming.
func NewSchemaManager(db *sql.DB, tablePrefix string) *SchemaManager {
	return &SchemaManager{db: db, tablePrefix: tablePrefix}
}

// JobTable is the fully-qualified job table name.
func (m *SchemaManager) JobTable() string { return m.tablePrefix + "job" }

// AttemptTable is the fully-qualified attempt-log table name.
func (m *SchemaManager) AttemptTable() string { return m.tablePrefix + "job_attempt_log" }

func (m *SchemaManager) indexName(suffix string) string {
	safePrefix := nonWordRune.ReplaceAllString(m.tablePrefix, "_")
	return fmt.Sprintf("idx_%sjob_%s", safePrefix, suffix)
}

// Initialize brings the schema up. If hard is true, both tables are
// dropped first (CASCADE), so every in-flight job and attempt row is lost —
// callers should only pass hard=true for test setup or an explicit
// operator-invoked reset.
func (m *SchemaManager) Initialize(ctx context.Context, hard bool) error {
	if hard {
		if err := m.Uninstall(ctx); err != nil {
			return fmt.Errorf("jobqueue/store: hard reset: %w", err)
		}
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			uid UUID NOT NULL DEFAULT gen_random_uuid(),
			type VARCHAR(255) NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			result JSONB NOT NULL DEFAULT '{}',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			max_attempt_duration_ms INTEGER NOT NULL DEFAULT 0,
			backoff_strategy VARCHAR(20) NOT NULL DEFAULT 'exp',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			run_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`, quoteIdent(m.JobTable())),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			job_id INTEGER NOT NULL REFERENCES %s(id),
			attempt_number INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			status VARCHAR(20),
			error_message TEXT,
			error_details JSONB
		)`, quoteIdent(m.AttemptTable()), quoteIdent(m.JobTable())),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, run_at)`,
			quoteIdent(m.indexName("status_run_at")), quoteIdent(m.JobTable())),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (uid)`,
			quoteIdent(m.indexName("uid")), quoteIdent(m.JobTable())),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status)`,
			quoteIdent(m.indexName("status")), quoteIdent(m.JobTable())),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (job_id)`,
			quoteIdent(m.indexName("attempt_job_id")), quoteIdent(m.AttemptTable())),
	}

	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("jobqueue/store: initialize: %w", err)
		}
	}
	return nil
}

// Uninstall drops both tables (and their indexes, via CASCADE) if present.
// Idempotent: uninstalling an already-absent schema is not an error.
func (m *SchemaManager) Uninstall(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, quoteIdent(m.AttemptTable())),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, quoteIdent(m.JobTable())),
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("jobqueue/store: uninstall: %w", err)
		}
	}
	return nil
}

// quoteIdent double-quotes a (possibly schema-qualified) identifier,
// quoting each dot-separated part independently.
func quoteIdent(ident string) string {
	out := ""
	start := 0
	for i := 0; i < len(ident); i++ {
		if ident[i] == '.' {
			out += `"` + ident[start:i] + `".`
			start = i + 1
		}
	}
	out += `"` + ident[start:] + `"`
	return out
}
