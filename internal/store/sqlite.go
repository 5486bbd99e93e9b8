package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	sqliteTimeLayout     = "2006-01-02T15:04:05.000000000Z07:00"
	sqliteRetryAttempts  = 5
	sqliteRetryBaseDelay = 20 * time.Millisecond
)

// SQLiteStore is the embedded backend. Writers of one entity are serialized with
// in-process locks, so a database file must be owned by a single process.
type SQLiteStore struct {
	sqlStore
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{sqlStore: sqlStore{
		db: db,
		dialect: dialect{
			name:            "sqlite",
			bind:            numberedPlaceholders,
			timeArg:         func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
			uniqueViolation: isSQLiteUniqueViolation,
			likeOperator:    "LIKE",
			retry: func(ctx context.Context, fn func() error) error {
				return withRetry(ctx, sqliteRetryAttempts, sqliteRetryBaseDelay, fn)
			},
		},
		locks: newEntityLocks(),
	}}
}

// EnsureSchema creates the tables, indexes and guard triggers when missing.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure sqlite schema: %w", err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS entity_versions (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL CHECK (entity_type IN ('form', 'report')),
		entity_id TEXT NOT NULL,
		version_number INTEGER NOT NULL CHECK (version_number > 0),
		data_snapshot BLOB NOT NULL,
		change_summary TEXT,
		approval_status TEXT NOT NULL CHECK (approval_status IN ('draft', 'pending_approval', 'approved', 'rejected')),
		is_published INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		approved_by TEXT,
		approved_at TEXT,
		CHECK (is_published = 0 OR approval_status = 'approved'),
		UNIQUE (entity_type, entity_id, version_number)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS entity_versions_one_published
		ON entity_versions (entity_type, entity_id) WHERE is_published = 1`,
	`CREATE INDEX IF NOT EXISTS entity_versions_created_at ON entity_versions (created_at)`,
	`CREATE TABLE IF NOT EXISTS workflow_approvals (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL CHECK (entity_type IN ('form', 'report')),
		entity_id TEXT NOT NULL,
		version_id TEXT NOT NULL REFERENCES entity_versions(id),
		requested_by TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'approved', 'rejected', 'withdrawn')),
		review_notes TEXT,
		reviewed_by TEXT,
		reviewed_at TEXT,
		workflow_config BLOB
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS workflow_approvals_one_pending
		ON workflow_approvals (version_id) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS workflow_approvals_status_requested
		ON workflow_approvals (status, requested_at)`,
	`CREATE TRIGGER IF NOT EXISTS trg_entity_versions_block_snapshot_update
		BEFORE UPDATE OF id, entity_type, entity_id, version_number, data_snapshot, created_by, created_at ON entity_versions
		BEGIN
			SELECT RAISE(ABORT, 'entity_versions snapshot and provenance columns are immutable');
		END`,
	`CREATE TRIGGER IF NOT EXISTS trg_entity_versions_block_delete
		BEFORE DELETE ON entity_versions
		BEGIN
			SELECT RAISE(ABORT, 'entity_versions is append-only; DELETE is not allowed');
		END`,
	`CREATE TRIGGER IF NOT EXISTS trg_workflow_approvals_terminal
		BEFORE UPDATE ON workflow_approvals
		WHEN OLD.status <> 'pending'
		BEGIN
			SELECT RAISE(ABORT, 'workflow_approvals terminal rows are immutable');
		END`,
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func withRetry(ctx context.Context, maxAttempts int, baseBackoff time.Duration, fn func() error) error {
	attempt := 0
	backoff := baseBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn()
		if err == nil {
			return nil
		}

		attempt++
		if !isBusyError(err) || attempt >= maxAttempts {
			return err
		}

		if err := sleepWithContext(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database is busy") ||
		strings.Contains(message, "sqlite_busy")
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
