package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	sqlStore
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore: sqlStore{
		db: db,
		dialect: dialect{
			name:            "postgres",
			bind:            identity,
			timeArg:         func(t time.Time) any { return t.UTC() },
			uniqueViolation: isPgUniqueViolation,
			likeOperator:    "ILIKE",
			lockTx:          pgAdvisoryXactLock,
		},
	}}
}

// pgAdvisoryXactLock holds a transaction-scoped advisory lock on the entity key.
// PostgreSQL releases it at commit or rollback.
func pgAdvisoryXactLock(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
