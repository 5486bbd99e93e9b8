package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	ErrVersionNumberTaken    = errors.New("version number already taken for entity")
	ErrPendingApprovalExists = errors.New("version already has a pending approval")
	ErrPublishedConflict     = errors.New("entity already has a published version")
)

// Tx is the write surface available while an entity is locked. Every method runs
// inside the transaction opened by WithinEntity.
type Tx interface {
	NextVersionNumber(ctx context.Context, ref EntityRef) (int, error)
	InsertVersion(ctx context.Context, version EntityVersion) error
	GetVersion(ctx context.Context, versionID string) (EntityVersion, error)
	UpdateVersionApproval(ctx context.Context, versionID string, status ApprovalStatus, approvedBy string, approvedAt *time.Time) error
	PublishedVersionID(ctx context.Context, ref EntityRef) (string, error)
	SetPublished(ctx context.Context, versionID string, published bool) error
	HasPendingApproval(ctx context.Context, versionID string) (bool, error)
	InsertApproval(ctx context.Context, approval WorkflowApproval) error
	GetApproval(ctx context.Context, approvalID string) (WorkflowApproval, error)
	ResolveApproval(ctx context.Context, approvalID string, status WorkflowStatus, reviewedBy, notes string, reviewedAt time.Time) (bool, error)
}

type dialect struct {
	name            string
	bind            func(string) string
	timeArg         func(time.Time) any
	uniqueViolation func(error) bool
	likeOperator    string
	// lockTx serializes writers of one entity from inside the transaction. Nil when
	// the dialect serializes with in-process locks instead.
	lockTx func(ctx context.Context, tx *sql.Tx, key string) error
	retry  func(ctx context.Context, fn func() error) error
}

type sqlStore struct {
	db      *sql.DB
	dialect dialect
	locks   *entityLocks
}

func (s *sqlStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithinEntity runs fn in a single transaction serialized against every other
// writer of the same entity. fn must only touch the database through the Tx.
func (s *sqlStore) WithinEntity(ctx context.Context, ref EntityRef, fn func(Tx) error) error {
	run := func() error {
		if s.locks != nil {
			unlock := s.locks.lock(ref.String())
			defer unlock()
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin entity tx: %w", err)
		}
		if s.dialect.lockTx != nil {
			if err := s.dialect.lockTx(ctx, tx, "entity:"+ref.String()); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("lock entity %s: %w", ref, err)
			}
		}
		if err := fn(&sqlTx{tx: tx, dialect: s.dialect}); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit entity tx: %w", err)
		}
		return nil
	}
	if s.dialect.retry != nil {
		return s.dialect.retry(ctx, run)
	}
	return run()
}

const versionColumns = `id, entity_type, entity_id, version_number, data_snapshot, COALESCE(change_summary, ''), approval_status, is_published, created_by, created_at, COALESCE(approved_by, ''), approved_at`

const approvalColumns = `id, entity_type, entity_id, version_id, requested_by, requested_at, status, COALESCE(review_notes, ''), COALESCE(reviewed_by, ''), reviewed_at, workflow_config`

func (s *sqlStore) GetVersion(ctx context.Context, versionID string) (EntityVersion, error) {
	return getVersion(ctx, s.db, s.dialect, versionID)
}

func (s *sqlStore) GetApproval(ctx context.Context, approvalID string) (WorkflowApproval, error) {
	return getApproval(ctx, s.db, s.dialect, approvalID)
}

func (s *sqlStore) ListVersions(ctx context.Context, ref EntityRef) ([]EntityVersion, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`
		SELECT `+versionColumns+`
		FROM entity_versions
		WHERE entity_type=$1 AND entity_id=$2
		ORDER BY version_number DESC
	`), string(ref.Type), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]EntityVersion, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *sqlStore) GetPublishedVersion(ctx context.Context, ref EntityRef) (*EntityVersion, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.bind(`
		SELECT `+versionColumns+`
		FROM entity_versions
		WHERE entity_type=$1 AND entity_id=$2 AND is_published=$3
	`), string(ref.Type), ref.ID, true)
	item, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get published version: %w", err)
	}
	return &item, nil
}

// ListPendingApprovals returns pending requests, newest first. An empty entityType
// matches every type.
func (s *sqlStore) ListPendingApprovals(ctx context.Context, entityType EntityType) ([]WorkflowApproval, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`
		SELECT `+approvalColumns+`
		FROM workflow_approvals
		WHERE status='pending' AND ($1='' OR entity_type=$1)
		ORDER BY requested_at DESC, id DESC
	`), string(entityType))
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func (s *sqlStore) ListApprovalsForVersion(ctx context.Context, versionID string) ([]WorkflowApproval, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`
		SELECT `+approvalColumns+`
		FROM workflow_approvals
		WHERE version_id=$1
		ORDER BY requested_at DESC, id DESC
	`), versionID)
	if err != nil {
		return nil, fmt.Errorf("list version approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func (s *sqlStore) SearchVersions(ctx context.Context, query string, entityType EntityType, limit int) ([]VersionMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`
		SELECT id, entity_type, entity_id, version_number, COALESCE(change_summary, ''), approval_status, is_published
		FROM entity_versions
		WHERE (COALESCE(change_summary, '') `+s.dialect.likeOperator+` '%' || $1 || '%' ESCAPE '\'
		    OR entity_id `+s.dialect.likeOperator+` '%' || $1 || '%' ESCAPE '\')
		  AND ($2='' OR entity_type=$2)
		ORDER BY created_at DESC
		LIMIT $3
	`), escapeLike(query), string(entityType), limit)
	if err != nil {
		return nil, fmt.Errorf("search versions: %w", err)
	}
	defer rows.Close()

	items := make([]VersionMatch, 0)
	for rows.Next() {
		var item VersionMatch
		var entityTypeRaw, statusRaw string
		if err := rows.Scan(&item.VersionID, &entityTypeRaw, &item.EntityID, &item.VersionNumber, &item.ChangeSummary, &statusRaw, &item.IsPublished); err != nil {
			return nil, fmt.Errorf("scan version match: %w", err)
		}
		item.EntityType = EntityType(entityTypeRaw)
		item.ApprovalStatus = ApprovalStatus(statusRaw)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate version matches: %w", err)
	}
	return items, nil
}

// ListVersionsAfter pages through every version in id order, starting after
// afterID. Used to rebuild the search index.
func (s *sqlStore) ListVersionsAfter(ctx context.Context, afterID string, limit int) ([]EntityVersion, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`
		SELECT `+versionColumns+`
		FROM entity_versions
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("page versions: %w", err)
	}
	defer rows.Close()

	items := make([]EntityVersion, 0, limit)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes user text match literally inside a LIKE pattern that
// declares ESCAPE '\'.
func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}

type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
}

func (t *sqlTx) NextVersionNumber(ctx context.Context, ref EntityRef) (int, error) {
	var next int
	err := t.tx.QueryRowContext(ctx, t.dialect.bind(`
		SELECT COALESCE(MAX(version_number), 0) + 1
		FROM entity_versions
		WHERE entity_type=$1 AND entity_id=$2
	`), string(ref.Type), ref.ID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("read max version number: %w", err)
	}
	return next, nil
}

func (t *sqlTx) InsertVersion(ctx context.Context, version EntityVersion) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.bind(`
		INSERT INTO entity_versions (id, entity_type, entity_id, version_number, data_snapshot, change_summary, approval_status, is_published, created_by, created_at, approved_by, approved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`),
		version.ID,
		string(version.EntityType),
		version.EntityID,
		version.VersionNumber,
		[]byte(version.DataSnapshot),
		nilIfEmpty(version.ChangeSummary),
		string(version.ApprovalStatus),
		version.IsPublished,
		version.CreatedBy,
		t.dialect.timeArg(version.CreatedAt),
		nilIfEmpty(version.ApprovedBy),
		t.timePtrArg(version.ApprovedAt),
	)
	if err != nil {
		if t.dialect.uniqueViolation(err) {
			return fmt.Errorf("insert version %d for %s: %w", version.VersionNumber, version.Ref(), ErrVersionNumberTaken)
		}
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (t *sqlTx) GetVersion(ctx context.Context, versionID string) (EntityVersion, error) {
	return getVersion(ctx, t.tx, t.dialect, versionID)
}

func (t *sqlTx) UpdateVersionApproval(ctx context.Context, versionID string, status ApprovalStatus, approvedBy string, approvedAt *time.Time) error {
	result, err := t.tx.ExecContext(ctx, t.dialect.bind(`
		UPDATE entity_versions
		SET approval_status=$2, approved_by=$3, approved_at=$4
		WHERE id=$1
	`), versionID, string(status), nilIfEmpty(approvedBy), t.timePtrArg(approvedAt))
	if err != nil {
		return fmt.Errorf("update version approval status: %w", err)
	}
	return requireAffected(result, "update version approval status")
}

func (t *sqlTx) PublishedVersionID(ctx context.Context, ref EntityRef) (string, error) {
	var id string
	err := t.tx.QueryRowContext(ctx, t.dialect.bind(`
		SELECT id FROM entity_versions
		WHERE entity_type=$1 AND entity_id=$2 AND is_published=$3
	`), string(ref.Type), ref.ID, true).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read published version: %w", err)
	}
	return id, nil
}

func (t *sqlTx) SetPublished(ctx context.Context, versionID string, published bool) error {
	result, err := t.tx.ExecContext(ctx, t.dialect.bind(`
		UPDATE entity_versions SET is_published=$2 WHERE id=$1
	`), versionID, published)
	if err != nil {
		if t.dialect.uniqueViolation(err) {
			return fmt.Errorf("publish version %s: %w", versionID, ErrPublishedConflict)
		}
		return fmt.Errorf("set published flag: %w", err)
	}
	return requireAffected(result, "set published flag")
}

func (t *sqlTx) HasPendingApproval(ctx context.Context, versionID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, t.dialect.bind(`
		SELECT EXISTS(SELECT 1 FROM workflow_approvals WHERE version_id=$1 AND status='pending')
	`), versionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending approval: %w", err)
	}
	return exists, nil
}

func (t *sqlTx) InsertApproval(ctx context.Context, approval WorkflowApproval) error {
	_, err := t.tx.ExecContext(ctx, t.dialect.bind(`
		INSERT INTO workflow_approvals (id, entity_type, entity_id, version_id, requested_by, requested_at, status, review_notes, reviewed_by, reviewed_at, workflow_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`),
		approval.ID,
		string(approval.EntityType),
		approval.EntityID,
		approval.VersionID,
		approval.RequestedBy,
		t.dialect.timeArg(approval.RequestedAt),
		string(approval.Status),
		nilIfEmpty(approval.ReviewNotes),
		nilIfEmpty(approval.ReviewedBy),
		t.timePtrArg(approval.ReviewedAt),
		bytesOrNil(approval.WorkflowConfig),
	)
	if err != nil {
		if t.dialect.uniqueViolation(err) {
			return fmt.Errorf("insert approval for version %s: %w", approval.VersionID, ErrPendingApprovalExists)
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (t *sqlTx) GetApproval(ctx context.Context, approvalID string) (WorkflowApproval, error) {
	return getApproval(ctx, t.tx, t.dialect, approvalID)
}

// ResolveApproval performs the single pending -> terminal write. It reports false when
// the approval was no longer pending.
func (t *sqlTx) ResolveApproval(ctx context.Context, approvalID string, status WorkflowStatus, reviewedBy, notes string, reviewedAt time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, t.dialect.bind(`
		UPDATE workflow_approvals
		SET status=$2, reviewed_by=$3, review_notes=$4, reviewed_at=$5
		WHERE id=$1 AND status='pending'
	`), approvalID, string(status), nilIfEmpty(reviewedBy), nilIfEmpty(notes), t.dialect.timeArg(reviewedAt))
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve approval rows: %w", err)
	}
	return affected > 0, nil
}

func (t *sqlTx) timePtrArg(value *time.Time) any {
	if value == nil {
		return nil
	}
	return t.dialect.timeArg(*value)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getVersion(ctx context.Context, q queryer, d dialect, versionID string) (EntityVersion, error) {
	row := q.QueryRowContext(ctx, d.bind(`
		SELECT `+versionColumns+`
		FROM entity_versions
		WHERE id=$1
	`), versionID)
	item, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EntityVersion{}, err
		}
		return EntityVersion{}, fmt.Errorf("get version: %w", err)
	}
	return item, nil
}

func getApproval(ctx context.Context, q queryer, d dialect, approvalID string) (WorkflowApproval, error) {
	row := q.QueryRowContext(ctx, d.bind(`
		SELECT `+approvalColumns+`
		FROM workflow_approvals
		WHERE id=$1
	`), approvalID)
	item, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WorkflowApproval{}, err
		}
		return WorkflowApproval{}, fmt.Errorf("get approval: %w", err)
	}
	return item, nil
}

func scanVersion(row rowScanner) (EntityVersion, error) {
	var item EntityVersion
	var entityType, status string
	var snapshot []byte
	var createdAt, approvedAt nullTime
	if err := row.Scan(
		&item.ID,
		&entityType,
		&item.EntityID,
		&item.VersionNumber,
		&snapshot,
		&item.ChangeSummary,
		&status,
		&item.IsPublished,
		&item.CreatedBy,
		&createdAt,
		&item.ApprovedBy,
		&approvedAt,
	); err != nil {
		return EntityVersion{}, err
	}
	item.EntityType = EntityType(entityType)
	item.ApprovalStatus = ApprovalStatus(status)
	item.DataSnapshot = snapshot
	item.CreatedAt = createdAt.Time
	item.ApprovedAt = approvedAt.Ptr()
	return item, nil
}

func scanApproval(row rowScanner) (WorkflowApproval, error) {
	var item WorkflowApproval
	var entityType, status string
	var config []byte
	var requestedAt, reviewedAt nullTime
	if err := row.Scan(
		&item.ID,
		&entityType,
		&item.EntityID,
		&item.VersionID,
		&item.RequestedBy,
		&requestedAt,
		&status,
		&item.ReviewNotes,
		&item.ReviewedBy,
		&reviewedAt,
		&config,
	); err != nil {
		return WorkflowApproval{}, err
	}
	item.EntityType = EntityType(entityType)
	item.Status = WorkflowStatus(status)
	item.RequestedAt = requestedAt.Time
	item.ReviewedAt = reviewedAt.Ptr()
	if len(config) > 0 {
		item.WorkflowConfig = config
	}
	return item, nil
}

func collectApprovals(rows *sql.Rows) ([]WorkflowApproval, error) {
	items := make([]WorkflowApproval, 0)
	for rows.Next() {
		item, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func bytesOrNil(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return value
}

// nullTime scans TIMESTAMPTZ values from PostgreSQL and fixed-width TEXT values from SQLite.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(src any) error {
	switch value := src.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = value.UTC(), true
		return nil
	case string:
		return n.parse(value)
	case []byte:
		return n.parse(string(value))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (n *nullTime) parse(value string) error {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	n.Time, n.Valid = parsed.UTC(), true
	return nil
}

func (n nullTime) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	value := n.Time
	return &value
}

var dollarPlaceholder = regexp.MustCompile(`\$(\d+)`)

// numberedPlaceholders rewrites $N to ?N so one query text serves both dialects.
func numberedPlaceholders(query string) string {
	return dollarPlaceholder.ReplaceAllString(query, "?$1")
}

func identity(query string) string {
	return query
}

type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *entityLocks) lock(key string) func() {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
