package versioning

import (
	"context"

	"formgate/api/internal/store"
)

// Store is the persistence the engine runs on. WithinEntity must serialize every
// call for the same entity and run fn in one transaction.
type Store interface {
	WithinEntity(ctx context.Context, ref store.EntityRef, fn func(store.Tx) error) error
	GetVersion(ctx context.Context, versionID string) (store.EntityVersion, error)
	GetApproval(ctx context.Context, approvalID string) (store.WorkflowApproval, error)
	ListVersions(ctx context.Context, ref store.EntityRef) ([]store.EntityVersion, error)
	ListPendingApprovals(ctx context.Context, entityType store.EntityType) ([]store.WorkflowApproval, error)
	ListApprovalsForVersion(ctx context.Context, versionID string) ([]store.WorkflowApproval, error)
	GetPublishedVersion(ctx context.Context, ref store.EntityRef) (*store.EntityVersion, error)
}

var (
	_ Store = (*store.PostgresStore)(nil)
	_ Store = (*store.SQLiteStore)(nil)
)
