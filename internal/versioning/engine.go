// Package versioning keeps the append-only version history of forms and reports
// and gates publication behind an approval workflow.
package versioning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"formgate/api/internal/logging"
	"formgate/api/internal/store"
	"formgate/api/internal/util"
)

type ReviewAction string

const (
	ActionApprove ReviewAction = "approve"
	ActionReject  ReviewAction = "reject"
)

func (a ReviewAction) Valid() bool {
	return a == ActionApprove || a == ActionReject
}

// ReviewOutcome is the state left behind by a review.
type ReviewOutcome struct {
	Approval  store.WorkflowApproval
	Version   store.EntityVersion
	Published bool
	// DemotedVersionID is the version that lost publication, if any.
	DemotedVersionID string
}

type PublishOutcome struct {
	Version          store.EntityVersion
	DemotedVersionID string
	Changed          bool
}

type Engine struct {
	store            Store
	now              func() time.Time
	newID            func(prefix string) string
	forbidSelfReview func(store.EntityType) bool
	log              zerolog.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func(prefix string) string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithSelfReviewPolicy rejects reviews by the original requester for the entity
// types where forbid returns true.
func WithSelfReviewPolicy(forbid func(store.EntityType) bool) Option {
	return func(e *Engine) { e.forbidSelfReview = forbid }
}

func New(s Store, opts ...Option) *Engine {
	e := &Engine{
		store:            s,
		now:              time.Now,
		newID:            util.NewID,
		forbidSelfReview: func(store.EntityType) bool { return false },
		log:              logging.Component("versioning"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) clock() time.Time {
	// PostgreSQL keeps microseconds; truncating keeps returned values equal to stored ones.
	return e.now().UTC().Truncate(time.Microsecond)
}

// CreateVersion appends a snapshot as the entity's next version. Without approval the
// version is approved and published in the same transaction.
func (e *Engine) CreateVersion(ctx context.Context, ref store.EntityRef, snapshot json.RawMessage, changeSummary string, approvalRequired bool, actorID string) (store.EntityVersion, error) {
	if err := validateRef(ref); err != nil {
		return store.EntityVersion{}, err
	}
	if err := validateSnapshot(snapshot); err != nil {
		return store.EntityVersion{}, err
	}
	if err := requireActor(actorID); err != nil {
		return store.EntityVersion{}, err
	}

	var created store.EntityVersion
	var demoted string
	err := e.store.WithinEntity(ctx, ref, func(tx store.Tx) error {
		var err error
		created, demoted, err = e.createLocked(ctx, tx, ref, snapshot, strings.TrimSpace(changeSummary), approvalRequired, actorID)
		return err
	})
	if err != nil {
		return store.EntityVersion{}, err
	}

	e.log.Info().
		Str("entity_type", string(ref.Type)).
		Str("entity_id", ref.ID).
		Str("version_id", created.ID).
		Int("version_number", created.VersionNumber).
		Str("approval_status", string(created.ApprovalStatus)).
		Str("demoted_version_id", demoted).
		Msg("version created")
	return created, nil
}

// SubmitVersion creates a draft and opens its approval request atomically.
func (e *Engine) SubmitVersion(ctx context.Context, ref store.EntityRef, snapshot json.RawMessage, changeSummary, actorID string, workflowConfig json.RawMessage) (store.EntityVersion, store.WorkflowApproval, error) {
	if err := validateRef(ref); err != nil {
		return store.EntityVersion{}, store.WorkflowApproval{}, err
	}
	if err := validateSnapshot(snapshot); err != nil {
		return store.EntityVersion{}, store.WorkflowApproval{}, err
	}
	if err := requireActor(actorID); err != nil {
		return store.EntityVersion{}, store.WorkflowApproval{}, err
	}
	if err := validateConfig(workflowConfig); err != nil {
		return store.EntityVersion{}, store.WorkflowApproval{}, err
	}

	var version store.EntityVersion
	var approval store.WorkflowApproval
	err := e.store.WithinEntity(ctx, ref, func(tx store.Tx) error {
		var err error
		version, _, err = e.createLocked(ctx, tx, ref, snapshot, strings.TrimSpace(changeSummary), true, actorID)
		if err != nil {
			return err
		}
		approval, err = e.openLocked(ctx, tx, &version, actorID, workflowConfig)
		return err
	})
	if err != nil {
		return store.EntityVersion{}, store.WorkflowApproval{}, err
	}

	e.log.Info().
		Str("entity_type", string(ref.Type)).
		Str("entity_id", ref.ID).
		Str("version_id", version.ID).
		Int("version_number", version.VersionNumber).
		Str("workflow_id", approval.ID).
		Msg("version submitted for approval")
	return version, approval, nil
}

func (e *Engine) createLocked(ctx context.Context, tx store.Tx, ref store.EntityRef, snapshot json.RawMessage, changeSummary string, approvalRequired bool, actorID string) (store.EntityVersion, string, error) {
	next, err := tx.NextVersionNumber(ctx, ref)
	if err != nil {
		return store.EntityVersion{}, "", err
	}

	now := e.clock()
	version := store.EntityVersion{
		ID:             e.newID("ver"),
		EntityType:     ref.Type,
		EntityID:       ref.ID,
		VersionNumber:  next,
		DataSnapshot:   append(json.RawMessage(nil), snapshot...),
		ChangeSummary:  changeSummary,
		ApprovalStatus: store.ApprovalDraft,
		CreatedBy:      actorID,
		CreatedAt:      now,
	}
	if !approvalRequired {
		version.ApprovalStatus = store.ApprovalApproved
		version.ApprovedBy = actorID
		version.ApprovedAt = &now
	}

	if err := tx.InsertVersion(ctx, version); err != nil {
		if errors.Is(err, store.ErrVersionNumberTaken) {
			return store.EntityVersion{}, "", fmt.Errorf("%w: %s version %d", ErrConcurrentVersionConflict, ref, next)
		}
		return store.EntityVersion{}, "", err
	}

	if approvalRequired {
		return version, "", nil
	}
	demoted, err := e.publishLocked(ctx, tx, &version)
	if err != nil {
		return store.EntityVersion{}, "", err
	}
	return version, demoted, nil
}

// OpenApproval opens a review request for a draft version and moves it to
// pending_approval.
func (e *Engine) OpenApproval(ctx context.Context, versionID, requestedBy string, workflowConfig json.RawMessage) (store.WorkflowApproval, error) {
	if err := requireActor(requestedBy); err != nil {
		return store.WorkflowApproval{}, err
	}
	if err := validateConfig(workflowConfig); err != nil {
		return store.WorkflowApproval{}, err
	}
	target, err := e.GetVersion(ctx, versionID)
	if err != nil {
		return store.WorkflowApproval{}, err
	}

	var approval store.WorkflowApproval
	err = e.store.WithinEntity(ctx, target.Ref(), func(tx store.Tx) error {
		version, err := tx.GetVersion(ctx, versionID)
		if err != nil {
			return versionLookupError(versionID, err)
		}
		approval, err = e.openLocked(ctx, tx, &version, requestedBy, workflowConfig)
		return err
	})
	if err != nil {
		return store.WorkflowApproval{}, err
	}

	e.log.Info().
		Str("entity_type", string(approval.EntityType)).
		Str("entity_id", approval.EntityID).
		Str("version_id", approval.VersionID).
		Str("workflow_id", approval.ID).
		Msg("approval opened")
	return approval, nil
}

func (e *Engine) openLocked(ctx context.Context, tx store.Tx, version *store.EntityVersion, requestedBy string, workflowConfig json.RawMessage) (store.WorkflowApproval, error) {
	pending, err := tx.HasPendingApproval(ctx, version.ID)
	if err != nil {
		return store.WorkflowApproval{}, err
	}
	if pending {
		return store.WorkflowApproval{}, fmt.Errorf("%w: version %s", ErrDuplicatePendingApproval, version.ID)
	}
	if version.ApprovalStatus != store.ApprovalDraft {
		return store.WorkflowApproval{}, fmt.Errorf("%w: version %s is %s", ErrVersionNotDraft, version.ID, version.ApprovalStatus)
	}

	approval := store.WorkflowApproval{
		ID:          e.newID("apr"),
		EntityType:  version.EntityType,
		EntityID:    version.EntityID,
		VersionID:   version.ID,
		RequestedBy: requestedBy,
		RequestedAt: e.clock(),
		Status:      store.WorkflowPending,
	}
	if len(workflowConfig) > 0 {
		approval.WorkflowConfig = append(json.RawMessage(nil), workflowConfig...)
	}
	if err := tx.InsertApproval(ctx, approval); err != nil {
		if errors.Is(err, store.ErrPendingApprovalExists) {
			return store.WorkflowApproval{}, fmt.Errorf("%w: version %s", ErrDuplicatePendingApproval, version.ID)
		}
		return store.WorkflowApproval{}, err
	}
	if err := tx.UpdateVersionApproval(ctx, version.ID, store.ApprovalPendingApproval, "", nil); err != nil {
		return store.WorkflowApproval{}, err
	}
	version.ApprovalStatus = store.ApprovalPendingApproval
	return approval, nil
}

// ReviewApproval resolves a pending request. Approving with shouldPublish publishes
// the version in the same transaction.
func (e *Engine) ReviewApproval(ctx context.Context, workflowID string, action ReviewAction, reviewerID, notes string, shouldPublish bool) (ReviewOutcome, error) {
	if !action.Valid() {
		return ReviewOutcome{}, fmt.Errorf("%w: review action must be approve or reject", ErrInvalidInput)
	}
	if err := requireActor(reviewerID); err != nil {
		return ReviewOutcome{}, err
	}
	target, err := e.GetApproval(ctx, workflowID)
	if err != nil {
		return ReviewOutcome{}, err
	}

	var outcome ReviewOutcome
	err = e.store.WithinEntity(ctx, target.Ref(), func(tx store.Tx) error {
		approval, err := tx.GetApproval(ctx, workflowID)
		if err != nil {
			return approvalLookupError(workflowID, err)
		}
		if approval.Status != store.WorkflowPending {
			return fmt.Errorf("%w: approval %s is %s", ErrNotPending, approval.ID, approval.Status)
		}
		if approval.RequestedBy == reviewerID && e.forbidSelfReview(approval.EntityType) {
			return fmt.Errorf("%w: approval %s", ErrSelfReview, approval.ID)
		}

		version, err := tx.GetVersion(ctx, approval.VersionID)
		if err != nil {
			return versionLookupError(approval.VersionID, err)
		}

		now := e.clock()
		status := store.WorkflowRejected
		if action == ActionApprove {
			status = store.WorkflowApproved
		}
		notes = strings.TrimSpace(notes)
		resolved, err := tx.ResolveApproval(ctx, approval.ID, status, reviewerID, notes, now)
		if err != nil {
			return err
		}
		if !resolved {
			return fmt.Errorf("%w: approval %s", ErrNotPending, approval.ID)
		}
		approval.Status = status
		approval.ReviewedBy = reviewerID
		approval.ReviewNotes = notes
		approval.ReviewedAt = &now

		if action == ActionReject {
			if err := tx.UpdateVersionApproval(ctx, version.ID, store.ApprovalRejected, "", nil); err != nil {
				return err
			}
			version.ApprovalStatus = store.ApprovalRejected
			outcome = ReviewOutcome{Approval: approval, Version: version}
			return nil
		}

		if err := tx.UpdateVersionApproval(ctx, version.ID, store.ApprovalApproved, reviewerID, &now); err != nil {
			return err
		}
		version.ApprovalStatus = store.ApprovalApproved
		version.ApprovedBy = reviewerID
		version.ApprovedAt = &now
		outcome = ReviewOutcome{Approval: approval, Version: version}

		if shouldPublish {
			demoted, err := e.publishLocked(ctx, tx, &version)
			if err != nil {
				return err
			}
			outcome.Version = version
			outcome.Published = true
			outcome.DemotedVersionID = demoted
		}
		return nil
	})
	if err != nil {
		return ReviewOutcome{}, err
	}

	e.log.Info().
		Str("entity_type", string(outcome.Approval.EntityType)).
		Str("entity_id", outcome.Approval.EntityID).
		Str("version_id", outcome.Version.ID).
		Str("workflow_id", outcome.Approval.ID).
		Str("status", string(outcome.Approval.Status)).
		Bool("published", outcome.Published).
		Msg("approval reviewed")
	return outcome, nil
}

// WithdrawApproval cancels a pending request and returns the version to draft.
func (e *Engine) WithdrawApproval(ctx context.Context, workflowID, actorID string) (store.WorkflowApproval, error) {
	if err := requireActor(actorID); err != nil {
		return store.WorkflowApproval{}, err
	}
	target, err := e.GetApproval(ctx, workflowID)
	if err != nil {
		return store.WorkflowApproval{}, err
	}

	var approval store.WorkflowApproval
	err = e.store.WithinEntity(ctx, target.Ref(), func(tx store.Tx) error {
		var err error
		approval, err = tx.GetApproval(ctx, workflowID)
		if err != nil {
			return approvalLookupError(workflowID, err)
		}
		if approval.Status != store.WorkflowPending {
			return fmt.Errorf("%w: approval %s is %s", ErrNotPending, approval.ID, approval.Status)
		}

		now := e.clock()
		resolved, err := tx.ResolveApproval(ctx, approval.ID, store.WorkflowWithdrawn, actorID, "", now)
		if err != nil {
			return err
		}
		if !resolved {
			return fmt.Errorf("%w: approval %s", ErrNotPending, approval.ID)
		}
		approval.Status = store.WorkflowWithdrawn
		approval.ReviewedBy = actorID
		approval.ReviewedAt = &now

		version, err := tx.GetVersion(ctx, approval.VersionID)
		if err != nil {
			return versionLookupError(approval.VersionID, err)
		}
		if version.ApprovalStatus == store.ApprovalPendingApproval {
			return tx.UpdateVersionApproval(ctx, version.ID, store.ApprovalDraft, "", nil)
		}
		return nil
	})
	if err != nil {
		return store.WorkflowApproval{}, err
	}

	e.log.Info().
		Str("entity_type", string(approval.EntityType)).
		Str("entity_id", approval.EntityID).
		Str("version_id", approval.VersionID).
		Str("workflow_id", approval.ID).
		Msg("approval withdrawn")
	return approval, nil
}

// Publish makes an approved version the entity's only published version.
// Publishing the current published version changes nothing.
func (e *Engine) Publish(ctx context.Context, versionID string) (PublishOutcome, error) {
	target, err := e.GetVersion(ctx, versionID)
	if err != nil {
		return PublishOutcome{}, err
	}

	var outcome PublishOutcome
	err = e.store.WithinEntity(ctx, target.Ref(), func(tx store.Tx) error {
		version, err := tx.GetVersion(ctx, versionID)
		if err != nil {
			return versionLookupError(versionID, err)
		}
		wasPublished := version.IsPublished
		demoted, err := e.publishLocked(ctx, tx, &version)
		if err != nil {
			return err
		}
		outcome = PublishOutcome{Version: version, DemotedVersionID: demoted, Changed: !wasPublished}
		return nil
	})
	if err != nil {
		return PublishOutcome{}, err
	}

	if outcome.Changed {
		e.log.Info().
			Str("entity_type", string(outcome.Version.EntityType)).
			Str("entity_id", outcome.Version.EntityID).
			Str("version_id", outcome.Version.ID).
			Str("demoted_version_id", outcome.DemotedVersionID).
			Msg("version published")
	}
	return outcome, nil
}

// publishLocked is the only code path that sets is_published. It demotes the current
// published version before promoting the target.
func (e *Engine) publishLocked(ctx context.Context, tx store.Tx, version *store.EntityVersion) (string, error) {
	if version.ApprovalStatus != store.ApprovalApproved {
		return "", fmt.Errorf("%w: version %s is %s", ErrNotApproved, version.ID, version.ApprovalStatus)
	}

	current, err := tx.PublishedVersionID(ctx, version.Ref())
	if err != nil {
		return "", err
	}
	if current == version.ID {
		version.IsPublished = true
		return "", nil
	}
	if current != "" {
		if err := tx.SetPublished(ctx, current, false); err != nil {
			return "", fmt.Errorf("demote version %s: %w", current, err)
		}
	}
	if err := tx.SetPublished(ctx, version.ID, true); err != nil {
		return "", fmt.Errorf("promote version %s: %w", version.ID, err)
	}
	version.IsPublished = true
	return current, nil
}

// Unpublish takes the entity's published version down without promoting another.
// It returns nil when nothing was published.
func (e *Engine) Unpublish(ctx context.Context, ref store.EntityRef) (*store.EntityVersion, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}

	var takenDown *store.EntityVersion
	err := e.store.WithinEntity(ctx, ref, func(tx store.Tx) error {
		current, err := tx.PublishedVersionID(ctx, ref)
		if err != nil || current == "" {
			return err
		}
		if err := tx.SetPublished(ctx, current, false); err != nil {
			return err
		}
		version, err := tx.GetVersion(ctx, current)
		if err != nil {
			return versionLookupError(current, err)
		}
		takenDown = &version
		return nil
	})
	if err != nil {
		return nil, err
	}

	if takenDown != nil {
		e.log.Warn().
			Str("entity_type", string(ref.Type)).
			Str("entity_id", ref.ID).
			Str("version_id", takenDown.ID).
			Msg("version unpublished")
	}
	return takenDown, nil
}

type restoreOptions struct {
	approvalRequired bool
	changeSummary    string
}

type RestoreOption func(*restoreOptions)

// RestoreWithoutApproval publishes the restored version immediately, for trusted
// rollback paths.
func RestoreWithoutApproval() RestoreOption {
	return func(o *restoreOptions) { o.approvalRequired = false }
}

func RestoreApprovalRequired(required bool) RestoreOption {
	return func(o *restoreOptions) { o.approvalRequired = required }
}

func RestoreSummary(summary string) RestoreOption {
	return func(o *restoreOptions) { o.changeSummary = strings.TrimSpace(summary) }
}

// RestoreFromVersion appends a new version carrying a historical snapshot. The
// source version is never modified.
func (e *Engine) RestoreFromVersion(ctx context.Context, ref store.EntityRef, versionID, actorID string, opts ...RestoreOption) (store.EntityVersion, error) {
	if err := validateRef(ref); err != nil {
		return store.EntityVersion{}, err
	}
	if err := requireActor(actorID); err != nil {
		return store.EntityVersion{}, err
	}
	options := restoreOptions{approvalRequired: true}
	for _, opt := range opts {
		opt(&options)
	}

	source, err := e.GetVersion(ctx, versionID)
	if err != nil {
		return store.EntityVersion{}, err
	}
	if source.Ref() != ref {
		return store.EntityVersion{}, fmt.Errorf("%w: version %s belongs to %s, not %s", ErrEntityMismatch, source.ID, source.Ref(), ref)
	}
	summary := options.changeSummary
	if summary == "" {
		summary = fmt.Sprintf("Restored from version %d", source.VersionNumber)
	}

	var restored store.EntityVersion
	err = e.store.WithinEntity(ctx, ref, func(tx store.Tx) error {
		var err error
		restored, _, err = e.createLocked(ctx, tx, ref, source.DataSnapshot, summary, options.approvalRequired, actorID)
		return err
	})
	if err != nil {
		return store.EntityVersion{}, err
	}

	e.log.Info().
		Str("entity_type", string(ref.Type)).
		Str("entity_id", ref.ID).
		Str("version_id", restored.ID).
		Str("source_version_id", source.ID).
		Int("version_number", restored.VersionNumber).
		Msg("version restored")
	return restored, nil
}

func (e *Engine) ListVersions(ctx context.Context, ref store.EntityRef) ([]store.EntityVersion, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	return e.store.ListVersions(ctx, ref)
}

// ListPendingApprovals returns open requests, newest first. An empty entityType
// lists every type.
func (e *Engine) ListPendingApprovals(ctx context.Context, entityType store.EntityType) ([]store.WorkflowApproval, error) {
	if entityType != "" && !entityType.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, entityType)
	}
	return e.store.ListPendingApprovals(ctx, entityType)
}

func (e *Engine) GetPublishedVersion(ctx context.Context, ref store.EntityRef) (*store.EntityVersion, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	return e.store.GetPublishedVersion(ctx, ref)
}

func (e *Engine) GetVersion(ctx context.Context, versionID string) (store.EntityVersion, error) {
	if strings.TrimSpace(versionID) == "" {
		return store.EntityVersion{}, fmt.Errorf("%w: version id is required", ErrInvalidInput)
	}
	version, err := e.store.GetVersion(ctx, versionID)
	if err != nil {
		return store.EntityVersion{}, versionLookupError(versionID, err)
	}
	return version, nil
}

func (e *Engine) GetApproval(ctx context.Context, workflowID string) (store.WorkflowApproval, error) {
	if strings.TrimSpace(workflowID) == "" {
		return store.WorkflowApproval{}, fmt.Errorf("%w: approval id is required", ErrInvalidInput)
	}
	approval, err := e.store.GetApproval(ctx, workflowID)
	if err != nil {
		return store.WorkflowApproval{}, approvalLookupError(workflowID, err)
	}
	return approval, nil
}

// ListApprovalsForVersion returns the version's request history, newest first.
func (e *Engine) ListApprovalsForVersion(ctx context.Context, versionID string) ([]store.WorkflowApproval, error) {
	if _, err := e.GetVersion(ctx, versionID); err != nil {
		return nil, err
	}
	return e.store.ListApprovalsForVersion(ctx, versionID)
}

func validateRef(ref store.EntityRef) error {
	if !ref.Type.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, ref.Type)
	}
	if strings.TrimSpace(ref.ID) == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	return nil
}

func validateSnapshot(snapshot json.RawMessage) error {
	if len(snapshot) == 0 {
		return fmt.Errorf("%w: snapshot is required", ErrInvalidInput)
	}
	if !json.Valid(snapshot) {
		return fmt.Errorf("%w: snapshot must be a JSON document", ErrInvalidInput)
	}
	return nil
}

func validateConfig(config json.RawMessage) error {
	if len(config) > 0 && !json.Valid(config) {
		return fmt.Errorf("%w: workflow config must be a JSON document", ErrInvalidInput)
	}
	return nil
}

func requireActor(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidInput)
	}
	return nil
}

func versionLookupError(versionID string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, versionID)
	}
	return err
}

func approvalLookupError(workflowID string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, workflowID)
	}
	return err
}
