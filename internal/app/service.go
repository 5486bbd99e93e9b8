package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"formgate/api/internal/logging"
	"formgate/api/internal/mirror"
	"formgate/api/internal/policy"
	"formgate/api/internal/rbac"
	"formgate/api/internal/search"
	"formgate/api/internal/store"
	"formgate/api/internal/versioning"
)

// Actor is the caller identity forwarded by the upstream gateway.
type Actor struct {
	ID   string
	Role rbac.Role
}

type CreateVersionInput struct {
	Snapshot         json.RawMessage `json:"snapshot"`
	ChangeSummary    string          `json:"changeSummary"`
	ApprovalRequired *bool           `json:"approvalRequired"`
	Submit           bool            `json:"submit"`
	WorkflowConfig   json.RawMessage `json:"workflowConfig"`
}

type CreateVersionResult struct {
	Version  store.EntityVersion
	Approval *store.WorkflowApproval
}

type RestoreInput struct {
	VersionID        string `json:"versionId"`
	ApprovalRequired *bool  `json:"approvalRequired"`
	ChangeSummary    string `json:"changeSummary"`
}

type ReviewInput struct {
	Action        string `json:"action"`
	Notes         string `json:"notes"`
	ShouldPublish *bool  `json:"shouldPublish"`
}

type versionEngine interface {
	CreateVersion(ctx context.Context, ref store.EntityRef, snapshot json.RawMessage, changeSummary string, approvalRequired bool, actorID string) (store.EntityVersion, error)
	SubmitVersion(ctx context.Context, ref store.EntityRef, snapshot json.RawMessage, changeSummary, actorID string, workflowConfig json.RawMessage) (store.EntityVersion, store.WorkflowApproval, error)
	OpenApproval(ctx context.Context, versionID, requestedBy string, workflowConfig json.RawMessage) (store.WorkflowApproval, error)
	ReviewApproval(ctx context.Context, workflowID string, action versioning.ReviewAction, reviewerID, notes string, shouldPublish bool) (versioning.ReviewOutcome, error)
	WithdrawApproval(ctx context.Context, workflowID, actorID string) (store.WorkflowApproval, error)
	Publish(ctx context.Context, versionID string) (versioning.PublishOutcome, error)
	Unpublish(ctx context.Context, ref store.EntityRef) (*store.EntityVersion, error)
	RestoreFromVersion(ctx context.Context, ref store.EntityRef, versionID, actorID string, opts ...versioning.RestoreOption) (store.EntityVersion, error)
	ListVersions(ctx context.Context, ref store.EntityRef) ([]store.EntityVersion, error)
	ListPendingApprovals(ctx context.Context, entityType store.EntityType) ([]store.WorkflowApproval, error)
	GetPublishedVersion(ctx context.Context, ref store.EntityRef) (*store.EntityVersion, error)
	GetVersion(ctx context.Context, versionID string) (store.EntityVersion, error)
	GetApproval(ctx context.Context, workflowID string) (store.WorkflowApproval, error)
	ListApprovalsForVersion(ctx context.Context, versionID string) ([]store.WorkflowApproval, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type publishedCache interface {
	GetPublished(ctx context.Context, ref store.EntityRef) (*store.EntityVersion, bool, error)
	Generation(ctx context.Context, ref store.EntityRef) (int64, error)
	FillPublished(ctx context.Context, version store.EntityVersion, generation int64) (bool, error)
	Invalidate(ctx context.Context, ref store.EntityRef) error
}

type versionSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexVersions(records ...search.VersionRecord) <-chan struct{}
}

type publicationMirror interface {
	RecordPublication(version store.EntityVersion, actor string) (mirror.Publication, error)
	RecordTakedown(version store.EntityVersion, actor string) (mirror.Publication, error)
	History(ref store.EntityRef, limit int) ([]mirror.Publication, error)
	SnapshotAt(ref store.EntityRef, revision string) (json.RawMessage, error)
}

type snapshotArchive interface {
	PutSnapshot(ctx context.Context, version store.EntityVersion) (string, error)
}

// Service applies role checks and approval policy around the versioning engine
// and fans published-state changes out to the cache, search index, mirror and
// archive once the transaction has committed.
type Service struct {
	engine  versionEngine
	db      pinger
	policy  *policy.Policy
	cache   publishedCache
	search  versionSearch
	mirror  publicationMirror
	archive snapshotArchive
	log     zerolog.Logger
}

type Option func(*Service)

func WithCache(cache publishedCache) Option {
	return func(s *Service) { s.cache = cache }
}

func WithSearch(search versionSearch) Option {
	return func(s *Service) { s.search = search }
}

func WithMirror(mirror publicationMirror) Option {
	return func(s *Service) { s.mirror = mirror }
}

func WithArchive(archive snapshotArchive) Option {
	return func(s *Service) { s.archive = archive }
}

func NewService(engine versionEngine, db pinger, rules *policy.Policy, opts ...Option) *Service {
	if rules == nil {
		rules = policy.Default()
	}
	s := &Service{
		engine: engine,
		db:     db,
		policy: rules,
		log:    logging.Component("app"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Service) authorize(actor Actor, action rbac.Action) error {
	if !rbac.Can(actor.Role, action) {
		return forbidden(string(action))
	}
	return nil
}

func (s *Service) CreateVersion(ctx context.Context, actor Actor, ref store.EntityRef, input CreateVersionInput) (CreateVersionResult, error) {
	if err := s.authorize(actor, rbac.ActionWrite); err != nil {
		return CreateVersionResult{}, err
	}
	rules := s.policy.For(ref.Type)
	if input.Submit && input.ApprovalRequired != nil && !*input.ApprovalRequired {
		return CreateVersionResult{}, validationError("submit opens an approval and cannot be combined with approvalRequired=false")
	}

	if input.Submit {
		config := input.WorkflowConfig
		if isBlankJSON(config) {
			config = rules.WorkflowConfig
		}
		version, approval, err := s.engine.SubmitVersion(ctx, ref, input.Snapshot, input.ChangeSummary, actor.ID, config)
		if err != nil {
			return CreateVersionResult{}, err
		}
		s.indexVersions(version)
		return CreateVersionResult{Version: version, Approval: &approval}, nil
	}

	approvalRequired := rules.ApprovalRequired
	if input.ApprovalRequired != nil {
		if !*input.ApprovalRequired && rules.ApprovalRequired && actor.Role != rbac.RoleAdmin {
			return CreateVersionResult{}, forbidden("skip_approval")
		}
		approvalRequired = *input.ApprovalRequired
	}

	prior := s.publishedID(ctx, ref, approvalRequired)
	version, err := s.engine.CreateVersion(ctx, ref, input.Snapshot, input.ChangeSummary, approvalRequired, actor.ID)
	if err != nil {
		return CreateVersionResult{}, err
	}
	if version.IsPublished {
		s.afterPublish(ctx, version, prior, actor.ID)
	} else {
		s.indexVersions(version)
	}
	return CreateVersionResult{Version: version}, nil
}

func (s *Service) RestoreVersion(ctx context.Context, actor Actor, ref store.EntityRef, input RestoreInput) (store.EntityVersion, error) {
	if err := s.authorize(actor, rbac.ActionWrite); err != nil {
		return store.EntityVersion{}, err
	}
	if strings.TrimSpace(input.VersionID) == "" {
		return store.EntityVersion{}, validationError("versionId is required")
	}

	approvalRequired := s.policy.For(ref.Type).RestoreRequiresApproval
	if input.ApprovalRequired != nil {
		if !*input.ApprovalRequired && approvalRequired && actor.Role != rbac.RoleAdmin {
			return store.EntityVersion{}, forbidden("skip_approval")
		}
		approvalRequired = *input.ApprovalRequired
	}

	opts := []versioning.RestoreOption{versioning.RestoreApprovalRequired(approvalRequired)}
	if summary := strings.TrimSpace(input.ChangeSummary); summary != "" {
		opts = append(opts, versioning.RestoreSummary(summary))
	}
	prior := s.publishedID(ctx, ref, approvalRequired)
	restored, err := s.engine.RestoreFromVersion(ctx, ref, input.VersionID, actor.ID, opts...)
	if err != nil {
		return store.EntityVersion{}, err
	}
	if restored.IsPublished {
		s.afterPublish(ctx, restored, prior, actor.ID)
	} else {
		s.indexVersions(restored)
	}
	return restored, nil
}

func (s *Service) OpenApproval(ctx context.Context, actor Actor, versionID string, workflowConfig json.RawMessage) (store.WorkflowApproval, error) {
	if err := s.authorize(actor, rbac.ActionWrite); err != nil {
		return store.WorkflowApproval{}, err
	}
	if isBlankJSON(workflowConfig) {
		version, err := s.engine.GetVersion(ctx, versionID)
		if err != nil {
			return store.WorkflowApproval{}, err
		}
		workflowConfig = s.policy.For(version.EntityType).WorkflowConfig
	}
	approval, err := s.engine.OpenApproval(ctx, versionID, actor.ID, workflowConfig)
	if err != nil {
		return store.WorkflowApproval{}, err
	}
	s.reindex(ctx, approval.VersionID)
	return approval, nil
}

func (s *Service) ReviewApproval(ctx context.Context, actor Actor, workflowID string, input ReviewInput) (versioning.ReviewOutcome, error) {
	if err := s.authorize(actor, rbac.ActionReview); err != nil {
		return versioning.ReviewOutcome{}, err
	}
	action := versioning.ReviewAction(strings.ToLower(strings.TrimSpace(input.Action)))
	if !action.Valid() {
		return versioning.ReviewOutcome{}, validationError("action must be approve or reject")
	}

	shouldPublish := false
	if input.ShouldPublish != nil {
		shouldPublish = *input.ShouldPublish
	} else if action == versioning.ActionApprove {
		approval, err := s.engine.GetApproval(ctx, workflowID)
		if err != nil {
			return versioning.ReviewOutcome{}, err
		}
		shouldPublish = s.policy.For(approval.EntityType).PublishOnApprove
	}

	outcome, err := s.engine.ReviewApproval(ctx, workflowID, action, actor.ID, input.Notes, shouldPublish)
	if err != nil {
		return versioning.ReviewOutcome{}, err
	}
	if outcome.Published {
		s.afterPublish(ctx, outcome.Version, outcome.DemotedVersionID, actor.ID)
	} else {
		s.indexVersions(outcome.Version)
	}
	return outcome, nil
}

func (s *Service) WithdrawApproval(ctx context.Context, actor Actor, workflowID string) (store.WorkflowApproval, error) {
	if err := s.authorize(actor, rbac.ActionWrite); err != nil {
		return store.WorkflowApproval{}, err
	}
	approval, err := s.engine.WithdrawApproval(ctx, workflowID, actor.ID)
	if err != nil {
		return store.WorkflowApproval{}, err
	}
	s.reindex(ctx, approval.VersionID)
	return approval, nil
}

func (s *Service) Publish(ctx context.Context, actor Actor, versionID string) (versioning.PublishOutcome, error) {
	if err := s.authorize(actor, rbac.ActionReview); err != nil {
		return versioning.PublishOutcome{}, err
	}
	outcome, err := s.engine.Publish(ctx, versionID)
	if err != nil {
		return versioning.PublishOutcome{}, err
	}
	if outcome.Changed {
		s.afterPublish(ctx, outcome.Version, outcome.DemotedVersionID, actor.ID)
	}
	return outcome, nil
}

func (s *Service) Unpublish(ctx context.Context, actor Actor, ref store.EntityRef) (*store.EntityVersion, error) {
	if err := s.authorize(actor, rbac.ActionReview); err != nil {
		return nil, err
	}
	takenDown, err := s.engine.Unpublish(ctx, ref)
	if err != nil {
		return nil, err
	}
	if takenDown != nil {
		s.afterTakedown(ctx, *takenDown, actor.ID)
	}
	return takenDown, nil
}

func (s *Service) ListVersions(ctx context.Context, actor Actor, ref store.EntityRef) ([]store.EntityVersion, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.engine.ListVersions(ctx, ref)
}

func (s *Service) GetVersion(ctx context.Context, actor Actor, versionID string) (store.EntityVersion, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return store.EntityVersion{}, err
	}
	return s.engine.GetVersion(ctx, versionID)
}

func (s *Service) ListApprovalsForVersion(ctx context.Context, actor Actor, versionID string) ([]store.WorkflowApproval, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.engine.ListApprovalsForVersion(ctx, versionID)
}

func (s *Service) ListPendingApprovals(ctx context.Context, actor Actor, entityType store.EntityType) ([]store.WorkflowApproval, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	if entityType != "" && !entityType.Valid() {
		return nil, validationError("entityType must be form or report")
	}
	return s.engine.ListPendingApprovals(ctx, entityType)
}

func (s *Service) GetApproval(ctx context.Context, actor Actor, workflowID string) (store.WorkflowApproval, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return store.WorkflowApproval{}, err
	}
	return s.engine.GetApproval(ctx, workflowID)
}

// GetPublished reads through the published-version cache. A cache miss or cache
// error falls back to the store.
func (s *Service) GetPublished(ctx context.Context, actor Actor, ref store.EntityRef) (*store.EntityVersion, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.cache == nil || !ref.Type.Valid() {
		return s.engine.GetPublishedVersion(ctx, ref)
	}

	cached, ok, err := s.cache.GetPublished(ctx, ref)
	if err != nil {
		s.log.Warn().Err(err).Str("entity", ref.String()).Msg("published cache read failed")
		return s.engine.GetPublishedVersion(ctx, ref)
	}
	if ok {
		return cached, nil
	}
	return s.readThrough(ctx, ref)
}

// readThrough loads the published version from the store and caches it unless a
// write invalidated the entity after the generation was captured.
func (s *Service) readThrough(ctx context.Context, ref store.EntityRef) (*store.EntityVersion, error) {
	gen, genErr := s.cache.Generation(ctx, ref)
	published, err := s.engine.GetPublishedVersion(ctx, ref)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		s.log.Warn().Err(genErr).Str("entity", ref.String()).Msg("published cache generation read failed")
		return published, nil
	}
	if published == nil {
		return nil, nil
	}
	filled, err := s.cache.FillPublished(ctx, *published, gen)
	if err != nil {
		s.log.Warn().Err(err).Str("entity", ref.String()).Msg("published cache fill failed")
	} else if !filled {
		s.log.Debug().Str("entity", ref.String()).Msg("published cache fill skipped after concurrent write")
	}
	return published, nil
}

// refreshCache drops the entity's entry and repopulates it from the store.
func (s *Service) refreshCache(ctx context.Context, ref store.EntityRef, log zerolog.Logger) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, ref); err != nil {
		log.Error().Err(err).Msg("invalidate published cache")
		return
	}
	if _, err := s.readThrough(ctx, ref); err != nil {
		log.Warn().Err(err).Msg("reload published version for cache")
	}
}

func (s *Service) Publications(ctx context.Context, actor Actor, ref store.EntityRef, limit int) ([]mirror.Publication, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	if !ref.Type.Valid() || strings.TrimSpace(ref.ID) == "" {
		return nil, validationError("entity type must be form or report and id must be set")
	}
	if s.mirror == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MIRROR_UNAVAILABLE", "Publication mirror not configured", nil)
	}
	return s.mirror.History(ref, limit)
}

// PublicationSnapshot returns the snapshot as it was published at a mirror
// commit hash or version tag.
func (s *Service) PublicationSnapshot(ctx context.Context, actor Actor, ref store.EntityRef, revision string) (json.RawMessage, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	if !ref.Type.Valid() || strings.TrimSpace(ref.ID) == "" {
		return nil, validationError("entity type must be form or report and id must be set")
	}
	if strings.TrimSpace(revision) == "" {
		return nil, validationError("revision is required")
	}
	if s.mirror == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MIRROR_UNAVAILABLE", "Publication mirror not configured", nil)
	}
	return s.mirror.SnapshotAt(ref, revision)
}

func (s *Service) Search(ctx context.Context, actor Actor, q search.Query) (search.Response, error) {
	if err := s.authorize(actor, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if q.EntityType != "" && !q.EntityType.Valid() {
		return search.Response{}, validationError("entityType must be form or report")
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "none"}, nil
	}
	return s.search.Search(ctx, q), nil
}

// publishedID is read before a fast-path create so the version it demotes can be
// reindexed afterwards. It is only used for search freshness.
func (s *Service) publishedID(ctx context.Context, ref store.EntityRef, approvalRequired bool) string {
	if approvalRequired || s.search == nil {
		return ""
	}
	current, err := s.engine.GetPublishedVersion(ctx, ref)
	if err != nil || current == nil {
		return ""
	}
	return current.ID
}

// afterPublish runs once the publishing transaction has committed. Collaborator
// failures are logged and never fail the request.
func (s *Service) afterPublish(ctx context.Context, published store.EntityVersion, demotedID, actorID string) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.With().
		Str("entity", published.Ref().String()).
		Str("version_id", published.ID).
		Logger()

	s.refreshCache(ctx, published.Ref(), log)
	if s.mirror != nil {
		if commit, err := s.mirror.RecordPublication(published, actorID); err != nil {
			log.Warn().Err(err).Msg("record publication in mirror")
		} else {
			log.Debug().Str("commit", commit.Hash).Msg("publication mirrored")
		}
	}
	if s.archive != nil {
		archiveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		key, err := s.archive.PutSnapshot(archiveCtx, published)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("archive published snapshot")
		} else {
			log.Debug().Str("object_key", key).Msg("published snapshot archived")
		}
	}

	records := []store.EntityVersion{published}
	if demotedID != "" {
		if demoted, err := s.engine.GetVersion(ctx, demotedID); err == nil {
			records = append(records, demoted)
		}
	}
	s.indexVersions(records...)
}

func (s *Service) afterTakedown(ctx context.Context, takenDown store.EntityVersion, actorID string) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.With().
		Str("entity", takenDown.Ref().String()).
		Str("version_id", takenDown.ID).
		Logger()

	s.refreshCache(ctx, takenDown.Ref(), log)
	if s.mirror != nil {
		if _, err := s.mirror.RecordTakedown(takenDown, actorID); err != nil {
			log.Warn().Err(err).Msg("record takedown in mirror")
		}
	}
	s.indexVersions(takenDown)
}

func (s *Service) reindex(ctx context.Context, versionID string) {
	if s.search == nil {
		return
	}
	version, err := s.engine.GetVersion(context.WithoutCancel(ctx), versionID)
	if err != nil {
		s.log.Warn().Err(err).Str("version_id", versionID).Msg("reload version for indexing")
		return
	}
	s.indexVersions(version)
}

func (s *Service) indexVersions(versions ...store.EntityVersion) {
	if s.search == nil || len(versions) == 0 {
		return
	}
	records := make([]search.VersionRecord, 0, len(versions))
	for _, v := range versions {
		records = append(records, search.RecordFromVersion(v))
	}
	s.search.IndexVersions(records...)
}

func isBlankJSON(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}
