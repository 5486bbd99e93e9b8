package versioning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formgate/api/internal/store"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := store.NewSQLiteStore(db)
	require.NoError(t, s.EnsureSchema(ctx))

	return New(s, append([]Option{WithClock(newStepClock().Now)}, opts...)...)
}

var formF1 = store.EntityRef{Type: store.EntityForm, ID: "f1"}

func snapshot(title string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"title":%q,"fields":[{"name":"email","required":true}]}`, title))
}

func publishedIDs(t *testing.T, e *Engine, ref store.EntityRef) []string {
	t.Helper()
	versions, err := e.ListVersions(context.Background(), ref)
	require.NoError(t, err)
	ids := make([]string, 0)
	for _, v := range versions {
		if v.IsPublished {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

func TestCreateVersionNumbersAreMonotonic(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		v, err := e.CreateVersion(ctx, formF1, snapshot(fmt.Sprintf("v%d", i)), "edit", true, "alice")
		require.NoError(t, err)
		assert.Equal(t, i, v.VersionNumber)
		assert.Equal(t, store.ApprovalDraft, v.ApprovalStatus)
		assert.False(t, v.IsPublished)
	}

	versions, err := e.ListVersions(ctx, formF1)
	require.NoError(t, err)
	require.Len(t, versions, 5)
	for i, v := range versions {
		assert.Equal(t, 5-i, v.VersionNumber)
	}

	other, err := e.CreateVersion(ctx, store.EntityRef{Type: store.EntityReport, ID: "f1"}, snapshot("r"), "", true, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, other.VersionNumber)
}

func TestConcurrentCreateVersionsNeverDuplicateNumbers(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	const writers = 20

	var wg sync.WaitGroup
	numbers := make(chan int, writers)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.CreateVersion(ctx, formF1, snapshot(fmt.Sprintf("w%d", i)), "", i%2 == 0, fmt.Sprintf("user-%d", i))
			if err != nil {
				errs <- err
				return
			}
			numbers <- v.VersionNumber
		}(i)
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected create error: %v", err)
	}
	got := make([]int, 0, writers)
	for n := range numbers {
		got = append(got, n)
	}
	sort.Ints(got)
	want := make([]int, writers)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, got)
	assert.Len(t, publishedIDs(t, e, formF1), 1)
}

func TestCreateVersionWithoutApprovalPublishesAndDemotes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v1, err := e.CreateVersion(ctx, formF1, snapshot("one"), "first", false, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, v1.ApprovalStatus)
	assert.True(t, v1.IsPublished)
	assert.Equal(t, "alice", v1.ApprovedBy)
	require.NotNil(t, v1.ApprovedAt)

	v2, err := e.CreateVersion(ctx, formF1, snapshot("two"), "second", false, "bob")
	require.NoError(t, err)
	assert.True(t, v2.IsPublished)

	stored1, err := e.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, stored1.IsPublished)
	assert.Equal(t, store.ApprovalApproved, stored1.ApprovalStatus)

	published, err := e.GetPublishedVersion(ctx, formF1)
	require.NoError(t, err)
	require.NotNil(t, published)
	assert.Equal(t, v2.ID, published.ID)
}

func TestScenarioApproveAndPublishSwapsPublication(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v1, err := e.CreateVersion(ctx, formF1, snapshot("one"), "", false, "alice")
	require.NoError(t, err)
	v2, err := e.CreateVersion(ctx, formF1, snapshot("two"), "", true, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalDraft, v2.ApprovalStatus)
	assert.Equal(t, []string{v1.ID}, publishedIDs(t, e, formF1))

	approval, err := e.OpenApproval(ctx, v2.ID, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowPending, approval.Status)

	pendingV2, err := e.GetVersion(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPendingApproval, pendingV2.ApprovalStatus)

	outcome, err := e.ReviewApproval(ctx, approval.ID, ActionApprove, "rita", "looks good", true)
	require.NoError(t, err)
	assert.True(t, outcome.Published)
	assert.Equal(t, v1.ID, outcome.DemotedVersionID)
	assert.Equal(t, store.WorkflowApproved, outcome.Approval.Status)
	assert.Equal(t, "rita", outcome.Approval.ReviewedBy)
	assert.Equal(t, "looks good", outcome.Approval.ReviewNotes)

	stored2, err := e.GetVersion(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, stored2.ApprovalStatus)
	assert.Equal(t, "rita", stored2.ApprovedBy)
	assert.True(t, stored2.IsPublished)
	assert.Equal(t, []string{v2.ID}, publishedIDs(t, e, formF1))

	storedApproval, err := e.GetApproval(ctx, approval.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowApproved, storedApproval.Status)
}

func TestScenarioRejectKeepsPriorPublication(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v1, err := e.CreateVersion(ctx, formF1, snapshot("one"), "", false, "alice")
	require.NoError(t, err)
	v2, err := e.CreateVersion(ctx, formF1, snapshot("two"), "", true, "alice")
	require.NoError(t, err)
	approval, err := e.OpenApproval(ctx, v2.ID, "alice", json.RawMessage(`{"requiredRole":"reviewer"}`))
	require.NoError(t, err)

	outcome, err := e.ReviewApproval(ctx, approval.ID, ActionReject, "rita", "missing consent field", true)
	require.NoError(t, err)
	assert.False(t, outcome.Published)
	assert.Equal(t, store.WorkflowRejected, outcome.Approval.Status)
	assert.Equal(t, store.ApprovalRejected, outcome.Version.ApprovalStatus)

	stored2, err := e.GetVersion(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalRejected, stored2.ApprovalStatus)
	assert.False(t, stored2.IsPublished)
	assert.Empty(t, stored2.ApprovedBy)
	assert.Equal(t, []string{v1.ID}, publishedIDs(t, e, formF1))
}

func TestScenarioRestoreCreatesDraftAndKeepsPublication(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v1, err := e.CreateVersion(ctx, formF1, snapshot("one"), "", false, "alice")
	require.NoError(t, err)
	v2, err := e.CreateVersion(ctx, formF1, snapshot("two"), "", false, "alice")
	require.NoError(t, err)

	v3, err := e.RestoreFromVersion(ctx, formF1, v1.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 3, v3.VersionNumber)
	assert.Equal(t, store.ApprovalDraft, v3.ApprovalStatus)
	assert.False(t, v3.IsPublished)
	assert.Equal(t, "Restored from version 1", v3.ChangeSummary)
	assert.Equal(t, []string{v2.ID}, publishedIDs(t, e, formF1))

	stored3, err := e.GetVersion(ctx, v3.ID)
	require.NoError(t, err)
	assert.Equal(t, string(v1.DataSnapshot), string(stored3.DataSnapshot))

	approval, err := e.OpenApproval(ctx, v3.ID, "bob", nil)
	require.NoError(t, err)
	_, err = e.ReviewApproval(ctx, approval.ID, ActionApprove, "rita", "", true)
	require.NoError(t, err)
	assert.Equal(t, []string{v3.ID}, publishedIDs(t, e, formF1))
}

func TestRestoreFidelityPreservesSnapshotBytes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	raw := json.RawMessage(`{"b": 2,  "a": [1, 2, {"nested": null}], "unicode": "é"}`)

	source, err := e.CreateVersion(ctx, formF1, raw, "", true, "alice")
	require.NoError(t, err)

	restored, err := e.RestoreFromVersion(ctx, formF1, source.ID, "alice", RestoreSummary("rollback"))
	require.NoError(t, err)
	assert.Equal(t, "rollback", restored.ChangeSummary)

	stored, err := e.GetVersion(ctx, restored.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte(raw), []byte(stored.DataSnapshot))
	assert.JSONEq(t, string(raw), string(stored.DataSnapshot))
}

func TestRestoreWithoutApprovalPublishes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v1, err := e.CreateVersion(ctx, formF1, snapshot("one"), "", false, "alice")
	require.NoError(t, err)
	_, err = e.CreateVersion(ctx, formF1, snapshot("two"), "", false, "alice")
	require.NoError(t, err)

	restored, err := e.RestoreFromVersion(ctx, formF1, v1.ID, "ops", RestoreWithoutApproval())
	require.NoError(t, err)
	assert.True(t, restored.IsPublished)
	assert.Equal(t, []string{restored.ID}, publishedIDs(t, e, formF1))
}

func TestRestoreRejectsEntityMismatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	other, err := e.CreateVersion(ctx, store.EntityRef{Type: store.EntityForm, ID: "f2"}, snapshot("x"), "", true, "alice")
	require.NoError(t, err)

	_, err = e.RestoreFromVersion(ctx, formF1, other.ID, "alice")
	assert.ErrorIs(t, err, ErrEntityMismatch)

	sameIDOtherType := store.EntityRef{Type: store.EntityReport, ID: "f2"}
	_, err = e.RestoreFromVersion(ctx, sameIDOtherType, other.ID, "alice")
	assert.ErrorIs(t, err, ErrEntityMismatch)

	versions, err := e.ListVersions(ctx, formF1)
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, err = e.RestoreFromVersion(ctx, formF1, "ver_missing", "alice")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestOpenApprovalRejectsDuplicatePending(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v, err := e.CreateVersion(ctx, formF1, snapshot("one"), "", true, "alice")
	require.NoError(t, err)
	_, err = e.OpenApproval(ctx, v.ID, "alice", nil)
	require.NoError(t, err)

	_, err = e.OpenApproval(ctx, v.ID, "bob", nil)
	assert.ErrorIs(t, err, ErrDuplicatePendingApproval)

	history, err := e.ListApprovalsForVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestConcurrentOpenApprovalAllowsOnePending(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v, err := e.CreateVersion(ctx, formF1, snapshot("one"), "", true, "alice")
	require.NoError(t, err)

	const openers = 10
	var wg sync.WaitGroup
	results := make(chan error, openers)
	for i := 0; i < openers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.OpenApproval(ctx, v.ID, fmt.Sprintf("user-%d", i), nil)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicatePendingApproval)
	}
	assert.Equal(t, 1, succeeded)

	pending, err := e.ListPendingApprovals(ctx, store.EntityForm)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestOpenApprovalRequiresDraft(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	approved, err := e.CreateVersion(ctx, formF1, snapshot("one"), "", false, "alice")
	require.NoError(t, err)
	_, err = e.OpenApproval(ctx, approved.ID, "alice", nil)
	assert.ErrorIs(t, err, ErrVersionNotDraft)

	_, err = e.OpenApproval(ctx, "ver_missing", "alice", nil)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestReviewApprovalOnlyOnce(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v, err := e.CreateVersion(ctx, formF1, snapshot("one"), "", true, "alice")
	require.NoError(t, err)
	approval, err := e.OpenApproval(ctx, v.ID, "alice", nil)
	require.NoError(t, err)

	_, err = e.ReviewApproval(ctx, approval.ID, ActionApprove, "rita", "", false)
	require.NoError(t, err)

	_, err = e.ReviewApproval(ctx, approval.ID, ActionReject, "rita", "changed my mind", false)
	assert.ErrorIs(t, err, ErrNotPending)
	_, err = e.WithdrawApproval(ctx, approval.ID, "alice")
	assert.ErrorIs(t, err, ErrNotPending)

	_, err = e.ReviewApproval(ctx, "apr_missing", ActionApprove, "rita", "", false)
	assert.ErrorIs(t, err, ErrApprovalNotFound)
	_, err = e.ReviewApproval(ctx, approval.ID, ReviewAction("escalate"), "rita", "", false)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestWithdrawApprovalReturnsVersionToDraft(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v, err := e.CreateVersion(ctx, formF1, snapshot("one"), "", true, "alice")
	require.NoError(t, err)
	approval, err := e.OpenApproval(ctx, v.ID, "alice", nil)
	require.NoError(t, err)

	withdrawn, err := e.WithdrawApproval(ctx, approval.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.WorkflowWithdrawn, withdrawn.Status)
	require.NotNil(t, withdrawn.ReviewedAt)

	stored, err := e.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalDraft, stored.ApprovalStatus)

	reopened, err := e.OpenApproval(ctx, v.ID, "alice", nil)
	require.NoError(t, err)
	assert.NotEqual(t, approval.ID, reopened.ID)

	history, err := e.ListApprovalsForVersion(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, reopened.ID, history[0].ID)
	assert.Equal(t, store.WorkflowWithdrawn, history[1].Status)
}

func TestApprovedVersionsCanWaitForExplicitPublish(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	approveOnly := func(title string) store.EntityVersion {
		v, _, err := e.SubmitVersion(ctx, formF1, snapshot(title), title, "alice", nil)
		require.NoError(t, err)
		pending, err := e.ListApprovalsForVersion(ctx, v.ID)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		outcome, err := e.ReviewApproval(ctx, pending[0].ID, ActionApprove, "rita", "", false)
		require.NoError(t, err)
		assert.False(t, outcome.Published)
		assert.False(t, outcome.Version.IsPublished)
		return outcome.Version
	}
	a := approveOnly("a")
	b := approveOnly("b")
	assert.Empty(t, publishedIDs(t, e, formF1))

	result, err := e.Publish(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.True(t, result.Version.IsPublished)

	again, err := e.Publish(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Empty(t, again.DemotedVersionID)

	swapped, err := e.Publish(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, swapped.DemotedVersionID)
	assert.Equal(t, []string{b.ID}, publishedIDs(t, e, formF1))
}

func TestPublishRequiresApprovedVersion(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	draft, err := e.CreateVersion(ctx, formF1, snapshot("one"), "", true, "alice")
	require.NoError(t, err)
	_, err = e.Publish(ctx, draft.ID)
	assert.ErrorIs(t, err, ErrNotApproved)

	approval, err := e.OpenApproval(ctx, draft.ID, "alice", nil)
	require.NoError(t, err)
	_, err = e.Publish(ctx, draft.ID)
	assert.ErrorIs(t, err, ErrNotApproved)

	_, err = e.ReviewApproval(ctx, approval.ID, ActionReject, "rita", "", false)
	require.NoError(t, err)
	_, err = e.Publish(ctx, draft.ID)
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.Empty(t, publishedIDs(t, e, formF1))
}

func TestConcurrentPublishesKeepSinglePublication(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ids := make([]string, 0)
	for i := 0; i < 8; i++ {
		v, err := e.CreateVersion(ctx, formF1, snapshot(fmt.Sprintf("v%d", i)), "", false, "alice")
		require.NoError(t, err)
		ids = append(ids, v.ID)
	}

	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := e.Publish(ctx, id)
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	assert.Len(t, publishedIDs(t, e, formF1), 1)
}

func TestUnpublishTakesDownWithoutPromoting(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	none, err := e.Unpublish(ctx, formF1)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = e.CreateVersion(ctx, formF1, snapshot("one"), "", false, "alice")
	require.NoError(t, err)
	v2, err := e.CreateVersion(ctx, formF1, snapshot("two"), "", false, "alice")
	require.NoError(t, err)

	takenDown, err := e.Unpublish(ctx, formF1)
	require.NoError(t, err)
	require.NotNil(t, takenDown)
	assert.Equal(t, v2.ID, takenDown.ID)
	assert.False(t, takenDown.IsPublished)
	assert.Equal(t, store.ApprovalApproved, takenDown.ApprovalStatus)

	published, err := e.GetPublishedVersion(ctx, formF1)
	require.NoError(t, err)
	assert.Nil(t, published)
}

func TestSubmitVersionOpensApprovalAtomically(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v, approval, err := e.SubmitVersion(ctx, formF1, snapshot("one"), "  initial  ", "alice", json.RawMessage(`{"stages":["legal"]}`))
	require.NoError(t, err)
	assert.Equal(t, "initial", v.ChangeSummary)
	assert.Equal(t, store.ApprovalPendingApproval, v.ApprovalStatus)
	assert.Equal(t, v.ID, approval.VersionID)
	assert.Equal(t, formF1, approval.Ref())
	assert.JSONEq(t, `{"stages":["legal"]}`, string(approval.WorkflowConfig))

	_, _, err = e.SubmitVersion(ctx, formF1, snapshot("two"), "", "alice", json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrInvalidInput)

	versions, err := e.ListVersions(ctx, formF1)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestListPendingApprovalsNewestFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, first, err := e.SubmitVersion(ctx, formF1, snapshot("a"), "", "alice", nil)
	require.NoError(t, err)
	_, second, err := e.SubmitVersion(ctx, store.EntityRef{Type: store.EntityReport, ID: "r1"}, snapshot("b"), "", "alice", nil)
	require.NoError(t, err)
	_, third, err := e.SubmitVersion(ctx, store.EntityRef{Type: store.EntityForm, ID: "f9"}, snapshot("c"), "", "alice", nil)
	require.NoError(t, err)

	all, err := e.ListPendingApprovals(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	reports, err := e.ListPendingApprovals(ctx, store.EntityReport)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, second.ID, reports[0].ID)

	_, err = e.ListPendingApprovals(ctx, store.EntityType("invoice"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSelfReviewPolicy(t *testing.T) {
	e := newTestEngine(t, WithSelfReviewPolicy(func(entityType store.EntityType) bool {
		return entityType == store.EntityForm
	}))
	ctx := context.Background()

	_, formApproval, err := e.SubmitVersion(ctx, formF1, snapshot("a"), "", "alice", nil)
	require.NoError(t, err)
	_, err = e.ReviewApproval(ctx, formApproval.ID, ActionApprove, "alice", "", true)
	assert.ErrorIs(t, err, ErrSelfReview)

	_, err = e.ReviewApproval(ctx, formApproval.ID, ActionApprove, "rita", "", true)
	require.NoError(t, err)

	_, reportApproval, err := e.SubmitVersion(ctx, store.EntityRef{Type: store.EntityReport, ID: "r1"}, snapshot("b"), "", "alice", nil)
	require.NoError(t, err)
	_, err = e.ReviewApproval(ctx, reportApproval.ID, ActionApprove, "alice", "", true)
	require.NoError(t, err)
}

func TestInputValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		ref      store.EntityRef
		snapshot json.RawMessage
		actor    string
	}{
		{name: "unknown type", ref: store.EntityRef{Type: "invoice", ID: "x"}, snapshot: snapshot("a"), actor: "alice"},
		{name: "missing id", ref: store.EntityRef{Type: store.EntityForm, ID: " "}, snapshot: snapshot("a"), actor: "alice"},
		{name: "empty snapshot", ref: formF1, snapshot: nil, actor: "alice"},
		{name: "invalid snapshot", ref: formF1, snapshot: json.RawMessage(`{"a":`), actor: "alice"},
		{name: "missing actor", ref: formF1, snapshot: snapshot("a"), actor: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.CreateVersion(ctx, tc.ref, tc.snapshot, "", true, tc.actor)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, err := e.GetVersion(ctx, "ver_missing")
	assert.ErrorIs(t, err, ErrVersionNotFound)
	_, err = e.GetApproval(ctx, "apr_missing")
	assert.ErrorIs(t, err, ErrApprovalNotFound)
	_, err = e.ListApprovalsForVersion(ctx, "ver_missing")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}
