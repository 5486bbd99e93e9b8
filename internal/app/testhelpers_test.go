package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"formgate/api/internal/auth"
	"formgate/api/internal/mirror"
	"formgate/api/internal/policy"
	"formgate/api/internal/search"
	"formgate/api/internal/store"
	"formgate/api/internal/versioning"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error {
	return f.err
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string]store.EntityVersion
	generations map[string]int64
	invalidated []string
	getErr      error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]store.EntityVersion{}, generations: map[string]int64{}}
}

func (f *fakeCache) GetPublished(_ context.Context, ref store.EntityRef) (*store.EntityVersion, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	v, ok := f.entries[ref.String()]
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

func (f *fakeCache) Generation(_ context.Context, ref store.EntityRef) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generations[ref.String()], nil
}

func (f *fakeCache) FillPublished(_ context.Context, version store.EntityVersion, generation int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := version.Ref().String()
	if f.generations[key] != generation {
		return false, nil
	}
	f.entries[key] = version
	return true, nil
}

func (f *fakeCache) Invalidate(_ context.Context, ref store.EntityRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, ref.String())
	f.generations[ref.String()]++
	f.invalidated = append(f.invalidated, ref.String())
	return nil
}

func (f *fakeCache) cachedID(ref store.EntityRef) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[ref.String()].ID
}

type fakeMirror struct {
	mu         sync.Mutex
	published  []string
	takedowns  []string
	history    []mirror.Publication
	snapshots  map[string]json.RawMessage
	publishErr error
}

func (f *fakeMirror) RecordPublication(version store.EntityVersion, actor string) (mirror.Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return mirror.Publication{}, f.publishErr
	}
	f.published = append(f.published, version.ID)
	return mirror.Publication{Hash: "abc123", Author: actor, Message: "publish " + version.ID}, nil
}

func (f *fakeMirror) RecordTakedown(version store.EntityVersion, actor string) (mirror.Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.takedowns = append(f.takedowns, version.ID)
	return mirror.Publication{Hash: "def456", Author: actor}, nil
}

func (f *fakeMirror) History(store.EntityRef, int) ([]mirror.Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeMirror) SnapshotAt(_ store.EntityRef, revision string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if revision == "takedown" {
		return nil, mirror.ErrNoSnapshot
	}
	snapshot, ok := f.snapshots[revision]
	if !ok {
		return nil, mirror.ErrRevisionNotFound
	}
	return snapshot, nil
}

type fakeArchive struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeArchive) PutSnapshot(_ context.Context, version store.EntityVersion) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(version.EntityType) + "/" + version.EntityID + "/" + version.ID
	f.keys = append(f.keys, key)
	return key, nil
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []search.VersionRecord
	queries []search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{}, Query: q.Text, Backend: "fake"}
}

func (f *fakeSearch) IndexVersions(records ...search.VersionRecord) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, records...)
	done := make(chan struct{})
	close(done)
	return done
}

func (f *fakeSearch) indexedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.indexed))
	for _, r := range f.indexed {
		ids = append(ids, r.ID)
	}
	return ids
}

type testHarness struct {
	server  *HTTPServer
	service *Service
	cache   *fakeCache
	mirror  *fakeMirror
	archive *fakeArchive
	search  *fakeSearch
}

type harnessOptions struct {
	policy      *policy.Policy
	engineOpts  []versioning.Option
	tokenHash   string
	pingErr     error
	withoutHook bool
}

func newHarness(t *testing.T, opts harnessOptions) *testHarness {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	sqlite := store.NewSQLiteStore(db)
	if err := sqlite.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	engine := versioning.New(sqlite, opts.engineOpts...)

	h := &testHarness{
		cache:   newFakeCache(),
		mirror:  &fakeMirror{},
		archive: &fakeArchive{},
		search:  &fakeSearch{},
	}
	serviceOpts := []Option{}
	if !opts.withoutHook {
		serviceOpts = append(serviceOpts, WithCache(h.cache), WithMirror(h.mirror), WithArchive(h.archive), WithSearch(h.search))
	}
	h.service = NewService(engine, fakePinger{err: opts.pingErr}, opts.policy, serviceOpts...)

	verifier, err := auth.NewVerifier(opts.tokenHash)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	h.server = NewHTTPServer(h.service, "*", verifier)
	return h
}

type requestOption func(*http.Request)

func asActor(id, role string) requestOption {
	return func(r *http.Request) {
		r.Header.Set(headerActorID, id)
		r.Header.Set(headerActorRole, role)
	}
}

func withBearer(token string) requestOption {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

func (h *testHarness) do(t *testing.T, method, path string, body any, opts ...requestOption) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, opt := range opts {
		opt(req)
	}
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func expectCode(t *testing.T, payload map[string]any, want string) {
	t.Helper()
	if got, _ := payload["code"].(string); got != want {
		t.Fatalf("expected error code %q, got %v", want, payload)
	}
}

func nested(t *testing.T, payload map[string]any, key string) map[string]any {
	t.Helper()
	value, ok := payload[key].(map[string]any)
	if !ok {
		t.Fatalf("expected %q object in %v", key, payload)
	}
	return value
}

func newRawRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(h *testHarness, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rr, req)
	return rr
}
