// Package mirror records every publication of an entity as a commit in a
// per-entity git repository, giving operators an offline audit trail.
package mirror

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"formgate/api/internal/store"
)

const (
	snapshotFile = "snapshot.json"
	metadataFile = "version.json"
	mirrorBranch = "main"
)

var (
	// ErrRevisionNotFound is returned when a commit or tag does not exist in the
	// entity's mirror.
	ErrRevisionNotFound = errors.New("mirror revision not found")
	// ErrNoSnapshot is returned for revisions recorded by a takedown.
	ErrNoSnapshot = errors.New("revision has no published snapshot")
)

// Publication is one entry of the mirror history.
type Publication struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type metadata struct {
	Entity        string     `json:"entity"`
	VersionID     string     `json:"versionId,omitempty"`
	VersionNumber int        `json:"versionNumber,omitempty"`
	ChangeSummary string     `json:"changeSummary,omitempty"`
	CreatedBy     string     `json:"createdBy,omitempty"`
	ApprovedBy    string     `json:"approvedBy,omitempty"`
	ApprovedAt    *time.Time `json:"approvedAt,omitempty"`
	Published     bool       `json:"published"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// RecordPublication commits the published snapshot and tags it v<number>.
func (s *Service) RecordPublication(version store.EntityVersion, actor string) (Publication, error) {
	ref := version.Ref()
	lock := s.entityLock(ref)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(ref)
	if err != nil {
		return Publication{}, err
	}

	snapshot, err := indentSnapshot(version.DataSnapshot)
	if err != nil {
		return Publication{}, err
	}
	meta := metadata{
		Entity:        ref.String(),
		VersionID:     version.ID,
		VersionNumber: version.VersionNumber,
		ChangeSummary: version.ChangeSummary,
		CreatedBy:     version.CreatedBy,
		ApprovedBy:    version.ApprovedBy,
		ApprovedAt:    version.ApprovedAt,
		Published:     true,
	}
	message := fmt.Sprintf("Publish %s version %d\n\nversion-id: %s", ref, version.VersionNumber, version.ID)
	hash, err := s.commit(repo, snapshot, meta, actor, message)
	if err != nil {
		return Publication{}, err
	}

	tagName := fmt.Sprintf("v%d", version.VersionNumber)
	_, err = repo.CreateTag(tagName, hash, &git.CreateTagOptions{
		Tagger:  s.signature(actor),
		Message: message,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return Publication{}, fmt.Errorf("create tag %s: %w", tagName, err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Publication{}, fmt.Errorf("read commit object: %w", err)
	}
	return toPublication(commitObj), nil
}

// RecordTakedown commits the removal of the published snapshot.
func (s *Service) RecordTakedown(version store.EntityVersion, actor string) (Publication, error) {
	ref := version.Ref()
	lock := s.entityLock(ref)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(ref)
	if err != nil {
		return Publication{}, err
	}
	meta := metadata{
		Entity:        ref.String(),
		VersionID:     version.ID,
		VersionNumber: version.VersionNumber,
		Published:     false,
	}
	message := fmt.Sprintf("Unpublish %s version %d\n\nversion-id: %s", ref, version.VersionNumber, version.ID)
	hash, err := s.commit(repo, nil, meta, actor, message)
	if err != nil {
		return Publication{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Publication{}, fmt.Errorf("read commit object: %w", err)
	}
	return toPublication(commitObj), nil
}

// History lists mirror commits for the entity, newest first. An entity that was
// never published has no history.
func (s *Service) History(ref store.EntityRef, limit int) ([]Publication, error) {
	lock := s.entityLock(ref)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(ref))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Publication{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Reference(plumbing.NewBranchReferenceName(mirrorBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mirrorBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Publication, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toPublication(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotAt returns the snapshot recorded by a mirror commit or tag.
func (s *Service) SnapshotAt(ref store.EntityRef, revision string) (json.RawMessage, error) {
	lock := s.entityLock(ref)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(ref))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s has no mirror", ErrRevisionNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRevisionNotFound, revision, err)
	}
	commitObj, err := repo.CommitObject(*hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRevisionNotFound, revision)
	}
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", revision, err)
	}
	file, err := commitObj.File(snapshotFile)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, revision)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot bytes: %w", err)
	}
	return json.RawMessage(bytes.TrimSpace(raw)), nil
}

func (s *Service) repoPath(ref store.EntityRef) string {
	return filepath.Join(s.baseDir, string(ref.Type), sanitizePathSegment(ref.ID))
}

func (s *Service) entityLock(ref store.EntityRef) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	key := ref.String()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func (s *Service) ensureRepo(ref store.EntityRef) (*git.Repository, error) {
	path := s.repoPath(ref)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	hash, err := s.commit(repo, nil, metadata{Entity: ref.String()}, "formgate", "Initialize publication mirror for "+ref.String())
	if err != nil {
		return nil, err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mirrorBranch), hash)); err != nil {
		return nil, fmt.Errorf("set %s branch ref: %w", mirrorBranch, err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mirrorBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", mirrorBranch, err)
	}
	return repo, nil
}

// commit writes the working files and commits them. A nil snapshot removes
// snapshot.json from the tree.
func (s *Service) commit(repo *git.Repository, snapshot []byte, meta metadata, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, metadataFile), append(metaBytes, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", metadataFile, err)
	}
	if _, err := worktree.Add(metadataFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", metadataFile, err)
	}

	snapshotPath := filepath.Join(root, snapshotFile)
	if snapshot != nil {
		if err := os.WriteFile(snapshotPath, append(snapshot, '\n'), 0o644); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write %s: %w", snapshotFile, err)
		}
		if _, err := worktree.Add(snapshotFile); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", snapshotFile, err)
		}
	} else if _, err := os.Stat(snapshotPath); err == nil {
		if _, err := worktree.Remove(snapshotFile); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git rm %s: %w", snapshotFile, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            s.signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit mirror: %w", err)
	}
	return hash, nil
}

func (s *Service) signature(author string) *object.Signature {
	if author == "" {
		author = "formgate"
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@mirror.formgate.local", sanitizeEmail(author)),
		When:  s.now(),
	}
}

func indentSnapshot(snapshot json.RawMessage) ([]byte, error) {
	var out bytes.Buffer
	if err := json.Indent(&out, snapshot, "", "  "); err != nil {
		return nil, fmt.Errorf("format snapshot: %w", err)
	}
	return out.Bytes(), nil
}

func toPublication(commitObj *object.Commit) Publication {
	return Publication{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func sanitizePathSegment(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 || string(out) == "." || string(out) == ".." {
		return "_"
	}
	return string(out)
}
