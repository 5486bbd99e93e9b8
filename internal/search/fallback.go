package search

import (
	"context"
	"fmt"
	"strings"

	"formgate/api/internal/store"
)

// VersionLookup is the store query used when Meilisearch is unavailable.
type VersionLookup interface {
	SearchVersions(ctx context.Context, query string, entityType store.EntityType, limit int) ([]store.VersionMatch, error)
}

// StoreSearcher implements Searcher with a substring match in the database.
type StoreSearcher struct {
	lookup VersionLookup
}

func NewStoreSearcher(lookup VersionLookup) *StoreSearcher {
	return &StoreSearcher{lookup: lookup}
}

// Healthy always returns true; if the database is down, the whole app is down.
func (s *StoreSearcher) Healthy() bool {
	return true
}

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	matches, err := s.lookup.SearchVersions(ctx, text, q.EntityType, limit+offset)
	if err != nil {
		return nil, 0, fmt.Errorf("store search: %w", err)
	}
	if offset >= len(matches) {
		return []Result{}, len(matches), nil
	}

	results := make([]Result, 0, len(matches)-offset)
	for _, m := range matches[offset:] {
		results = append(results, Result{
			VersionID:      m.VersionID,
			EntityType:     string(m.EntityType),
			EntityID:       m.EntityID,
			VersionNumber:  m.VersionNumber,
			Snippet:        m.ChangeSummary,
			ApprovalStatus: string(m.ApprovalStatus),
			IsPublished:    m.IsPublished,
		})
	}
	return results, len(matches), nil
}
