package search

import (
	"context"

	"formgate/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	VersionID      string `json:"versionId"`
	EntityType     string `json:"entityType"`
	EntityID       string `json:"entityId"`
	VersionNumber  int    `json:"versionNumber"`
	Snippet        string `json:"snippet"`
	ApprovalStatus string `json:"approvalStatus"`
	IsPublished    bool   `json:"isPublished"`
}

// Query describes a search request.
type Query struct {
	Text       string
	EntityType store.EntityType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a search over version history.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// VersionRecord is the data we index for a version. The snapshot itself is
// never indexed.
type VersionRecord struct {
	ID             string `json:"id"`
	EntityType     string `json:"entityType"`
	EntityID       string `json:"entityId"`
	VersionNumber  int    `json:"versionNumber"`
	ChangeSummary  string `json:"changeSummary"`
	ApprovalStatus string `json:"approvalStatus"`
	IsPublished    bool   `json:"isPublished"`
	CreatedBy      string `json:"createdBy"`
}

func RecordFromVersion(v store.EntityVersion) VersionRecord {
	return VersionRecord{
		ID:             v.ID,
		EntityType:     string(v.EntityType),
		EntityID:       v.EntityID,
		VersionNumber:  v.VersionNumber,
		ChangeSummary:  v.ChangeSummary,
		ApprovalStatus: string(v.ApprovalStatus),
		IsPublished:    v.IsPublished,
		CreatedBy:      v.CreatedBy,
	}
}
