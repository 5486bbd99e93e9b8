package store

import (
	"encoding/json"
	"time"
)

type EntityType string

const (
	EntityForm   EntityType = "form"
	EntityReport EntityType = "report"
)

func (t EntityType) Valid() bool {
	return t == EntityForm || t == EntityReport
}

// EntityRef identifies a versioned business entity.
type EntityRef struct {
	Type EntityType
	ID   string
}

func (r EntityRef) String() string {
	return string(r.Type) + ":" + r.ID
}

type ApprovalStatus string

const (
	ApprovalDraft           ApprovalStatus = "draft"
	ApprovalPendingApproval ApprovalStatus = "pending_approval"
	ApprovalApproved        ApprovalStatus = "approved"
	ApprovalRejected        ApprovalStatus = "rejected"
)

type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowApproved  WorkflowStatus = "approved"
	WorkflowRejected  WorkflowStatus = "rejected"
	WorkflowWithdrawn WorkflowStatus = "withdrawn"
)

func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowApproved || s == WorkflowRejected || s == WorkflowWithdrawn
}

// EntityVersion is an immutable snapshot of an entity plus its workflow metadata.
// DataSnapshot is opaque and never interpreted.
type EntityVersion struct {
	ID             string
	EntityType     EntityType
	EntityID       string
	VersionNumber  int
	DataSnapshot   json.RawMessage
	ChangeSummary  string
	ApprovalStatus ApprovalStatus
	IsPublished    bool
	CreatedBy      string
	CreatedAt      time.Time
	ApprovedBy     string
	ApprovedAt     *time.Time
}

func (v EntityVersion) Ref() EntityRef {
	return EntityRef{Type: v.EntityType, ID: v.EntityID}
}

// WorkflowApproval is a review request for exactly one version.
type WorkflowApproval struct {
	ID             string
	EntityType     EntityType
	EntityID       string
	VersionID      string
	RequestedBy    string
	RequestedAt    time.Time
	Status         WorkflowStatus
	ReviewNotes    string
	ReviewedBy     string
	ReviewedAt     *time.Time
	WorkflowConfig json.RawMessage
}

func (a WorkflowApproval) Ref() EntityRef {
	return EntityRef{Type: a.EntityType, ID: a.EntityID}
}

// VersionMatch is a search hit produced by the SQL fallback search.
type VersionMatch struct {
	VersionID      string
	EntityType     EntityType
	EntityID       string
	VersionNumber  int
	ChangeSummary  string
	ApprovalStatus ApprovalStatus
	IsPublished    bool
}
