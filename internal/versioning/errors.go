package versioning

import "errors"

var (
	// ErrConcurrentVersionConflict means another writer took the version number first.
	// Callers may re-submit.
	ErrConcurrentVersionConflict = errors.New("concurrent version conflict")
	ErrDuplicatePendingApproval  = errors.New("version already has a pending approval")
	ErrNotPending                = errors.New("approval is not pending")
	ErrNotApproved               = errors.New("version is not approved")
	ErrEntityMismatch            = errors.New("version does not belong to entity")
	ErrVersionNotFound           = errors.New("version not found")
	ErrApprovalNotFound          = errors.New("approval not found")
	ErrVersionNotDraft           = errors.New("version is not a draft")
	ErrSelfReview                = errors.New("requester cannot review their own approval")
	ErrInvalidInput              = errors.New("invalid input")
)
