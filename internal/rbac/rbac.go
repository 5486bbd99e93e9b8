package rbac

type Role string
type Action string

const (
	RoleRequester Role = "requester"
	RoleReviewer  Role = "reviewer"
	RoleAdmin     Role = "admin"
)

const (
	// ActionRead covers history, approval queues and published lookups.
	ActionRead Action = "read"
	// ActionWrite covers creating, restoring, submitting and withdrawing.
	ActionWrite Action = "write"
	// ActionReview covers approving, rejecting, publishing and unpublishing.
	ActionReview Action = "review"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionWrite || action == ActionReview
	case RoleRequester:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleRequester, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleRequester
	}
}
