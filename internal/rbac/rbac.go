package rbac

type Role string
type Action string

const (
	RoleGuest  Role = "guest"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionSend     Action = "send"
	ActionReply    Action = "reply"
	ActionModerate Action = "moderate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionSend || action == ActionReply
	case RoleGuest:
		return action == ActionRead
	default:
		return false
	}
}

// AdminChecker is satisfied by the deployment's admin allow-list.
type AdminChecker interface {
	IsAdmin(email string) bool
}

// RoleOf classifies a signed-in user. The check runs on every call so that
// policy changes are never masked by a cached role.
func RoleOf(policy AdminChecker, authenticated bool, email string) Role {
	if !authenticated {
		return RoleGuest
	}
	if policy != nil && policy.IsAdmin(email) {
		return RoleAdmin
	}
	return RoleMember
}
