package rbac

type Role string
type Action string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	ActionRead            Action = "read"
	ActionPost            Action = "post"
	ActionInvite          Action = "invite"
	ActionDeleteWorkspace Action = "delete_workspace"
)

// Can reports whether a workspace role may perform action. Acceptance of the
// membership is checked separately.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleAdmin:
		return action == ActionRead || action == ActionPost || action == ActionInvite
	case RoleMember:
		return action == ActionRead || action == ActionPost
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleMember
	}
}
