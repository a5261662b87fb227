package auth

// UserRole is the role stored on a user and embedded in access tokens.
type UserRole string

const (
	// RoleGuest can only read
	RoleGuest UserRole = "guest"
	// RoleMember is the default role for registered users
	RoleMember UserRole = "member"
	// RoleAdmin can run administrative operations such as soft delete
	RoleAdmin UserRole = "admin"
	// RoleOwner is the top of the hierarchy
	RoleOwner UserRole = "owner"
)

var roleHierarchy = map[UserRole]int{
	RoleGuest:  0,
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// IsValid checks if the role is one of the predefined valid roles
func (r UserRole) IsValid() bool {
	_, ok := roleHierarchy[r]
	return ok
}

// IsAtLeast checks if this role meets the minimum required level
func (r UserRole) IsAtLeast(minRole UserRole) bool {
	currentLevel, exists := roleHierarchy[r]
	if !exists {
		return false
	}

	minLevel, exists := roleHierarchy[minRole]
	if !exists {
		return false
	}

	return currentLevel >= minLevel
}

// ParseRole safely parses a string into a UserRole type
func ParseRole(roleStr string) (UserRole, bool) {
	role := UserRole(roleStr)
	return role, role.IsValid()
}

// AnyRoleAtLeast reports whether one of roles meets minRole.
func AnyRoleAtLeast(roles []string, minRole UserRole) bool {
	for _, r := range roles {
		if UserRole(r).IsAtLeast(minRole) {
			return true
		}
	}
	return false
}
