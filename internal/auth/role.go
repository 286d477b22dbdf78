package auth

import (
	"fmt"
	"strings"
)

// Role is a member's standing inside one organization. Roles are totally
// ordered; a higher role satisfies every requirement a lower one does.
type Role int

const (
	RoleGuest Role = iota
	RoleMember
	RoleAdmin
	RoleRootAdmin
)

// DefaultRequiredRole is the requirement applied when a protected operation
// does not declare one.
const DefaultRequiredRole = RoleMember

var roleNames = [...]string{
	RoleGuest:     "GUEST",
	RoleMember:    "MEMBER",
	RoleAdmin:     "ADMIN",
	RoleRootAdmin: "ROOT_ADMIN",
}

// Roles lists every role from lowest to highest.
func Roles() []Role {
	return []Role{RoleGuest, RoleMember, RoleAdmin, RoleRootAdmin}
}

// Level returns the ordinal rank used for comparisons.
func (r Role) Level() int { return int(r) }

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool { return r >= RoleGuest && r <= RoleRootAdmin }

func (r Role) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return roleNames[r]
}

// Satisfies reports whether r meets or exceeds required.
func (r Role) Satisfies(required Role) bool {
	return Satisfies(r, required)
}

// Satisfies reports whether actual meets or exceeds required.
func Satisfies(actual, required Role) bool {
	return actual.Level() >= required.Level()
}

// ParseRole resolves a role name as it appears on the wire ("ROOT_ADMIN").
func ParseRole(name string) (Role, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range roleNames {
		if n == name {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, name)
}

// MarshalText encodes the role by name so tokens carry "ADMIN", not 2.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: role %d out of range", ErrInvalidInput, int(r))
	}
	return []byte(roleNames[r]), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
