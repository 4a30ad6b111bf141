package models

import "fmt"

// Role is a member's standing in a pod. The numeric value is the rank:
// every permission decision compares ranks through Outranks.
type Role int

const (
	RoleNone Role = iota
	RoleMember
	RoleAdmin
	RoleOwner
)

type roleInfo struct {
	name  string
	label string
}

// roleTable is static metadata indexed by Role. It is never written to.
var roleTable = [...]roleInfo{
	RoleNone:   {name: "NONE", label: "Not a member"},
	RoleMember: {name: "MEMBER", label: "Member"},
	RoleAdmin:  {name: "ADMIN", label: "Admin"},
	RoleOwner:  {name: "OWNER", label: "Owner"},
}

func (r Role) valid() bool {
	return r >= RoleNone && r <= RoleOwner
}

// Rank returns the role's position in the hierarchy, NONE=0 .. OWNER=3.
func (r Role) Rank() int {
	return int(r)
}

func (r Role) String() string {
	if !r.valid() {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return roleTable[r].name
}

// Label is the human readable role name.
func (r Role) Label() string {
	if !r.valid() {
		return ""
	}
	return roleTable[r].label
}

// Outranks reports whether a strictly outranks b. Equal ranks never
// outrank each other.
func Outranks(a, b Role) bool {
	return a.Rank() > b.Rank()
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	return r.Rank() >= min.Rank()
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(roleTable[r].name), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ParseRole maps a role name back to its Role.
func ParseRole(s string) (Role, error) {
	for i, info := range roleTable {
		if info.name == s {
			return Role(i), nil
		}
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}
