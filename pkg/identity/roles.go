package identity

import "fmt"

// Role is the capability class of a connection. A connection starts
// unauthenticated and transitions out exactly once; it never reverts.
type Role uint8

const (
	RoleUnauthenticated Role = iota
	RoleStandard
	RoleMonitor
)

func (r Role) String() string {
	switch r {
	case RoleStandard:
		return "standard"
	case RoleMonitor:
		return "monitor"
	default:
		return "unauthenticated"
	}
}

// ParseRole maps a client-supplied role name to a Role. Only assignable
// roles parse; "unauthenticated" is not a valid target.
func ParseRole(name string) (Role, error) {
	switch name {
	case "standard":
		return RoleStandard, nil
	case "monitor":
		return RoleMonitor, nil
	default:
		return RoleUnauthenticated, fmt.Errorf("unknown role '%s'", name)
	}
}

// RoleSet is a bitmap of roles an identity is allowed to assume.
type RoleSet uint8

func (s RoleSet) Has(r Role) bool {
	return s&(1<<r) != 0
}

func (s RoleSet) With(r Role) RoleSet {
	return s | (1 << r)
}

// CompileRoles turns a list of granted role names into a RoleSet.
// Unknown names fail the whole compilation.
func CompileRoles(names []string) (RoleSet, error) {
	var set RoleSet
	for _, name := range names {
		role, err := ParseRole(name)
		if err != nil {
			return 0, err
		}
		set = set.With(role)
	}
	return set, nil
}
