package records

import "strings"

// Role is one of the closed set of account roles.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// ParseRole normalizes a role name, defaulting unknown values to student.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleInstructor:
		return RoleInstructor
	default:
		return RoleStudent
	}
}

// Principal identifies the caller of a record operation. The zero value is
// an anonymous caller.
type Principal struct {
	UserID string
	Role   Role
}

// Authenticated reports whether the principal carries a user id.
func (p Principal) Authenticated() bool {
	return strings.TrimSpace(p.UserID) != ""
}

// Rule decides whether principal may act on record. For list and create
// checks the record holds the requested fields only.
type Rule func(principal Principal, record Record) bool

// AccessRules gates each operation on a collection. A nil rule denies.
type AccessRules struct {
	List   Rule
	View   Rule
	Create Rule
	Update Rule
	Delete Rule
}

// Public allows everyone, including anonymous callers.
func Public() Rule {
	return func(Principal, Record) bool { return true }
}

// Authenticated allows any signed-in caller.
func Authenticated() Rule {
	return func(principal Principal, _ Record) bool { return principal.Authenticated() }
}

// Owner allows the caller whose id is stored in field.
func Owner(field string) Rule {
	return func(principal Principal, record Record) bool {
		return principal.Authenticated() && record.Fields.String(field) == principal.UserID
	}
}

// Roles allows signed-in callers holding one of roles.
func Roles(roles ...Role) Rule {
	return func(principal Principal, _ Record) bool {
		if !principal.Authenticated() {
			return false
		}
		for _, role := range roles {
			if principal.Role == role {
				return true
			}
		}
		return false
	}
}

// AnyOf allows the caller when any rule does.
func AnyOf(rules ...Rule) Rule {
	return func(principal Principal, record Record) bool {
		for _, rule := range rules {
			if rule != nil && rule(principal, record) {
				return true
			}
		}
		return false
	}
}

// AllOf allows the caller only when every rule does.
func AllOf(rules ...Rule) Rule {
	return func(principal Principal, record Record) bool {
		for _, rule := range rules {
			if rule == nil || !rule(principal, record) {
				return false
			}
		}
		return len(rules) > 0
	}
}

// Allows evaluates rule, treating nil as deny.
func Allows(rule Rule, principal Principal, record Record) bool {
	return rule != nil && rule(principal, record)
}
