package model

import "strings"

// Role is the closed set of roles the approval core understands.
type Role string

// Known roles, in acting order of the approval chain, plus the privileged
// administrator.
const (
	RoleNone        Role = ""
	RoleRequester   Role = "requester"
	RoleCoordinator Role = "coordinator"
	RoleController  Role = "controller"
	RoleAdmin       Role = "admin"
)

// ParseRole maps a role name onto a Role. Matching is exact after trimming and
// lower-casing; anything else yields RoleNone.
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleRequester, RoleCoordinator, RoleController, RoleAdmin:
		return r
	}
	return RoleNone
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return ParseRole(string(r)) != RoleNone
}

// Precedence orders roles so that the most privileged role wins when an
// identity carries several.
func (r Role) Precedence() int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleController:
		return 3
	case RoleCoordinator:
		return 2
	case RoleRequester:
		return 1
	}
	return 0
}

func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	return string(r)
}
