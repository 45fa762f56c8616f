package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Privilege orders what an actor may do with series.
type Privilege int

const (
	// PrivilegeMember proposes series; its time edits go back to PENDING.
	PrivilegeMember Privilege = iota
	// PrivilegeApprover auto-approves, reviews, and may edit locked series.
	PrivilegeApprover
	// PrivilegeSuperAdmin additionally reads across tenants and owns SYSTEM series.
	PrivilegeSuperAdmin
)

var privilegeNames = map[Privilege]string{
	PrivilegeMember:     "member",
	PrivilegeApprover:   "approver",
	PrivilegeSuperAdmin: "superadmin",
}

func (p Privilege) String() string {
	if name, ok := privilegeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("privilege(%d)", int(p))
}

// ParsePrivilege maps a privilege name onto a Privilege. "manager" is
// accepted as an alias of approver.
func ParsePrivilege(name string) (Privilege, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "member":
		return PrivilegeMember, nil
	case "approver", "manager":
		return PrivilegeApprover, nil
	case "superadmin":
		return PrivilegeSuperAdmin, nil
	}
	return PrivilegeMember, &Error{Type: ErrInvalidCredentials, Message: "unknown privilege " + name}
}

// Actor is the caller of a series operation.
type Actor struct {
	ID             string
	Privilege      Privilege
	ActiveTenantID string
	TenantIDs      []string
}

// CanApprove reports whether the actor's writes are approved on creation and
// whether it may review others' series.
func (a *Actor) CanApprove() bool {
	return a.Privilege >= PrivilegeApprover
}

// CanOverrideLock reports whether the actor may edit locked series.
func (a *Actor) CanOverrideLock() bool {
	return a.Privilege >= PrivilegeApprover
}

// IsSuperAdmin reports cross-tenant privilege.
func (a *Actor) IsSuperAdmin() bool {
	return a.Privilege >= PrivilegeSuperAdmin
}

// MemberOf reports whether the actor belongs to tenantID. Super admins
// belong everywhere.
func (a *Actor) MemberOf(tenantID string) bool {
	if a.IsSuperAdmin() {
		return true
	}
	return tenantID != "" && (tenantID == a.ActiveTenantID || slices.Contains(a.TenantIDs, tenantID))
}

// VisibleTenants is the tenant set an unfiltered read covers: the active
// tenant if one is selected, else every membership.
func (a *Actor) VisibleTenants() []string {
	if a.ActiveTenantID != "" {
		return []string{a.ActiveTenantID}
	}
	return slices.Clone(a.TenantIDs)
}

// ErrorType represents the type of authentication error
type ErrorType string

const (
	ErrInvalidCredentials ErrorType = "invalid_credentials"
	ErrUnauthorized       ErrorType = "unauthorized"
	ErrForbidden          ErrorType = "forbidden"
)

// Error represents an authentication-related error
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Resolver builds the actor of a request. Authentication itself happens
// upstream; resolvers only interpret what the upstream proxy forwarded.
type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (*Actor, error)
}
