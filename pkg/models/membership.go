package models

import "time"

// Role defines the role of a principal in a group
type Role string

const (
	RoleOwner       Role = "owner"
	RoleAdmin       Role = "admin"
	RoleContributor Role = "contributor"
	RoleViewer      Role = "viewer"
)

// IsValid checks if the role is valid
func (r Role) IsValid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleContributor, RoleViewer:
		return true
	default:
		return false
	}
}

// CanManage returns true if the role may write the group layer record
func (r Role) CanManage() bool {
	switch r {
	case RoleOwner, RoleAdmin:
		return true
	default:
		return false
	}
}

// Membership represents a principal's membership in a group or workspace.
// GroupID holds the owner id of either kind.
type Membership struct {
	Kind        OwnerKind `json:"owner_kind" db:"owner_kind"`
	GroupID     string    `json:"group_id" db:"group_id"`
	PrincipalID string    `json:"principal_id" db:"principal_id"`
	Role        Role      `json:"role" db:"role"`
	Active      bool      `json:"active" db:"active"`
	JoinedAt    time.Time `json:"joined_at" db:"joined_at"`
}

// Scope is the group or workspace scope the membership grants access to
func (m *Membership) Scope() PrivacyScope {
	return Scope(m.Kind, m.GroupID)
}
