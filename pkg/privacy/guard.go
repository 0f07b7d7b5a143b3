// Package privacy implements the isolation guard every cross-boundary access
// passes through. The guard holds no mutable state of its own; group access
// is decided by a MembershipLookup.
package privacy

import (
	"context"
	"fmt"

	"github.com/developer-mesh/context-engine/pkg/models"
	"github.com/developer-mesh/context-engine/pkg/observability"
)

// Decision is the outcome of an authorization check
type Decision bool

const (
	Allow Decision = true
	Deny  Decision = false
)

// MembershipLookup answers group and workspace membership questions. Group
// and workspace ids live in separate namespaces.
type MembershipLookup interface {
	// Membership returns the principal's active membership in a group or
	// workspace scope, or ErrNotFound
	Membership(ctx context.Context, scope models.PrivacyScope, principalID string) (*models.Membership, error)
	// MemberScopes lists every group and workspace scope the principal is an
	// active member of
	MemberScopes(ctx context.Context, principalID string) ([]models.PrivacyScope, error)
	// IsPublicGroup reports whether the group's data is visible to non-members
	IsPublicGroup(ctx context.Context, groupID string) (bool, error)
}

// ChangeNotifier is implemented by membership lookups that can report
// membership and visibility changes
type ChangeNotifier interface {
	OnChange(fn func())
}

// Guard decides whether a requester may read or write data in a scope
type Guard struct {
	memberships MembershipLookup
	logger      observability.Logger
}

// NewGuard creates a guard. A nil membership lookup denies all group access
// that is not an exact scope match.
func NewGuard(memberships MembershipLookup, logger observability.Logger) *Guard {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Guard{memberships: memberships, logger: logger.WithPrefix("privacy")}
}

// Authorize applies the read rule: public documents are readable by all, other
// documents only by a requester presenting the same scope. Group and
// workspace documents are also readable by an active member, and group
// documents by anyone when the group is public. Lookup failures deny.
func (g *Guard) Authorize(ctx context.Context, request, document models.PrivacyScope) Decision {
	if document.IsPublic() {
		return Allow
	}
	if request.Equal(document) {
		return Allow
	}
	if (document.Kind != models.OwnerGroup && document.Kind != models.OwnerWorkspace) || g.memberships == nil {
		return Deny
	}

	if request.Kind == models.OwnerIndividual && request.ID != "" {
		m, err := g.memberships.Membership(ctx, document, request.ID)
		if err == nil && m != nil && m.Active {
			return Allow
		}
	}
	if document.Kind == models.OwnerWorkspace {
		return Deny
	}

	public, err := g.memberships.IsPublicGroup(ctx, document.ID)
	if err != nil {
		g.logger.Warn("Group visibility lookup failed", map[string]interface{}{
			"group_id": document.ID,
			"error":    err.Error(),
		})
		return Deny
	}
	return Decision(public)
}

// ReadableScopes returns the non-public scopes request may read without a
// per-document visibility lookup: its own scope plus every group and
// workspace it is an active member of. Public groups are not listed.
func (g *Guard) ReadableScopes(ctx context.Context, request models.PrivacyScope) []models.PrivacyScope {
	scopes := []models.PrivacyScope{request}
	if g.memberships == nil || request.Kind != models.OwnerIndividual || request.ID == "" {
		return scopes
	}
	member, err := g.memberships.MemberScopes(ctx, request.ID)
	if err != nil {
		g.logger.Warn("Membership listing failed", map[string]interface{}{
			"principal_id": request.ID,
			"error":        err.Error(),
		})
		return scopes
	}
	return append(scopes, member...)
}

// CanRead is Authorize as a bool, for filters
func (g *Guard) CanRead(ctx context.Context, request, document models.PrivacyScope) bool {
	return bool(g.Authorize(ctx, request, document))
}

// AuthorizeWrite applies the write rule and returns a *PrivacyViolationError on
// deny. Writes require an exact scope match; group documents may also be
// written by members holding owner or admin. Public data is writable only by
// the system scope.
func (g *Guard) AuthorizeWrite(ctx context.Context, op string, request, document models.PrivacyScope) error {
	if request.Equal(document) {
		return nil
	}

	violation := &models.PrivacyViolationError{Op: op, Requester: request, Target: document}
	if document.Kind != models.OwnerGroup {
		return violation
	}
	if g.memberships == nil || request.Kind != models.OwnerIndividual || request.ID == "" {
		violation.Reason = "not a group member"
		return violation
	}

	m, err := g.memberships.Membership(ctx, document, request.ID)
	if err != nil || m == nil || !m.Active {
		violation.Reason = "not a group member"
		return violation
	}
	if !m.Role.CanManage() {
		violation.Reason = fmt.Sprintf("role %s cannot write group data", m.Role)
		return violation
	}
	return nil
}
