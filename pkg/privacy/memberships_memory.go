package privacy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/developer-mesh/context-engine/pkg/models"
)

// MemoryMemberships is an in-process MembershipLookup
type MemoryMemberships struct {
	mu          sync.RWMutex
	memberships map[models.PrivacyScope]map[string]models.Membership // scope -> principal -> membership
	public      map[string]bool
	listeners   []func()
}

// NewMemoryMemberships creates an empty membership table
func NewMemoryMemberships() *MemoryMemberships {
	return &MemoryMemberships{
		memberships: make(map[models.PrivacyScope]map[string]models.Membership),
		public:      make(map[string]bool),
	}
}

// OnChange registers fn to run after every membership or visibility change
func (m *MemoryMemberships) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Add records an active group membership
func (m *MemoryMemberships) Add(groupID, principalID string, role models.Role) {
	m.Join(models.Scope(models.OwnerGroup, groupID), principalID, role)
}

// AddWorkspace records an active workspace membership
func (m *MemoryMemberships) AddWorkspace(workspaceID, principalID string, role models.Role) {
	m.Join(models.Scope(models.OwnerWorkspace, workspaceID), principalID, role)
}

// Join records an active membership in a group or workspace scope
func (m *MemoryMemberships) Join(scope models.PrivacyScope, principalID string, role models.Role) {
	m.mu.Lock()
	members, ok := m.memberships[scope]
	if !ok {
		members = make(map[string]models.Membership)
		m.memberships[scope] = members
	}
	members[principalID] = models.Membership{
		Kind:        scope.Kind,
		GroupID:     scope.ID,
		PrincipalID: principalID,
		Role:        role,
		Active:      true,
		JoinedAt:    time.Now(),
	}
	m.mu.Unlock()
	m.notify()
}

// Remove deletes a group membership
func (m *MemoryMemberships) Remove(groupID, principalID string) {
	m.Leave(models.Scope(models.OwnerGroup, groupID), principalID)
}

// Leave deletes a membership in a group or workspace scope
func (m *MemoryMemberships) Leave(scope models.PrivacyScope, principalID string) {
	m.mu.Lock()
	delete(m.memberships[scope], principalID)
	m.mu.Unlock()
	m.notify()
}

// SetPublic toggles the group's public visibility flag
func (m *MemoryMemberships) SetPublic(groupID string, public bool) {
	m.mu.Lock()
	m.public[groupID] = public
	m.mu.Unlock()
	m.notify()
}

// Membership implements MembershipLookup
func (m *MemoryMemberships) Membership(ctx context.Context, scope models.PrivacyScope, principalID string) (*models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	membership, ok := m.memberships[scope][principalID]
	if !ok || !membership.Active {
		return nil, models.ErrNotFound
	}
	return &membership, nil
}

// MemberScopes implements MembershipLookup
func (m *MemoryMemberships) MemberScopes(ctx context.Context, principalID string) ([]models.PrivacyScope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var scopes []models.PrivacyScope
	for scope, members := range m.memberships {
		if membership, ok := members[principalID]; ok && membership.Active {
			scopes = append(scopes, scope)
		}
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].String() < scopes[j].String() })
	return scopes, nil
}

// IsPublicGroup implements MembershipLookup
func (m *MemoryMemberships) IsPublicGroup(ctx context.Context, groupID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.public[groupID], nil
}

func (m *MemoryMemberships) notify() {
	m.mu.RLock()
	listeners := append([]func(){}, m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}
