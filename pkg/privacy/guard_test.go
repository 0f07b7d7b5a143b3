package privacy

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/context-engine/pkg/models"
)

func newTestGuard() (*Guard, *MemoryMemberships) {
	memberships := NewMemoryMemberships()
	return NewGuard(memberships, nil), memberships
}

func TestGuard_Authorize(t *testing.T) {
	guard, memberships := newTestGuard()
	memberships.Add("g-1", "alice", models.RoleViewer)
	memberships.SetPublic("g-open", true)
	memberships.AddWorkspace("w-1", "alice", models.RoleContributor)
	memberships.SetPublic("w-1", true)
	ctx := context.Background()

	alice := models.Scope(models.OwnerIndividual, "alice")
	bob := models.Scope(models.OwnerIndividual, "bob")

	tests := []struct {
		name     string
		request  models.PrivacyScope
		document models.PrivacyScope
		want     Decision
	}{
		{"public document", bob, models.PublicScope(), Allow},
		{"own document", alice, alice, Allow},
		{"other individual", bob, alice, Deny},
		{"group member", alice, models.Scope(models.OwnerGroup, "g-1"), Allow},
		{"group non-member", bob, models.Scope(models.OwnerGroup, "g-1"), Deny},
		{"public group", bob, models.Scope(models.OwnerGroup, "g-open"), Allow},
		{"group scope itself", models.Scope(models.OwnerGroup, "g-1"), models.Scope(models.OwnerGroup, "g-1"), Allow},
		{"workspace member", alice, models.Scope(models.OwnerWorkspace, "w-1"), Allow},
		{"workspace non-member", bob, models.Scope(models.OwnerWorkspace, "w-1"), Deny},
		{"workspace mismatch", models.Scope(models.OwnerWorkspace, "w-1"), models.Scope(models.OwnerWorkspace, "w-2"), Deny},
		{"same id different kind", models.Scope(models.OwnerGroup, "alice"), alice, Deny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, guard.Authorize(ctx, tt.request, tt.document))
		})
	}
}

func TestGuard_AuthorizeWrite(t *testing.T) {
	guard, memberships := newTestGuard()
	memberships.Add("g-1", "owner", models.RoleOwner)
	memberships.Add("g-1", "admin", models.RoleAdmin)
	memberships.Add("g-1", "viewer", models.RoleViewer)
	memberships.Add("g-1", "contrib", models.RoleContributor)
	memberships.SetPublic("g-1", true)
	ctx := context.Background()
	group := models.Scope(models.OwnerGroup, "g-1")

	assert.NoError(t, guard.AuthorizeWrite(ctx, "write", models.Scope(models.OwnerIndividual, "owner"), group))
	assert.NoError(t, guard.AuthorizeWrite(ctx, "write", models.Scope(models.OwnerIndividual, "admin"), group))

	for _, principal := range []string{"viewer", "contrib", "stranger"} {
		err := guard.AuthorizeWrite(ctx, "write", models.Scope(models.OwnerIndividual, principal), group)
		require.Error(t, err, principal)
		assert.ErrorIs(t, err, models.ErrPrivacyViolation)
	}

	// Public visibility grants reads, never writes
	err := guard.AuthorizeWrite(ctx, "write", models.Scope(models.OwnerIndividual, "stranger"), models.PublicScope())
	assert.ErrorIs(t, err, models.ErrPrivacyViolation)
	assert.NoError(t, guard.AuthorizeWrite(ctx, "write", models.SystemScope(), models.SystemScope()))
}

func TestGuard_IsolationProperty(t *testing.T) {
	guard, memberships := newTestGuard()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	kinds := []models.OwnerKind{models.OwnerIndividual, models.OwnerGroup, models.OwnerWorkspace}

	// Groups have members drawn from the same id space, so membership must be
	// the only way across a boundary.
	for i := 0; i < 20; i++ {
		memberships.Add(fmt.Sprintf("id-%d", i), fmt.Sprintf("id-%d", (i+1)%20), models.RoleViewer)
		memberships.AddWorkspace(fmt.Sprintf("id-%d", i), fmt.Sprintf("id-%d", (i+3)%20), models.RoleViewer)
	}

	for i := 0; i < 5000; i++ {
		a := models.Scope(kinds[rng.Intn(len(kinds))], fmt.Sprintf("id-%d", rng.Intn(20)))
		b := models.Scope(kinds[rng.Intn(len(kinds))], fmt.Sprintf("id-%d", rng.Intn(20)))
		if a.Equal(b) {
			continue
		}
		got := guard.Authorize(ctx, a, b)
		member := false
		if (b.Kind == models.OwnerGroup || b.Kind == models.OwnerWorkspace) && a.Kind == models.OwnerIndividual {
			_, err := memberships.Membership(ctx, b, a.ID)
			member = err == nil
		}
		assert.Equal(t, Decision(member), got, "request %s document %s", a, b)
		assert.Error(t, guard.AuthorizeWrite(ctx, "write", a, b))
	}
}

func TestGuard_NilMemberships(t *testing.T) {
	guard := NewGuard(nil, nil)
	ctx := context.Background()
	alice := models.Scope(models.OwnerIndividual, "alice")
	assert.Equal(t, Deny, guard.Authorize(ctx, alice, models.Scope(models.OwnerGroup, "g")))
	assert.Equal(t, Allow, guard.Authorize(ctx, alice, models.PublicScope()))
}

func TestGuard_GroupAndWorkspaceIDsAreSeparate(t *testing.T) {
	guard, memberships := newTestGuard()
	memberships.Add("acme", "mallory", models.RoleOwner)
	memberships.AddWorkspace("acme", "alice", models.RoleViewer)
	ctx := context.Background()

	mallory := models.Scope(models.OwnerIndividual, "mallory")
	alice := models.Scope(models.OwnerIndividual, "alice")
	group := models.Scope(models.OwnerGroup, "acme")
	workspace := models.Scope(models.OwnerWorkspace, "acme")

	assert.Equal(t, Allow, guard.Authorize(ctx, mallory, group))
	assert.Equal(t, Deny, guard.Authorize(ctx, mallory, workspace))
	assert.Equal(t, Allow, guard.Authorize(ctx, alice, workspace))
	assert.Equal(t, Deny, guard.Authorize(ctx, alice, group))

	// Owner of the group, not of the same-named workspace
	assert.NoError(t, guard.AuthorizeWrite(ctx, "write", mallory, group))
	assert.ErrorIs(t, guard.AuthorizeWrite(ctx, "write", mallory, workspace), models.ErrPrivacyViolation)
}

func TestGuard_ReadableScopes(t *testing.T) {
	guard, memberships := newTestGuard()
	memberships.Add("team", "alice", models.RoleContributor)
	memberships.AddWorkspace("w-1", "alice", models.RoleViewer)
	memberships.Add("other", "bob", models.RoleViewer)
	memberships.SetPublic("open", true)
	ctx := context.Background()
	alice := models.Scope(models.OwnerIndividual, "alice")

	assert.Equal(t, []models.PrivacyScope{
		alice,
		models.Scope(models.OwnerGroup, "team"),
		models.Scope(models.OwnerWorkspace, "w-1"),
	}, guard.ReadableScopes(ctx, alice))

	group := models.Scope(models.OwnerGroup, "team")
	assert.Equal(t, []models.PrivacyScope{group}, guard.ReadableScopes(ctx, group))

	memberships.Remove("team", "alice")
	assert.Equal(t, []models.PrivacyScope{alice, models.Scope(models.OwnerWorkspace, "w-1")}, guard.ReadableScopes(ctx, alice))
}

func TestMemoryMemberships_OnChange(t *testing.T) {
	memberships := NewMemoryMemberships()
	changes := 0
	memberships.OnChange(func() { changes++ })

	memberships.Add("g-1", "alice", models.RoleViewer)
	memberships.AddWorkspace("w-1", "alice", models.RoleViewer)
	memberships.SetPublic("g-1", true)
	memberships.Remove("g-1", "alice")
	assert.Equal(t, 4, changes)

	_, err := memberships.Membership(context.Background(), models.Scope(models.OwnerGroup, "g-1"), "alice")
	assert.ErrorIs(t, err, models.ErrNotFound)
	m, err := memberships.Membership(context.Background(), models.Scope(models.OwnerWorkspace, "w-1"), "alice")
	require.NoError(t, err)
	assert.Equal(t, models.OwnerWorkspace, m.Kind)
}
