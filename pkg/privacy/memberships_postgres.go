package privacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/context-engine/pkg/models"
)

// PostgresMemberships reads memberships from the group_memberships and groups tables
type PostgresMemberships struct {
	db *sqlx.DB

	mu        sync.RWMutex
	listeners []func()
}

// NewPostgresMemberships creates a Postgres-backed MembershipLookup
func NewPostgresMemberships(db *sqlx.DB) *PostgresMemberships {
	return &PostgresMemberships{db: db}
}

// OnChange registers fn to run after every Upsert through this instance
func (p *PostgresMemberships) OnChange(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Membership implements MembershipLookup
func (p *PostgresMemberships) Membership(ctx context.Context, scope models.PrivacyScope, principalID string) (*models.Membership, error) {
	var m models.Membership
	err := p.db.GetContext(ctx, &m, `
		SELECT owner_kind, group_id, principal_id, role, active, joined_at
		FROM group_memberships
		WHERE owner_kind = $1 AND group_id = $2 AND principal_id = $3 AND active = TRUE`,
		string(scope.Kind), scope.ID, principalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load membership: %w", err)
	}
	return &m, nil
}

// MemberScopes implements MembershipLookup
func (p *PostgresMemberships) MemberScopes(ctx context.Context, principalID string) ([]models.PrivacyScope, error) {
	var rows []models.Membership
	err := p.db.SelectContext(ctx, &rows, `
		SELECT owner_kind, group_id, principal_id, role, active, joined_at
		FROM group_memberships
		WHERE principal_id = $1 AND active = TRUE
		ORDER BY owner_kind, group_id`,
		principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	scopes := make([]models.PrivacyScope, 0, len(rows))
	for i := range rows {
		scopes = append(scopes, rows[i].Scope())
	}
	return scopes, nil
}

// IsPublicGroup implements MembershipLookup
func (p *PostgresMemberships) IsPublicGroup(ctx context.Context, groupID string) (bool, error) {
	var public bool
	err := p.db.GetContext(ctx, &public, `SELECT public FROM groups WHERE id = $1`, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load group visibility: %w", err)
	}
	return public, nil
}

// Upsert writes a membership row
func (p *PostgresMemberships) Upsert(ctx context.Context, m models.Membership) error {
	if !m.Role.IsValid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	if m.Kind != models.OwnerGroup && m.Kind != models.OwnerWorkspace {
		return fmt.Errorf("%w: memberships apply to groups and workspaces, not %q", models.ErrInvalidScope, m.Kind)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO group_memberships (owner_kind, group_id, principal_id, role, active, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_kind, group_id, principal_id)
		DO UPDATE SET role = EXCLUDED.role, active = EXCLUDED.active`,
		string(m.Kind), m.GroupID, m.PrincipalID, m.Role, m.Active, m.JoinedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}

	p.mu.RLock()
	listeners := append([]func(){}, p.listeners...)
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}
