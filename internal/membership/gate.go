// Package membership decides whether an identity may act inside a workspace.
package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"huddle/api/internal/rbac"
	"huddle/api/internal/store"
)

var (
	ErrNotAccepted  = errors.New("not an accepted member of this workspace")
	ErrNotPermitted = errors.New("workspace role does not permit this action")
)

type Lookup interface {
	GetMembership(ctx context.Context, workspaceID, email string) (store.Membership, error)
}

// Gate reads membership state on every call; nothing is cached, so a
// revoked membership blocks the next action immediately.
type Gate struct {
	memberships Lookup
}

func NewGate(memberships Lookup) *Gate {
	return &Gate{memberships: memberships}
}

// RequireAccepted returns the (workspaceID, email) membership if it exists
// with status accepted, and ErrNotAccepted otherwise.
func (g *Gate) RequireAccepted(ctx context.Context, workspaceID, email string) (store.Membership, error) {
	m, err := g.memberships.GetMembership(ctx, workspaceID, NormalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, ErrNotAccepted
	}
	if err != nil {
		return store.Membership{}, fmt.Errorf("lookup membership: %w", err)
	}
	if m.Status != store.MembershipAccepted {
		return store.Membership{}, ErrNotAccepted
	}
	return m, nil
}

// RequireAction is RequireAccepted plus a role check for action.
func (g *Gate) RequireAction(ctx context.Context, workspaceID, email string, action rbac.Action) (store.Membership, error) {
	m, err := g.RequireAccepted(ctx, workspaceID, email)
	if err != nil {
		return store.Membership{}, err
	}
	if !rbac.Can(rbac.Normalize(m.Role), action) {
		return store.Membership{}, ErrNotPermitted
	}
	return m, nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
