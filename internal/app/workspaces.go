package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"huddle/api/internal/membership"
	"huddle/api/internal/notify"
	"huddle/api/internal/rbac"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

type CreateWorkspaceInput struct {
	Name     string   `json:"name"`
	Invitees []string `json:"invitees"`
}

type InviteResult struct {
	Invited []string `json:"invited"`
	Skipped []string `json:"skipped"`
}

type CreateWorkspaceResult struct {
	Workspace store.Workspace `json:"workspace"`
	InviteResult
}

// CreateWorkspace stores the workspace together with the owner's accepted
// membership, then invites everyone in Invitees.
func (s *Service) CreateWorkspace(ctx context.Context, ownerEmail string, in CreateWorkspaceInput) (CreateWorkspaceResult, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return CreateWorkspaceResult{}, badRequest("name is required")
	}
	owner := membership.NormalizeEmail(ownerEmail)
	ws := store.Workspace{
		ID:         util.NewID("ws"),
		Name:       name,
		OwnerEmail: owner,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return CreateWorkspaceResult{}, err
	}
	s.log.Info("workspace created", zap.String("workspace_id", ws.ID), zap.String("owner", owner))

	return CreateWorkspaceResult{Workspace: ws, InviteResult: s.invite(ctx, ws, owner, in.Invitees)}, nil
}

func (s *Service) InviteMembers(ctx context.Context, workspaceID, inviterEmail string, emails []string) (InviteResult, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return InviteResult{}, notFound("workspace not found")
	}
	if err != nil {
		return InviteResult{}, err
	}
	if _, err := s.gate.RequireAction(ctx, workspaceID, inviterEmail, rbac.ActionInvite); err != nil {
		return InviteResult{}, err
	}
	return s.invite(ctx, ws, membership.NormalizeEmail(inviterEmail), emails), nil
}

func (s *Service) invite(ctx context.Context, ws store.Workspace, inviter string, emails []string) InviteResult {
	result := InviteResult{Invited: []string{}, Skipped: []string{}}
	seen := map[string]struct{}{}
	for _, raw := range emails {
		email := membership.NormalizeEmail(raw)
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		if email == inviter || !strings.Contains(email, "@") {
			result.Skipped = append(result.Skipped, email)
			continue
		}

		now := s.clock.Now()
		err := s.store.InsertMembership(ctx, store.Membership{
			WorkspaceID: ws.ID,
			Email:       email,
			Role:        string(rbac.RoleMember),
			Status:      store.MembershipPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			if !errors.Is(err, store.ErrDuplicateMembership) {
				s.log.Error("invite member", zap.String("workspace_id", ws.ID), zap.String("email", email), zap.Error(err))
			}
			result.Skipped = append(result.Skipped, email)
			continue
		}
		result.Invited = append(result.Invited, email)

		if s.inviter != nil {
			if err := s.inviter.SendInvite(email, ws.ID, ws.Name, inviter); err != nil {
				s.log.Warn("send invite email", zap.String("workspace_id", ws.ID), zap.String("email", email), zap.Error(err))
			}
		}
	}
	return result
}

// AcceptInvite moves a pending membership to accepted and tells the other
// members about the newcomer.
func (s *Service) AcceptInvite(ctx context.Context, workspaceID, email string) (store.Membership, error) {
	email = membership.NormalizeEmail(email)
	ok, err := s.store.UpdateMembershipStatus(ctx, workspaceID, email, store.MembershipPending, store.MembershipAccepted, s.clock.Now())
	if err != nil {
		return store.Membership{}, err
	}
	if !ok {
		return store.Membership{}, forbidden("no pending invitation for this workspace")
	}
	m, err := s.store.GetMembership(ctx, workspaceID, email)
	if err != nil {
		return store.Membership{}, err
	}

	if s.notifier != nil {
		name := workspaceID
		if ws, err := s.store.GetWorkspace(ctx, workspaceID); err == nil {
			name = ws.Name
		}
		others, err := s.acceptedMembers(ctx, workspaceID, email)
		if err == nil {
			_, err = s.notifier.Notify(ctx, others, notify.TypeNewMember,
				fmt.Sprintf("New member in %s", name),
				fmt.Sprintf("%s joined the workspace", email))
		}
		if err != nil {
			s.log.Error("new member notification failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		}
	}
	return m, nil
}

func (s *Service) DeclineInvite(ctx context.Context, workspaceID, email string) error {
	ok, err := s.store.UpdateMembershipStatus(ctx, workspaceID, membership.NormalizeEmail(email), store.MembershipPending, store.MembershipDeclined, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return forbidden("no pending invitation for this workspace")
	}
	return nil
}

func (s *Service) ListMembers(ctx context.Context, workspaceID, requesterEmail string) ([]store.Membership, error) {
	if _, err := s.gate.RequireAccepted(ctx, workspaceID, requesterEmail); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, workspaceID, store.MembershipAccepted)
}

func (s *Service) ListWorkspaces(ctx context.Context, email string) ([]store.Workspace, error) {
	return s.store.ListWorkspacesForMember(ctx, membership.NormalizeEmail(email))
}

// DeleteWorkspace removes the workspace; memberships and messages cascade.
func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID, requesterEmail string) error {
	if _, err := s.store.GetWorkspace(ctx, workspaceID); errors.Is(err, sql.ErrNoRows) {
		return notFound("workspace not found")
	} else if err != nil {
		return err
	}
	if _, err := s.gate.RequireAction(ctx, workspaceID, requesterEmail, rbac.ActionDeleteWorkspace); err != nil {
		return err
	}
	if _, err := s.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	s.log.Info("workspace deleted", zap.String("workspace_id", workspaceID))
	return nil
}
