package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrDuplicateMembership = errors.New("membership already exists")
	ErrPinLimitReached     = errors.New("pin limit reached")
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullable(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateWorkspace inserts the workspace and its owner membership in one
// transaction.
func (s *PostgresStore) CreateWorkspace(ctx context.Context, workspace Workspace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create workspace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, owner_email, created_at)
		VALUES ($1, $2, $3, $4)
	`, workspace.ID, workspace.Name, workspace.OwnerEmail, workspace.CreatedAt); err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_memberships (workspace_id, email, role, status, created_at, updated_at)
		VALUES ($1, $2, 'owner', 'accepted', $3, $3)
	`, workspace.ID, workspace.OwnerEmail, workspace.CreatedAt); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var workspace Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_email, created_at FROM workspaces WHERE id = $1
	`, workspaceID).Scan(&workspace.ID, &workspace.Name, &workspace.OwnerEmail, &workspace.CreatedAt)
	if err != nil {
		return Workspace{}, err
	}
	return workspace, nil
}

func (s *PostgresStore) ListWorkspacesForMember(ctx context.Context, email string) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.owner_email, w.created_at
		FROM workspaces w
		JOIN workspace_memberships wm ON wm.workspace_id = w.id
		WHERE wm.email = $1 AND wm.status = 'accepted'
		ORDER BY w.created_at ASC
	`, email)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	items := make([]Workspace, 0)
	for rows.Next() {
		var workspace Workspace
		if err := rows.Scan(&workspace.ID, &workspace.Name, &workspace.OwnerEmail, &workspace.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, workspace)
	}
	return items, rows.Err()
}

// DeleteWorkspace removes the workspace; memberships and messages go with it
// through ON DELETE CASCADE.
func (s *PostgresStore) DeleteWorkspace(ctx context.Context, workspaceID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = $1`, workspaceID)
	if err != nil {
		return false, fmt.Errorf("delete workspace: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete workspace rows: %w", err)
	}
	return affected > 0, nil
}

const membershipColumns = `workspace_id, email, role, status, created_at, updated_at`

func scanMembership(row rowScanner) (Membership, error) {
	var m Membership
	err := row.Scan(&m.WorkspaceID, &m.Email, &m.Role, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (s *PostgresStore) GetMembership(ctx context.Context, workspaceID, email string) (Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+membershipColumns+`
		FROM workspace_memberships
		WHERE workspace_id = $1 AND email = $2
	`, workspaceID, email)
	return scanMembership(row)
}

func (s *PostgresStore) ListMembers(ctx context.Context, workspaceID, status string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+membershipColumns+`
		FROM workspace_memberships
		WHERE workspace_id = $1 AND status = $2
		ORDER BY created_at ASC, email ASC
	`, workspaceID, status)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *PostgresStore) InsertMembership(ctx context.Context, m Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_memberships (`+membershipColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.WorkspaceID, m.Email, m.Role, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMembership
		}
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// UpdateMembershipStatus moves a membership from one status to another and
// reports whether a row in the expected state was found.
func (s *PostgresStore) UpdateMembershipStatus(ctx context.Context, workspaceID, email, from, to string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workspace_memberships
		SET status = $4, updated_at = $5
		WHERE workspace_id = $1 AND email = $2 AND status = $3
	`, workspaceID, email, from, to, at)
	if err != nil {
		return false, fmt.Errorf("update membership status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update membership rows: %w", err)
	}
	return affected > 0, nil
}
