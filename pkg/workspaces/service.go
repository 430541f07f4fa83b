package workspaces

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

const workspaceColumns = `id, name, slug, settings, is_active, created_at, updated_at`

// PostgresService implements the workspaces Service interface using PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (*Workspace, error) {
	ws := &Workspace{}
	var settingsJSON []byte
	err := row.Scan(&ws.ID, &ws.Name, &ws.Slug, &settingsJSON, &ws.IsActive,
		&ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &ws.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}
	return ws, nil
}

// CreateWorkspace creates a workspace, generating a slug from the name when
// one is not supplied
func (s *PostgresService) CreateWorkspace(ctx context.Context, req *CreateWorkspaceRequest) (*Workspace, error) {
	slug := req.Slug
	if slug == "" {
		slug = generateSlug(req.Name)
	}

	settingsJSON, err := json.Marshal(req.Settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO workspaces (name, slug, settings, is_active)
		VALUES ($1, $2, $3, true)
		RETURNING ` + workspaceColumns
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx, query, req.Name, slug, settingsJSON))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateSlug
		}
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return ws, nil
}

// GetWorkspace retrieves a workspace by ID
func (s *PostgresService) GetWorkspace(ctx context.Context, id int64) (*Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE id = $1`
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return ws, nil
}

// GetWorkspaceBySlug retrieves a workspace by slug
func (s *PostgresService) GetWorkspaceBySlug(ctx context.Context, slug string) (*Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE slug = $1`
	ws, err := scanWorkspace(s.db.QueryRowContext(ctx, query, slug))
	if err == sql.ErrNoRows {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return ws, nil
}

// ListWorkspaces lists active workspaces, newest first
func (s *PostgresService) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE is_active = true ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workspaces: %w", err)
	}
	return out, nil
}

// UpdateWorkspace updates workspace name or settings
func (s *PostgresService) UpdateWorkspace(ctx context.Context, id int64, req *UpdateWorkspaceRequest) (*Workspace, error) {
	setClauses := []string{}
	args := []interface{}{}
	argPos := 1

	if req.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argPos))
		args = append(args, *req.Name)
		argPos++
	}
	if req.Settings != nil {
		settingsJSON, err := json.Marshal(req.Settings)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal settings: %w", err)
		}
		setClauses = append(setClauses, fmt.Sprintf("settings = $%d", argPos))
		args = append(args, settingsJSON)
		argPos++
	}

	if len(setClauses) == 0 {
		return s.GetWorkspace(ctx, id)
	}

	setClauses = append(setClauses, "updated_at = NOW()")
	args = append(args, id)
	query := fmt.Sprintf("UPDATE workspaces SET %s WHERE id = $%d RETURNING %s",
		strings.Join(setClauses, ", "), argPos, workspaceColumns)

	ws, err := scanWorkspace(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update workspace: %w", err)
	}
	return ws, nil
}

// DeactivateWorkspace soft deletes a workspace. Experiments remain in place
// for audit; the surrounding platform stops routing traffic to them.
func (s *PostgresService) DeactivateWorkspace(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE workspaces SET is_active = false, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate workspace: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrWorkspaceNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// generateSlug lowercases the name and strips everything but letters, digits,
// and hyphens
func generateSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, slug)
	return slug
}
