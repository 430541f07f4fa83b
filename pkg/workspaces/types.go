package workspaces

import (
	"context"
	"errors"
	"time"
)

// Workspace is the tenant boundary every experiment belongs to
type Workspace struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	Slug      string         `json:"slug"`
	Settings  map[string]any `json:"settings,omitempty"`
	IsActive  bool           `json:"is_active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CreateWorkspaceRequest represents request to create a workspace
type CreateWorkspaceRequest struct {
	Name     string         `json:"name"`
	Slug     string         `json:"slug,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// UpdateWorkspaceRequest represents request to update a workspace
type UpdateWorkspaceRequest struct {
	Name     *string        `json:"name,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrDuplicateSlug     = errors.New("workspace slug already in use")
)

// Service defines the interface for workspace management
type Service interface {
	CreateWorkspace(ctx context.Context, req *CreateWorkspaceRequest) (*Workspace, error)
	GetWorkspace(ctx context.Context, id int64) (*Workspace, error)
	GetWorkspaceBySlug(ctx context.Context, slug string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*Workspace, error)
	UpdateWorkspace(ctx context.Context, id int64, req *UpdateWorkspaceRequest) (*Workspace, error)
	DeactivateWorkspace(ctx context.Context, id int64) error
}
