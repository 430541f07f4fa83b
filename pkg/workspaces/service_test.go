package workspaces

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*PostgresService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresService(db), mock
}

var workspaceTestColumns = []string{"id", "name", "slug", "settings", "is_active", "created_at", "updated_at"}

func workspaceRow(id int64, name, slug string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(workspaceTestColumns).
		AddRow(id, name, slug, nil, true, now, now)
}

func TestCreateWorkspace(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("INSERT INTO workspaces").
		WithArgs("Acme Corp", "acme-corp", sqlmock.AnyArg()).
		WillReturnRows(workspaceRow(1, "Acme Corp", "acme-corp"))

	ws, err := svc.CreateWorkspace(context.Background(), &CreateWorkspaceRequest{Name: "Acme Corp"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ws.ID)
	assert.Equal(t, "acme-corp", ws.Slug)
	assert.True(t, ws.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWorkspaceExplicitSlug(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("INSERT INTO workspaces").
		WithArgs("Acme Corp", "acme", sqlmock.AnyArg()).
		WillReturnRows(workspaceRow(1, "Acme Corp", "acme"))

	ws, err := svc.CreateWorkspace(context.Background(), &CreateWorkspaceRequest{Name: "Acme Corp", Slug: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "acme", ws.Slug)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWorkspaceDuplicateSlug(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("INSERT INTO workspaces").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := svc.CreateWorkspace(context.Background(), &CreateWorkspaceRequest{Name: "Acme Corp"})
	assert.ErrorIs(t, err, ErrDuplicateSlug)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWorkspaceNotFound(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM workspaces").
		WithArgs(int64(42)).
		WillReturnError(sql.ErrNoRows)

	_, err := svc.GetWorkspace(context.Background(), 42)
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWorkspaceBySlug(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM workspaces WHERE slug = (.+)").
		WithArgs("acme-corp").
		WillReturnRows(workspaceRow(1, "Acme Corp", "acme-corp"))

	ws, err := svc.GetWorkspaceBySlug(context.Background(), "acme-corp")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ws.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListWorkspacesOnlyActive(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM workspaces WHERE is_active = true").
		WillReturnRows(workspaceRow(1, "Acme Corp", "acme-corp"))

	list, err := svc.ListWorkspaces(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "acme-corp", list[0].Slug)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWorkspace(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("UPDATE workspaces SET name = (.+), updated_at = NOW").
		WithArgs("New Name", int64(1)).
		WillReturnRows(workspaceRow(1, "New Name", "acme-corp"))

	name := "New Name"
	ws, err := svc.UpdateWorkspace(context.Background(), 1, &UpdateWorkspaceRequest{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "New Name", ws.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWorkspaceNoFieldsFallsBackToGet(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT (.+) FROM workspaces WHERE id = (.+)").
		WithArgs(int64(1)).
		WillReturnRows(workspaceRow(1, "Acme Corp", "acme-corp"))

	ws, err := svc.UpdateWorkspace(context.Background(), 1, &UpdateWorkspaceRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ws.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateWorkspace(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("UPDATE workspaces SET is_active = false").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, svc.DeactivateWorkspace(context.Background(), 1))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateWorkspaceNotFound(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("UPDATE workspaces SET is_active = false").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.DeactivateWorkspace(context.Background(), 42)
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerateSlug(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Acme Corp", "acme-corp"},
		{"Acme, Inc.", "acme-inc"},
		{"  Spaced  Out  ", "--spaced--out--"},
		{"already-a-slug", "already-a-slug"},
		{"Ünïcödé", "ncd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, generateSlug(tt.name))
		})
	}
}
