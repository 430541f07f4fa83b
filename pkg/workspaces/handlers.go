package workspaces

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/relay/pkg/httputil"
	"github.com/platinummonkey/relay/pkg/observability"
)

// Handlers exposes the workspace registry over HTTP for admin tooling
type Handlers struct {
	service Service
	logger  *observability.Logger
}

// NewHandlers creates HTTP handlers for the workspace registry
func NewHandlers(service Service, logger *observability.Logger) *Handlers {
	return &Handlers{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers workspace routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/workspaces", h.CreateWorkspace).Methods("POST")
	router.HandleFunc("/workspaces", h.ListWorkspaces).Methods("GET")
	router.HandleFunc("/workspaces/{id:[0-9]+}", h.GetWorkspace).Methods("GET")
	router.HandleFunc("/workspaces/{id:[0-9]+}", h.UpdateWorkspace).Methods("PATCH")
	router.HandleFunc("/workspaces/{id:[0-9]+}", h.DeactivateWorkspace).Methods("DELETE")
	router.HandleFunc("/workspaces/by-slug/{slug}", h.GetWorkspaceBySlug).Methods("GET")
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrWorkspaceNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrDuplicateSlug):
		httputil.WriteConflict(w, err.Error())
	default:
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		httputil.WriteInternalError(w, errors.New("internal server error"))
	}
}

// CreateWorkspace creates a workspace
func (h *Handlers) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}

	ws, err := h.service.CreateWorkspace(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, ws)
}

// ListWorkspaces lists active workspaces
func (h *Handlers) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListWorkspaces(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*Workspace{}
	}
	httputil.WriteSuccess(w, map[string]any{"workspaces": list})
}

// GetWorkspace returns a workspace by ID
func (h *Handlers) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	ws, err := h.service.GetWorkspace(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ws)
}

// GetWorkspaceBySlug returns a workspace by slug
func (h *Handlers) GetWorkspaceBySlug(w http.ResponseWriter, r *http.Request) {
	slug, ok := httputil.ParsePathStringOrError(w, r, "slug")
	if !ok {
		return
	}
	ws, err := h.service.GetWorkspaceBySlug(r.Context(), slug)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ws)
}

// UpdateWorkspace updates workspace name or settings
func (h *Handlers) UpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req UpdateWorkspaceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	ws, err := h.service.UpdateWorkspace(r.Context(), id, &req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ws)
}

// DeactivateWorkspace soft deletes a workspace
func (h *Handlers) DeactivateWorkspace(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeactivateWorkspace(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
