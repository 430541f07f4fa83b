package experiments

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/relay/pkg/httputil"
	"github.com/platinummonkey/relay/pkg/observability"
)

// Handlers exposes the experiments service over HTTP
type Handlers struct {
	service Service
	logger  *observability.Logger
}

// NewHandlers creates HTTP handlers for the experiments service
func NewHandlers(service Service, logger *observability.Logger) *Handlers {
	return &Handlers{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers all experiment routes on a workspace-scoped router.
// The router is expected to carry a {ws} path variable.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Decision plane
	router.HandleFunc("/workspaces/{ws}/decisions/{key}", h.Assign).Methods("POST")
	router.HandleFunc("/workspaces/{ws}/decisions", h.AssignAll).Methods("POST")
	router.HandleFunc("/workspaces/{ws}/conversions/{key}", h.Convert).Methods("POST")

	// Control plane
	router.HandleFunc("/workspaces/{ws}/experiments", h.CreateExperiment).Methods("POST")
	router.HandleFunc("/workspaces/{ws}/experiments", h.ListExperiments).Methods("GET")
	router.HandleFunc("/workspaces/{ws}/experiments/{id}", h.GetExperiment).Methods("GET")
	router.HandleFunc("/workspaces/{ws}/experiments/{id}", h.UpdateExperiment).Methods("PATCH")
	router.HandleFunc("/workspaces/{ws}/experiments/{id}/start", h.StartExperiment).Methods("POST")
	router.HandleFunc("/workspaces/{ws}/experiments/{id}/pause", h.PauseExperiment).Methods("POST")
	router.HandleFunc("/workspaces/{ws}/experiments/{id}/conclude", h.ConcludeExperiment).Methods("POST")
	router.HandleFunc("/workspaces/{ws}/experiments/{id}/archive", h.ArchiveExperiment).Methods("POST")
	router.HandleFunc("/workspaces/{ws}/experiments/{id}/override", h.Override).Methods("POST")
	router.HandleFunc("/workspaces/{ws}/experiments/{id}/stats", h.GetStats).Methods("GET")

	// Variants
	router.HandleFunc("/workspaces/{ws}/experiments/{id}/variants", h.AddVariant).Methods("POST")
	router.HandleFunc("/workspaces/{ws}/experiments/{id}/variants", h.ListVariants).Methods("GET")
	router.HandleFunc("/workspaces/{ws}/experiments/{id}/variants/{vid}", h.UpdateVariant).Methods("PATCH")
	router.HandleFunc("/workspaces/{ws}/experiments/{id}/variants/{vid}", h.RemoveVariant).Methods("DELETE")
}

// writeServiceError maps service-layer errors onto HTTP status codes
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrExperimentNotFound), errors.Is(err, ErrVariantNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrDuplicateKey):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, ErrNoSubject), errors.Is(err, ErrInvalidWeight):
		httputil.WriteBadRequest(w, err.Error())
	case IsInvalidState(err):
		httputil.WriteConflict(w, err.Error())
	default:
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		httputil.WriteInternalError(w, errors.New("internal server error"))
	}
}

// decisionRequest is the body shared by the assign and assign-all endpoints
type decisionRequest struct {
	Subject    Subject        `json:"subject"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// conversionRequest is the body of the convert endpoint
type conversionRequest struct {
	Subject  Subject        `json:"subject"`
	Value    *float64       `json:"value,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// overrideRequest is the body of the override endpoint
type overrideRequest struct {
	VariantID int64   `json:"variant_id"`
	Subject   Subject `json:"subject"`
}

// Assign evaluates one experiment for a subject. 204 means the experiment
// does not apply to the subject; that is a normal outcome, not an error.
func (h *Handlers) Assign(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	var req decisionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	decision, err := h.service.GetAssignment(r.Context(), workspaceID, key, req.Subject, req.Attributes)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if decision == nil {
		httputil.WriteNoContent(w)
		return
	}
	httputil.WriteSuccess(w, decision)
}

// AssignAll evaluates every running experiment in the workspace for a subject
func (h *Handlers) AssignAll(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	var req decisionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	decisions, err := h.service.GetActiveAssignments(r.Context(), workspaceID, req.Subject, req.Attributes)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if decisions == nil {
		decisions = []*Decision{}
	}
	httputil.WriteSuccess(w, map[string]any{"decisions": decisions})
}

// Convert records a conversion for a subject's assignment
func (h *Handlers) Convert(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	key, ok := httputil.ParsePathStringOrError(w, r, "key")
	if !ok {
		return
	}
	var req conversionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	recorded, err := h.service.RecordConversion(r.Context(), workspaceID, key, req.Subject, req.Value, req.Metadata)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"recorded": recorded})
}

// Override pins a subject to a specific variant
func (h *Handlers) Override(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	experimentID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req overrideRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonZero(w, req.VariantID, "variant_id") {
		return
	}

	decision, err := h.service.OverrideAssignment(r.Context(), workspaceID, experimentID, req.VariantID, req.Subject)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, decision)
}

// CreateExperiment creates a draft experiment
func (h *Handlers) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	var req CreateExperimentRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Key, "key") || !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}
	if req.TrafficPct != nil && (*req.TrafficPct < 0 || *req.TrafficPct > 100) {
		httputil.WriteValidationError(w, "traffic_pct must be between 0 and 100")
		return
	}

	exp, err := h.service.CreateExperiment(r.Context(), workspaceID, &req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, exp)
}

// ListExperiments lists workspace experiments, excluding archived unless
// include_archived=true
func (h *Handlers) ListExperiments(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	includeArchived, err := httputil.ParseQueryBool(r, "include_archived", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	exps, err := h.service.ListExperiments(r.Context(), workspaceID, includeArchived)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if exps == nil {
		exps = []*Experiment{}
	}
	httputil.WriteSuccess(w, map[string]any{"experiments": exps})
}

// GetExperiment returns a single experiment
func (h *Handlers) GetExperiment(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	exp, err := h.service.GetExperiment(r.Context(), workspaceID, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, exp)
}

// UpdateExperiment updates experiment metadata
func (h *Handlers) UpdateExperiment(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req UpdateExperimentRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.TrafficPct != nil && (*req.TrafficPct < 0 || *req.TrafficPct > 100) {
		httputil.WriteValidationError(w, "traffic_pct must be between 0 and 100")
		return
	}

	exp, err := h.service.UpdateExperiment(r.Context(), workspaceID, id, &req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, exp)
}

// lifecycleTransition factors the shared shape of the bodyless status
// transition endpoints
func (h *Handlers) lifecycleTransition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, workspaceID, id int64) (*Experiment, error)) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	exp, err := fn(r.Context(), workspaceID, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, exp)
}

// StartExperiment transitions an experiment to running
func (h *Handlers) StartExperiment(w http.ResponseWriter, r *http.Request) {
	h.lifecycleTransition(w, r, h.service.StartExperiment)
}

// PauseExperiment transitions a running experiment to paused
func (h *Handlers) PauseExperiment(w http.ResponseWriter, r *http.Request) {
	h.lifecycleTransition(w, r, h.service.PauseExperiment)
}

// ArchiveExperiment transitions an experiment to archived
func (h *Handlers) ArchiveExperiment(w http.ResponseWriter, r *http.Request) {
	h.lifecycleTransition(w, r, h.service.ArchiveExperiment)
}

// ConcludeExperiment transitions an experiment to concluded, optionally
// declaring a winning variant
func (h *Handlers) ConcludeExperiment(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	req := ConcludeExperimentRequest{}
	if r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	exp, err := h.service.ConcludeExperiment(r.Context(), workspaceID, id, &req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, exp)
}

// AddVariant adds a variant to a draft experiment
func (h *Handlers) AddVariant(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	experimentID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req AddVariantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Key, "key") {
		return
	}
	if req.Weight < 0 {
		httputil.WriteValidationError(w, "weight must not be negative")
		return
	}

	variant, err := h.service.AddVariant(r.Context(), workspaceID, experimentID, &req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteCreated(w, variant)
}

// ListVariants lists an experiment's variants in position order
func (h *Handlers) ListVariants(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	experimentID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	// Confirm the experiment belongs to the workspace before listing.
	if _, err := h.service.GetExperiment(r.Context(), workspaceID, experimentID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	variants, err := h.service.ListVariants(r.Context(), experimentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if variants == nil {
		variants = []*Variant{}
	}
	httputil.WriteSuccess(w, map[string]any{"variants": variants})
}

// UpdateVariant updates a variant's name, weight, or config
func (h *Handlers) UpdateVariant(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	experimentID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	variantID, ok := httputil.ParsePathInt64OrError(w, r, "vid")
	if !ok {
		return
	}
	var req UpdateVariantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Weight != nil && *req.Weight < 1 {
		httputil.WriteValidationError(w, "weight must be >= 1")
		return
	}

	variant, err := h.service.UpdateVariant(r.Context(), workspaceID, experimentID, variantID, &req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, variant)
}

// RemoveVariant removes a variant from a draft experiment
func (h *Handlers) RemoveVariant(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	experimentID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	variantID, ok := httputil.ParsePathInt64OrError(w, r, "vid")
	if !ok {
		return
	}

	if err := h.service.RemoveVariant(r.Context(), workspaceID, experimentID, variantID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetStats returns the per-variant conversion rollup for an experiment
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := httputil.ParsePathInt64OrError(w, r, "ws")
	if !ok {
		return
	}
	experimentID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	stats, err := h.service.GetStats(r.Context(), workspaceID, experimentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}
