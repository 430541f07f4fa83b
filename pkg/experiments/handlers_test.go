package experiments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/relay/pkg/observability"
)

// stubService implements Service with overridable function fields so each test
// controls exactly the calls it expects.
type stubService struct {
	createExperiment     func(ctx context.Context, workspaceID int64, req *CreateExperimentRequest) (*Experiment, error)
	getExperiment        func(ctx context.Context, workspaceID, id int64) (*Experiment, error)
	getExperimentByKey   func(ctx context.Context, workspaceID int64, key string) (*Experiment, error)
	listExperiments      func(ctx context.Context, workspaceID int64, includeArchived bool) ([]*Experiment, error)
	updateExperiment     func(ctx context.Context, workspaceID, id int64, req *UpdateExperimentRequest) (*Experiment, error)
	startExperiment      func(ctx context.Context, workspaceID, id int64) (*Experiment, error)
	pauseExperiment      func(ctx context.Context, workspaceID, id int64) (*Experiment, error)
	concludeExperiment   func(ctx context.Context, workspaceID, id int64, req *ConcludeExperimentRequest) (*Experiment, error)
	archiveExperiment    func(ctx context.Context, workspaceID, id int64) (*Experiment, error)
	addVariant           func(ctx context.Context, workspaceID, experimentID int64, req *AddVariantRequest) (*Variant, error)
	updateVariant        func(ctx context.Context, workspaceID, experimentID, variantID int64, req *UpdateVariantRequest) (*Variant, error)
	removeVariant        func(ctx context.Context, workspaceID, experimentID, variantID int64) error
	listVariants         func(ctx context.Context, experimentID int64) ([]*Variant, error)
	getAssignment        func(ctx context.Context, workspaceID int64, experimentKey string, subject Subject, attributes map[string]any) (*Decision, error)
	getActiveAssignments func(ctx context.Context, workspaceID int64, subject Subject, attributes map[string]any) ([]*Decision, error)
	overrideAssignment   func(ctx context.Context, workspaceID, experimentID, variantID int64, subject Subject) (*Decision, error)
	recordConversion     func(ctx context.Context, workspaceID int64, experimentKey string, subject Subject, value *float64, metadata map[string]any) (bool, error)
	getStats             func(ctx context.Context, workspaceID, experimentID int64) (*ExperimentStats, error)
}

func (s *stubService) CreateExperiment(ctx context.Context, workspaceID int64, req *CreateExperimentRequest) (*Experiment, error) {
	return s.createExperiment(ctx, workspaceID, req)
}
func (s *stubService) GetExperiment(ctx context.Context, workspaceID, id int64) (*Experiment, error) {
	return s.getExperiment(ctx, workspaceID, id)
}
func (s *stubService) GetExperimentByKey(ctx context.Context, workspaceID int64, key string) (*Experiment, error) {
	return s.getExperimentByKey(ctx, workspaceID, key)
}
func (s *stubService) ListExperiments(ctx context.Context, workspaceID int64, includeArchived bool) ([]*Experiment, error) {
	return s.listExperiments(ctx, workspaceID, includeArchived)
}
func (s *stubService) UpdateExperiment(ctx context.Context, workspaceID, id int64, req *UpdateExperimentRequest) (*Experiment, error) {
	return s.updateExperiment(ctx, workspaceID, id, req)
}
func (s *stubService) StartExperiment(ctx context.Context, workspaceID, id int64) (*Experiment, error) {
	return s.startExperiment(ctx, workspaceID, id)
}
func (s *stubService) PauseExperiment(ctx context.Context, workspaceID, id int64) (*Experiment, error) {
	return s.pauseExperiment(ctx, workspaceID, id)
}
func (s *stubService) ConcludeExperiment(ctx context.Context, workspaceID, id int64, req *ConcludeExperimentRequest) (*Experiment, error) {
	return s.concludeExperiment(ctx, workspaceID, id, req)
}
func (s *stubService) ArchiveExperiment(ctx context.Context, workspaceID, id int64) (*Experiment, error) {
	return s.archiveExperiment(ctx, workspaceID, id)
}
func (s *stubService) AddVariant(ctx context.Context, workspaceID, experimentID int64, req *AddVariantRequest) (*Variant, error) {
	return s.addVariant(ctx, workspaceID, experimentID, req)
}
func (s *stubService) UpdateVariant(ctx context.Context, workspaceID, experimentID, variantID int64, req *UpdateVariantRequest) (*Variant, error) {
	return s.updateVariant(ctx, workspaceID, experimentID, variantID, req)
}
func (s *stubService) RemoveVariant(ctx context.Context, workspaceID, experimentID, variantID int64) error {
	return s.removeVariant(ctx, workspaceID, experimentID, variantID)
}
func (s *stubService) ListVariants(ctx context.Context, experimentID int64) ([]*Variant, error) {
	return s.listVariants(ctx, experimentID)
}
func (s *stubService) GetAssignment(ctx context.Context, workspaceID int64, experimentKey string, subject Subject, attributes map[string]any) (*Decision, error) {
	return s.getAssignment(ctx, workspaceID, experimentKey, subject, attributes)
}
func (s *stubService) GetActiveAssignments(ctx context.Context, workspaceID int64, subject Subject, attributes map[string]any) ([]*Decision, error) {
	return s.getActiveAssignments(ctx, workspaceID, subject, attributes)
}
func (s *stubService) OverrideAssignment(ctx context.Context, workspaceID, experimentID, variantID int64, subject Subject) (*Decision, error) {
	return s.overrideAssignment(ctx, workspaceID, experimentID, variantID, subject)
}
func (s *stubService) RecordConversion(ctx context.Context, workspaceID int64, experimentKey string, subject Subject, value *float64, metadata map[string]any) (bool, error) {
	return s.recordConversion(ctx, workspaceID, experimentKey, subject, value, metadata)
}
func (s *stubService) GetStats(ctx context.Context, workspaceID, experimentID int64) (*ExperimentStats, error) {
	return s.getStats(ctx, workspaceID, experimentID)
}

func newTestRouter(svc Service) *mux.Router {
	router := mux.NewRouter()
	logger := observability.NewLogger(observability.InfoLevel, nil)
	NewHandlers(svc, logger).RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAssignHandler(t *testing.T) {
	svc := &stubService{
		getAssignment: func(ctx context.Context, workspaceID int64, key string, subject Subject, attributes map[string]any) (*Decision, error) {
			assert.Equal(t, int64(1), workspaceID)
			assert.Equal(t, "checkout-flow", key)
			assert.Equal(t, "7", subject.UserID)
			assert.Equal(t, "pro", attributes["plan"])
			return &Decision{ExperimentKey: key, VariantKey: "treatment", IsNewAssignment: true}, nil
		},
	}
	router := newTestRouter(svc)

	rec := doJSON(t, router, "POST", "/workspaces/1/decisions/checkout-flow", map[string]any{
		"subject":    map[string]string{"user_id": "7"},
		"attributes": map[string]any{"plan": "pro"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var decision Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.Equal(t, "treatment", decision.VariantKey)
	assert.True(t, decision.IsNewAssignment)
}

// A nil decision is a normal outcome and maps to 204, not an error status.
func TestAssignHandlerNoDecision(t *testing.T) {
	svc := &stubService{
		getAssignment: func(context.Context, int64, string, Subject, map[string]any) (*Decision, error) {
			return nil, nil
		},
	}
	rec := doJSON(t, newTestRouter(svc), "POST", "/workspaces/1/decisions/checkout-flow", map[string]any{
		"subject": map[string]string{"user_id": "7"},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestAssignHandlerNoSubject(t *testing.T) {
	svc := &stubService{
		getAssignment: func(context.Context, int64, string, Subject, map[string]any) (*Decision, error) {
			return nil, ErrNoSubject
		},
	}
	rec := doJSON(t, newTestRouter(svc), "POST", "/workspaces/1/decisions/checkout-flow", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssignHandlerBadWorkspaceID(t *testing.T) {
	rec := doJSON(t, newTestRouter(&stubService{}), "POST", "/workspaces/abc/decisions/checkout-flow", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssignAllHandlerEmptyResult(t *testing.T) {
	svc := &stubService{
		getActiveAssignments: func(context.Context, int64, Subject, map[string]any) ([]*Decision, error) {
			return nil, nil
		},
	}
	rec := doJSON(t, newTestRouter(svc), "POST", "/workspaces/1/decisions", map[string]any{
		"subject": map[string]string{"user_id": "7"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"decisions":[]}`, rec.Body.String())
}

func TestConvertHandler(t *testing.T) {
	svc := &stubService{
		recordConversion: func(ctx context.Context, workspaceID int64, key string, subject Subject, value *float64, metadata map[string]any) (bool, error) {
			require.NotNil(t, value)
			assert.Equal(t, 49.99, *value)
			return true, nil
		},
	}
	rec := doJSON(t, newTestRouter(svc), "POST", "/workspaces/1/conversions/checkout-flow", map[string]any{
		"subject": map[string]string{"customer_id": "42"},
		"value":   49.99,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"recorded":true}`, rec.Body.String())
}

func TestCreateExperimentHandler(t *testing.T) {
	svc := &stubService{
		createExperiment: func(ctx context.Context, workspaceID int64, req *CreateExperimentRequest) (*Experiment, error) {
			return &Experiment{ID: 7, WorkspaceID: workspaceID, Key: req.Key, Name: req.Name, Status: StatusDraft}, nil
		},
	}
	rec := doJSON(t, newTestRouter(svc), "POST", "/workspaces/1/experiments", map[string]any{
		"key":  "checkout-flow",
		"name": "Checkout Flow",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var exp Experiment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exp))
	assert.Equal(t, int64(7), exp.ID)
	assert.Equal(t, StatusDraft, exp.Status)
}

func TestCreateExperimentHandlerValidation(t *testing.T) {
	router := newTestRouter(&stubService{})

	rec := doJSON(t, router, "POST", "/workspaces/1/experiments", map[string]any{"name": "no key"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, "POST", "/workspaces/1/experiments", map[string]any{
		"key": "k", "name": "n", "traffic_pct": 150,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateExperimentHandlerDuplicate(t *testing.T) {
	svc := &stubService{
		createExperiment: func(context.Context, int64, *CreateExperimentRequest) (*Experiment, error) {
			return nil, ErrDuplicateKey
		},
	}
	rec := doJSON(t, newTestRouter(svc), "POST", "/workspaces/1/experiments", map[string]any{
		"key": "checkout-flow", "name": "Checkout Flow",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetExperimentHandlerNotFound(t *testing.T) {
	svc := &stubService{
		getExperiment: func(context.Context, int64, int64) (*Experiment, error) {
			return nil, ErrExperimentNotFound
		},
	}
	rec := doJSON(t, newTestRouter(svc), "GET", "/workspaces/1/experiments/42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExperimentsHandlerIncludeArchived(t *testing.T) {
	var gotIncludeArchived bool
	svc := &stubService{
		listExperiments: func(ctx context.Context, workspaceID int64, includeArchived bool) ([]*Experiment, error) {
			gotIncludeArchived = includeArchived
			return nil, nil
		},
	}
	router := newTestRouter(svc)

	rec := doJSON(t, router, "GET", "/workspaces/1/experiments?include_archived=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gotIncludeArchived)
	assert.JSONEq(t, `{"experiments":[]}`, rec.Body.String())

	rec = doJSON(t, router, "GET", "/workspaces/1/experiments?include_archived=banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartExperimentHandlerInvalidState(t *testing.T) {
	svc := &stubService{
		startExperiment: func(context.Context, int64, int64) (*Experiment, error) {
			return nil, &InvalidStateError{Op: "start", Status: StatusConcluded}
		},
	}
	rec := doJSON(t, newTestRouter(svc), "POST", "/workspaces/1/experiments/5/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConcludeExperimentHandlerWithWinner(t *testing.T) {
	svc := &stubService{
		concludeExperiment: func(ctx context.Context, workspaceID, id int64, req *ConcludeExperimentRequest) (*Experiment, error) {
			require.NotNil(t, req.WinningVariantID)
			assert.Equal(t, int64(2), *req.WinningVariantID)
			return &Experiment{ID: id, Status: StatusConcluded}, nil
		},
	}
	rec := doJSON(t, newTestRouter(svc), "POST", "/workspaces/1/experiments/5/conclude", map[string]any{
		"winning_variant_id": 2,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConcludeExperimentHandlerWithoutBody(t *testing.T) {
	svc := &stubService{
		concludeExperiment: func(ctx context.Context, workspaceID, id int64, req *ConcludeExperimentRequest) (*Experiment, error) {
			assert.Nil(t, req.WinningVariantID)
			return &Experiment{ID: id, Status: StatusConcluded}, nil
		},
	}
	rec := doJSON(t, newTestRouter(svc), "POST", "/workspaces/1/experiments/5/conclude", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOverrideHandlerRequiresVariantID(t *testing.T) {
	rec := doJSON(t, newTestRouter(&stubService{}), "POST", "/workspaces/1/experiments/5/override", map[string]any{
		"subject": map[string]string{"user_id": "7"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOverrideHandler(t *testing.T) {
	svc := &stubService{
		overrideAssignment: func(ctx context.Context, workspaceID, experimentID, variantID int64, subject Subject) (*Decision, error) {
			assert.Equal(t, int64(5), experimentID)
			assert.Equal(t, int64(2), variantID)
			return &Decision{ExperimentKey: "checkout-flow", VariantKey: "treatment", IsNewAssignment: true}, nil
		},
	}
	rec := doJSON(t, newTestRouter(svc), "POST", "/workspaces/1/experiments/5/override", map[string]any{
		"variant_id": 2,
		"subject":    map[string]string{"user_id": "7"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAddVariantHandlerValidation(t *testing.T) {
	router := newTestRouter(&stubService{})

	rec := doJSON(t, router, "POST", "/workspaces/1/experiments/5/variants", map[string]any{"name": "no key"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, "POST", "/workspaces/1/experiments/5/variants", map[string]any{
		"key": "treatment", "weight": -1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// A zero or negative weight is a client mistake, never a server failure.
func TestUpdateVariantHandlerRejectsBadWeight(t *testing.T) {
	router := newTestRouter(&stubService{})

	for _, weight := range []int{0, -1} {
		rec := doJSON(t, router, "PATCH", "/workspaces/1/experiments/5/variants/2", map[string]any{
			"weight": weight,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "weight %d", weight)
	}
}

func TestInvalidWeightMapsToBadRequest(t *testing.T) {
	svc := &stubService{
		updateVariant: func(context.Context, int64, int64, int64, *UpdateVariantRequest) (*Variant, error) {
			return nil, fmt.Errorf("got weight 0: %w", ErrInvalidWeight)
		},
	}
	rec := doJSON(t, newTestRouter(svc), "PATCH", "/workspaces/1/experiments/5/variants/2", map[string]any{
		"name": "treatment",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoveVariantHandler(t *testing.T) {
	svc := &stubService{
		removeVariant: func(ctx context.Context, workspaceID, experimentID, variantID int64) error {
			assert.Equal(t, int64(2), variantID)
			return nil
		},
	}
	rec := doJSON(t, newTestRouter(svc), "DELETE", "/workspaces/1/experiments/5/variants/2", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestGetStatsHandler(t *testing.T) {
	svc := &stubService{
		getStats: func(context.Context, int64, int64) (*ExperimentStats, error) {
			return &ExperimentStats{ExperimentID: 5, ExperimentKey: "checkout-flow", Assignments: 10}, nil
		},
	}
	rec := doJSON(t, newTestRouter(svc), "GET", "/workspaces/1/experiments/5/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats ExperimentStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(10), stats.Assignments)
}

// Unexpected service failures must not leak details to the client.
func TestServiceErrorOpaque(t *testing.T) {
	svc := &stubService{
		getExperiment: func(context.Context, int64, int64) (*Experiment, error) {
			return nil, errors.New("pq: connection refused")
		},
	}
	rec := doJSON(t, newTestRouter(svc), "GET", "/workspaces/1/experiments/5", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}
