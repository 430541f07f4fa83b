package experiments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/relay/pkg/observability"
)

// lifecycleTransitions is the single source of truth for legal status
// changes: draft → running ⇄ paused → concluded → archived, with archive
// reachable from everywhere.
var lifecycleTransitions = map[ExperimentStatus]map[ExperimentStatus]bool{
	StatusDraft:     {StatusRunning: true, StatusArchived: true},
	StatusRunning:   {StatusPaused: true, StatusConcluded: true, StatusArchived: true},
	StatusPaused:    {StatusRunning: true, StatusConcluded: true, StatusArchived: true},
	StatusConcluded: {StatusArchived: true},
	StatusArchived:  {StatusArchived: true},
}

func canTransition(from, to ExperimentStatus) bool {
	return lifecycleTransitions[from][to]
}

// PostgresService implements the experiments Service interface using PostgreSQL
type PostgresService struct {
	db      *sql.DB
	defs    *DefinitionCache
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewPostgresService creates a new PostgresService. The definition cache and
// metrics may be nil; with a nil cache every decision reads definitions from
// the database.
func NewPostgresService(db *sql.DB, defs *DefinitionCache, logger *observability.Logger, metrics *observability.Metrics) *PostgresService {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &PostgresService{
		db:      db,
		defs:    defs,
		logger:  logger,
		metrics: metrics,
	}
}

const experimentColumns = `id, workspace_id, key, name, description, type, status, traffic_pct,
	       targeting, start_at, end_at, concluded_at, winning_variant_id, metadata,
	       created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*Experiment, error) {
	exp := &Experiment{}
	var targetingJSON, metadataJSON []byte
	err := row.Scan(
		&exp.ID, &exp.WorkspaceID, &exp.Key, &exp.Name, &exp.Description,
		&exp.Type, &exp.Status, &exp.TrafficPct, &targetingJSON,
		&exp.StartAt, &exp.EndAt, &exp.ConcludedAt, &exp.WinningVariantID,
		&metadataJSON, &exp.CreatedAt, &exp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(targetingJSON) > 0 {
		if err := json.Unmarshal(targetingJSON, &exp.Targeting); err != nil {
			return nil, fmt.Errorf("failed to unmarshal targeting: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &exp.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return exp, nil
}

// isUniqueViolation reports whether an error is a Postgres unique constraint
// violation (SQLSTATE 23505)
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// CreateExperiment creates a new experiment in draft status
func (s *PostgresService) CreateExperiment(ctx context.Context, workspaceID int64, req *CreateExperimentRequest) (*Experiment, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("experiment key is required")
	}

	trafficPct := 100
	if req.TrafficPct != nil {
		trafficPct = *req.TrafficPct
	}
	if trafficPct < 0 || trafficPct > 100 {
		return nil, fmt.Errorf("traffic_pct must be between 0 and 100, got %d", trafficPct)
	}

	expType := req.Type
	if expType == "" {
		expType = TypeFeature
	}

	name := req.Name
	if name == "" {
		name = req.Key
	}

	targetingJSON, err := json.Marshal(req.Targeting)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal targeting: %w", err)
	}
	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	exp := &Experiment{
		WorkspaceID: workspaceID,
		Key:         req.Key,
		Name:        name,
		Description: req.Description,
		Type:        expType,
		Status:      StatusDraft,
		TrafficPct:  trafficPct,
		Targeting:   req.Targeting,
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		Metadata:    req.Metadata,
	}

	query := `
		INSERT INTO experiments (workspace_id, key, name, description, type, status, traffic_pct,
		                         targeting, start_at, end_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query, exp.WorkspaceID, exp.Key, exp.Name, exp.Description,
		exp.Type, exp.Status, exp.TrafficPct, targetingJSON, exp.StartAt, exp.EndAt, metadataJSON).
		Scan(&exp.ID, &exp.CreatedAt, &exp.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("experiment key %q already exists in workspace: %w", req.Key, ErrDuplicateKey)
		}
		return nil, fmt.Errorf("failed to create experiment: %w", err)
	}

	return exp, nil
}

// GetExperiment retrieves an experiment by ID within a workspace
func (s *PostgresService) GetExperiment(ctx context.Context, workspaceID, id int64) (*Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE workspace_id = $1 AND id = $2`
	exp, err := scanExperiment(s.db.QueryRowContext(ctx, query, workspaceID, id))
	if err == sql.ErrNoRows {
		return nil, ErrExperimentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return exp, nil
}

// GetExperimentByKey retrieves an experiment by its workspace-scoped key
func (s *PostgresService) GetExperimentByKey(ctx context.Context, workspaceID int64, key string) (*Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE workspace_id = $1 AND key = $2`
	exp, err := scanExperiment(s.db.QueryRowContext(ctx, query, workspaceID, key))
	if err == sql.ErrNoRows {
		return nil, ErrExperimentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return exp, nil
}

// ListExperiments lists experiments in a workspace. Archived experiments are
// excluded unless includeArchived is set; they stay queryable by id/key.
func (s *PostgresService) ListExperiments(ctx context.Context, workspaceID int64, includeArchived bool) ([]*Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE workspace_id = $1`
	if !includeArchived {
		query += ` AND status != 'archived'`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var exps []*Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		exps = append(exps, exp)
	}

	return exps, rows.Err()
}

// UpdateExperiment updates experiment metadata. Status is never touched here;
// status changes go through the dedicated transition operations.
func (s *PostgresService) UpdateExperiment(ctx context.Context, workspaceID, id int64, req *UpdateExperimentRequest) (*Experiment, error) {
	exp, err := s.GetExperiment(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	setClauses := []string{}
	args := []interface{}{}
	argPos := 1

	addClause := func(column string, value interface{}) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argPos))
		args = append(args, value)
		argPos++
	}

	if req.Name != nil {
		addClause("name", *req.Name)
	}
	if req.Description != nil {
		addClause("description", *req.Description)
	}
	if req.TrafficPct != nil {
		if *req.TrafficPct < 0 || *req.TrafficPct > 100 {
			return nil, fmt.Errorf("traffic_pct must be between 0 and 100, got %d", *req.TrafficPct)
		}
		addClause("traffic_pct", *req.TrafficPct)
	}
	if req.Targeting != nil {
		targetingJSON, err := json.Marshal(req.Targeting)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal targeting: %w", err)
		}
		addClause("targeting", targetingJSON)
	}
	if req.EndAt != nil {
		addClause("end_at", *req.EndAt)
	}
	if req.Metadata != nil {
		metadataJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		addClause("metadata", metadataJSON)
	}

	if len(setClauses) == 0 {
		return exp, nil
	}

	addClause("updated_at", time.Now().UTC())
	args = append(args, workspaceID, id)
	query := fmt.Sprintf("UPDATE experiments SET %s WHERE workspace_id = $%d AND id = $%d",
		strings.Join(setClauses, ", "), argPos, argPos+1)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update experiment: %w", err)
	}

	s.invalidateDefinition(ctx, exp)
	return s.GetExperiment(ctx, workspaceID, id)
}

// StartExperiment transitions an experiment to running. Allowed from draft or
// paused, requires at least two variants. startAt is only set on first start.
func (s *PostgresService) StartExperiment(ctx context.Context, workspaceID, id int64) (*Experiment, error) {
	exp, err := s.GetExperiment(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(exp.Status, StatusRunning) {
		return nil, &InvalidStateError{Op: "start", Status: exp.Status}
	}

	variants, err := s.ListVariants(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(variants) < 2 {
		return nil, &InvalidStateError{Op: "start", Status: exp.Status, Reason: "at least 2 variants are required"}
	}

	query := `
		UPDATE experiments
		SET status = $1, start_at = COALESCE(start_at, NOW()), updated_at = NOW()
		WHERE workspace_id = $2 AND id = $3 AND status IN ('draft', 'paused')
	`
	result, err := s.db.ExecContext(ctx, query, StatusRunning, workspaceID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to start experiment: %w", err)
	}
	if err := requireRowsAffected(result, "start", exp.Status); err != nil {
		return nil, err
	}

	s.invalidateDefinition(ctx, exp)
	return s.GetExperiment(ctx, workspaceID, id)
}

// PauseExperiment transitions a running experiment to paused
func (s *PostgresService) PauseExperiment(ctx context.Context, workspaceID, id int64) (*Experiment, error) {
	exp, err := s.GetExperiment(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(exp.Status, StatusPaused) {
		return nil, &InvalidStateError{Op: "pause", Status: exp.Status}
	}

	query := `
		UPDATE experiments SET status = $1, updated_at = NOW()
		WHERE workspace_id = $2 AND id = $3 AND status = 'running'
	`
	result, err := s.db.ExecContext(ctx, query, StatusPaused, workspaceID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to pause experiment: %w", err)
	}
	if err := requireRowsAffected(result, "pause", exp.Status); err != nil {
		return nil, err
	}

	s.invalidateDefinition(ctx, exp)
	return s.GetExperiment(ctx, workspaceID, id)
}

// ConcludeExperiment transitions a running or paused experiment to concluded.
// A winning variant, if supplied, must belong to the experiment; future
// decisions then return it directly without bucketing or a new assignment.
func (s *PostgresService) ConcludeExperiment(ctx context.Context, workspaceID, id int64, req *ConcludeExperimentRequest) (*Experiment, error) {
	exp, err := s.GetExperiment(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(exp.Status, StatusConcluded) {
		return nil, &InvalidStateError{Op: "conclude", Status: exp.Status}
	}

	var winnerID *int64
	if req != nil && req.WinningVariantID != nil {
		variant, err := s.getVariant(ctx, id, *req.WinningVariantID)
		if err != nil {
			return nil, err
		}
		winnerID = &variant.ID
	}

	query := `
		UPDATE experiments
		SET status = $1, winning_variant_id = $2, concluded_at = NOW(),
		    end_at = COALESCE(end_at, NOW()), updated_at = NOW()
		WHERE workspace_id = $3 AND id = $4 AND status IN ('running', 'paused')
	`
	result, err := s.db.ExecContext(ctx, query, StatusConcluded, winnerID, workspaceID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to conclude experiment: %w", err)
	}
	if err := requireRowsAffected(result, "conclude", exp.Status); err != nil {
		return nil, err
	}

	s.invalidateDefinition(ctx, exp)
	return s.GetExperiment(ctx, workspaceID, id)
}

// ArchiveExperiment transitions an experiment to archived. Archival is the
// deletion path; experiments are never hard-deleted.
func (s *PostgresService) ArchiveExperiment(ctx context.Context, workspaceID, id int64) (*Experiment, error) {
	exp, err := s.GetExperiment(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	query := `UPDATE experiments SET status = $1, updated_at = NOW() WHERE workspace_id = $2 AND id = $3`
	if _, err := s.db.ExecContext(ctx, query, StatusArchived, workspaceID, id); err != nil {
		return nil, fmt.Errorf("failed to archive experiment: %w", err)
	}

	s.invalidateDefinition(ctx, exp)
	return s.GetExperiment(ctx, workspaceID, id)
}

// AddVariant adds a variant to a draft experiment
func (s *PostgresService) AddVariant(ctx context.Context, workspaceID, experimentID int64, req *AddVariantRequest) (*Variant, error) {
	exp, err := s.GetExperiment(ctx, workspaceID, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != StatusDraft {
		return nil, &InvalidStateError{Op: "add variant to", Status: exp.Status, Reason: "variants are only addable in draft"}
	}

	if req.Key == "" {
		return nil, fmt.Errorf("variant key is required")
	}
	weight := req.Weight
	if weight == 0 {
		weight = 1
	}
	if weight < 1 {
		return nil, fmt.Errorf("got weight %d: %w", weight, ErrInvalidWeight)
	}

	name := req.Name
	if name == "" {
		name = req.Key
	}

	configJSON, err := json.Marshal(req.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	variant := &Variant{
		ExperimentID: experimentID,
		Key:          req.Key,
		Name:         name,
		Weight:       weight,
		Config:       req.Config,
		IsControl:    req.IsControl,
	}

	query := `
		INSERT INTO variants (experiment_id, key, name, weight, config, is_control, position)
		VALUES ($1, $2, $3, $4, $5, $6,
		        (SELECT COALESCE(MAX(position), 0) + 1 FROM variants WHERE experiment_id = $1))
		RETURNING id, position, created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query, variant.ExperimentID, variant.Key, variant.Name,
		variant.Weight, configJSON, variant.IsControl).
		Scan(&variant.ID, &variant.Position, &variant.CreatedAt, &variant.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("variant key %q already exists in experiment: %w", req.Key, ErrDuplicateKey)
		}
		return nil, fmt.Errorf("failed to add variant: %w", err)
	}

	s.invalidateDefinition(ctx, exp)
	return variant, nil
}

// UpdateVariant updates a variant's name, weight, or config. Allowed in any
// status; weight changes only affect subjects with no existing assignment.
func (s *PostgresService) UpdateVariant(ctx context.Context, workspaceID, experimentID, variantID int64, req *UpdateVariantRequest) (*Variant, error) {
	exp, err := s.GetExperiment(ctx, workspaceID, experimentID)
	if err != nil {
		return nil, err
	}

	setClauses := []string{}
	args := []interface{}{}
	argPos := 1

	if req.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argPos))
		args = append(args, *req.Name)
		argPos++
	}
	if req.Weight != nil {
		if *req.Weight < 1 {
			return nil, fmt.Errorf("got weight %d: %w", *req.Weight, ErrInvalidWeight)
		}
		setClauses = append(setClauses, fmt.Sprintf("weight = $%d", argPos))
		args = append(args, *req.Weight)
		argPos++
	}
	if req.Config != nil {
		configJSON, err := json.Marshal(req.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		setClauses = append(setClauses, fmt.Sprintf("config = $%d", argPos))
		args = append(args, configJSON)
		argPos++
	}

	if len(setClauses) == 0 {
		return s.getVariant(ctx, experimentID, variantID)
	}

	setClauses = append(setClauses, "updated_at = NOW()")
	args = append(args, experimentID, variantID)
	query := fmt.Sprintf("UPDATE variants SET %s WHERE experiment_id = $%d AND id = $%d",
		strings.Join(setClauses, ", "), argPos, argPos+1)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update variant: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrVariantNotFound
	}

	s.invalidateDefinition(ctx, exp)
	return s.getVariant(ctx, experimentID, variantID)
}

// RemoveVariant deletes a variant from a draft experiment
func (s *PostgresService) RemoveVariant(ctx context.Context, workspaceID, experimentID, variantID int64) error {
	exp, err := s.GetExperiment(ctx, workspaceID, experimentID)
	if err != nil {
		return err
	}
	if exp.Status != StatusDraft {
		return &InvalidStateError{Op: "remove variant from", Status: exp.Status, Reason: "variants are only removable in draft"}
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM variants WHERE experiment_id = $1 AND id = $2`, experimentID, variantID)
	if err != nil {
		return fmt.Errorf("failed to remove variant: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrVariantNotFound
	}

	s.invalidateDefinition(ctx, exp)
	return nil
}

const variantColumns = `id, experiment_id, key, name, weight, config, is_control, position, created_at, updated_at`

func scanVariant(row rowScanner) (*Variant, error) {
	v := &Variant{}
	var configJSON []byte
	err := row.Scan(&v.ID, &v.ExperimentID, &v.Key, &v.Name, &v.Weight,
		&configJSON, &v.IsControl, &v.Position, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &v.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	return v, nil
}

// ListVariants lists an experiment's variants in selector order
func (s *PostgresService) ListVariants(ctx context.Context, experimentID int64) ([]*Variant, error) {
	query := `SELECT ` + variantColumns + ` FROM variants WHERE experiment_id = $1 ORDER BY position`
	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()

	var variants []*Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		variants = append(variants, v)
	}

	return variants, rows.Err()
}

// getVariant retrieves a single variant belonging to an experiment
func (s *PostgresService) getVariant(ctx context.Context, experimentID, variantID int64) (*Variant, error) {
	query := `SELECT ` + variantColumns + ` FROM variants WHERE experiment_id = $1 AND id = $2`
	v, err := scanVariant(s.db.QueryRowContext(ctx, query, experimentID, variantID))
	if err == sql.ErrNoRows {
		return nil, ErrVariantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get variant: %w", err)
	}
	return v, nil
}

// invalidateDefinition drops a cached definition after a mutation
func (s *PostgresService) invalidateDefinition(ctx context.Context, exp *Experiment) {
	if s.defs != nil {
		s.defs.Invalidate(ctx, exp.WorkspaceID, exp.Key)
	}
}

// requireRowsAffected converts a zero-row guarded UPDATE into an invalid
// state error. The status predicate on the UPDATE is what makes concurrent
// transitions safe; this surfaces the loser's outcome.
func requireRowsAffected(result sql.Result, op string, status ExperimentStatus) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &InvalidStateError{Op: op, Status: status}
	}
	return nil
}
