package experiments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/relay/pkg/observability"
)

// activeAssignmentFanout bounds concurrent per-experiment decisions inside
// GetActiveAssignments
const activeAssignmentFanout = 8

// loadDefinition returns an experiment with its ordered variants, reading
// through the definition cache when one is configured
func (s *PostgresService) loadDefinition(ctx context.Context, workspaceID int64, experimentKey string) (*Definition, error) {
	if s.defs != nil {
		if def, ok := s.defs.Get(ctx, workspaceID, experimentKey); ok {
			return def, nil
		}
	}

	exp, err := s.GetExperimentByKey(ctx, workspaceID, experimentKey)
	if err != nil {
		return nil, err
	}
	variants, err := s.ListVariants(ctx, exp.ID)
	if err != nil {
		return nil, err
	}

	def := &Definition{Experiment: exp, Variants: variants}
	if s.defs != nil {
		s.defs.Set(ctx, def)
	}
	return def, nil
}

func findVariant(variants []*Variant, id int64) *Variant {
	for _, v := range variants {
		if v.ID == id {
			return v
		}
	}
	return nil
}

func decisionFor(exp *Experiment, v *Variant, assignmentID string, isNew bool) *Decision {
	return &Decision{
		ExperimentKey:   exp.Key,
		VariantKey:      v.Key,
		VariantConfig:   v.Config,
		IsControl:       v.IsControl,
		AssignmentID:    assignmentID,
		IsNewAssignment: isNew,
	}
}

// nullString maps an empty string to SQL NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresService) observeDecision(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveDecision(outcome, start)
	}
}

// GetAssignment returns the variant decision for a subject, creating a
// durable assignment on first exposure. A nil decision with a nil error means
// no decision applies: unknown experiment key, experiment not running,
// targeting mismatch, or traffic exclusion. Those are expected steady-state
// outcomes, not failures.
func (s *PostgresService) GetAssignment(ctx context.Context, workspaceID int64, experimentKey string, subject Subject, attributes map[string]any) (*Decision, error) {
	start := time.Now()

	def, err := s.loadDefinition(ctx, workspaceID, experimentKey)
	if errors.Is(err, ErrExperimentNotFound) {
		s.observeDecision(observability.DecisionOutcomeNotFound, start)
		return nil, nil
	}
	if err != nil {
		s.observeDecision(observability.DecisionOutcomeError, start)
		return nil, err
	}
	exp := def.Experiment

	// A concluded experiment with a declared winner serves the winner to
	// everyone, including subjects never exposed, without writing a row.
	// Already-assigned subjects keep their persisted assignment untouched.
	if exp.Status == StatusConcluded && exp.WinningVariantID != nil {
		winner := findVariant(def.Variants, *exp.WinningVariantID)
		if winner == nil {
			winner, err = s.getVariant(ctx, exp.ID, *exp.WinningVariantID)
			if err != nil {
				s.observeDecision(observability.DecisionOutcomeError, start)
				return nil, err
			}
		}
		s.observeDecision(observability.DecisionOutcomeWinner, start)
		return decisionFor(exp, winner, "", false), nil
	}

	if exp.Status != StatusRunning {
		s.observeDecision(observability.DecisionOutcomeNotRunning, start)
		return nil, nil
	}

	if !MatchesTargeting(exp.Targeting, attributes) {
		s.observeDecision(observability.DecisionOutcomeNotTargeted, start)
		return nil, nil
	}

	if subject.IsEmpty() {
		return nil, ErrNoSubject
	}
	subjectKey := subject.Key()

	if !InTrafficAllocation(exp.Key, exp.TrafficPct, subjectKey) {
		s.observeDecision(observability.DecisionOutcomeNotAllocated, start)
		return nil, nil
	}

	selected := SelectVariant(def.Variants, exp.Key, subjectKey)
	if selected == nil {
		s.observeDecision(observability.DecisionOutcomeError, start)
		return nil, fmt.Errorf("experiment %q has no variants", exp.Key)
	}

	// Atomic insert-or-fetch keyed by (experiment_id, subject_key): concurrent
	// first exposures collapse onto one row, and an existing row (auto or
	// override) wins over the freshly selected variant. exposure_count = 1 in
	// the returned row means this call created the assignment.
	query := `
		INSERT INTO assignments (id, experiment_id, variant_id, subject_key,
		                         customer_id, session_id, user_id, source,
		                         first_exposure_at, last_exposure_at, exposure_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'auto', NOW(), NOW(), 1)
		ON CONFLICT (experiment_id, subject_key) DO UPDATE
		SET exposure_count = assignments.exposure_count + 1, last_exposure_at = NOW()
		RETURNING id, variant_id, exposure_count
	`
	var (
		assignmentID  string
		variantID     int64
		exposureCount int64
	)
	err = s.db.QueryRowContext(ctx, query, uuid.NewString(), exp.ID, selected.ID, subjectKey,
		nullString(subject.CustomerID), nullString(subject.SessionID), nullString(subject.UserID)).
		Scan(&assignmentID, &variantID, &exposureCount)
	if err != nil {
		s.observeDecision(observability.DecisionOutcomeError, start)
		return nil, fmt.Errorf("failed to persist assignment: %w", err)
	}

	variant := findVariant(def.Variants, variantID)
	if variant == nil {
		// Assignment predates the current variant set in cache; read directly.
		variant, err = s.getVariant(ctx, exp.ID, variantID)
		if err != nil {
			s.observeDecision(observability.DecisionOutcomeError, start)
			return nil, err
		}
	}

	if exposureCount == 1 {
		s.observeDecision(observability.DecisionOutcomeNew, start)
	} else {
		s.observeDecision(observability.DecisionOutcomeExisting, start)
	}
	return decisionFor(exp, variant, assignmentID, exposureCount == 1), nil
}

// GetActiveAssignments evaluates every running experiment in the workspace
// for a subject and returns the decisions that apply. Intended for
// evaluate-everything-at-page-load callers.
func (s *PostgresService) GetActiveAssignments(ctx context.Context, workspaceID int64, subject Subject, attributes map[string]any) ([]*Decision, error) {
	if subject.IsEmpty() {
		return nil, ErrNoSubject
	}

	exps, err := s.ListExperiments(ctx, workspaceID, false)
	if err != nil {
		return nil, err
	}

	var running []*Experiment
	for _, exp := range exps {
		if exp.Status == StatusRunning {
			running = append(running, exp)
		}
	}
	if len(running) == 0 {
		return nil, nil
	}

	results := make([]*Decision, len(running))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(activeAssignmentFanout)
	for i, exp := range running {
		i, exp := i, exp
		g.Go(func() error {
			decision, err := s.GetAssignment(gctx, workspaceID, exp.Key, subject, attributes)
			if err != nil {
				return err
			}
			results[i] = decision
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	decisions := make([]*Decision, 0, len(results))
	for _, d := range results {
		if d != nil {
			decisions = append(decisions, d)
		}
	}
	return decisions, nil
}

// OverrideAssignment replaces any existing assignment for the subject with a
// manual one, bypassing targeting and traffic allocation entirely. The
// override wins over automatic bucketing on every subsequent lookup.
func (s *PostgresService) OverrideAssignment(ctx context.Context, workspaceID, experimentID, variantID int64, subject Subject) (*Decision, error) {
	exp, err := s.GetExperiment(ctx, workspaceID, experimentID)
	if err != nil {
		return nil, err
	}
	variant, err := s.getVariant(ctx, experimentID, variantID)
	if err != nil {
		return nil, err
	}
	if subject.IsEmpty() {
		return nil, ErrNoSubject
	}
	subjectKey := subject.Key()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Clear every assignment matching any of the subject's identifiers, not
	// just the canonical key, so a QA override cannot leave a stale binding
	// behind under a sibling identifier.
	conditions := []string{"subject_key = $2"}
	args := []interface{}{experimentID, subjectKey}
	argPos := 3
	if subject.CustomerID != "" {
		conditions = append(conditions, fmt.Sprintf("customer_id = $%d", argPos))
		args = append(args, subject.CustomerID)
		argPos++
	}
	if subject.SessionID != "" {
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", argPos))
		args = append(args, subject.SessionID)
		argPos++
	}
	if subject.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argPos))
		args = append(args, subject.UserID)
	}
	deleteQuery := fmt.Sprintf("DELETE FROM assignments WHERE experiment_id = $1 AND (%s)",
		strings.Join(conditions, " OR "))
	if _, err := tx.ExecContext(ctx, deleteQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to clear existing assignments: %w", err)
	}

	assignmentID := uuid.NewString()
	insertQuery := `
		INSERT INTO assignments (id, experiment_id, variant_id, subject_key,
		                         customer_id, session_id, user_id, source,
		                         first_exposure_at, last_exposure_at, exposure_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'override', NOW(), NOW(), 1)
	`
	if _, err := tx.ExecContext(ctx, insertQuery, assignmentID, experimentID, variantID, subjectKey,
		nullString(subject.CustomerID), nullString(subject.SessionID), nullString(subject.UserID)); err != nil {
		return nil, fmt.Errorf("failed to insert override assignment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit override: %w", err)
	}

	if s.metrics != nil {
		s.metrics.OverridesTotal.Inc()
	}
	s.logger.WithFields(map[string]interface{}{
		"experiment_id": experimentID,
		"variant_id":    variantID,
		"subject_key":   subjectKey,
	}).Info("assignment overridden")

	return decisionFor(exp, variant, assignmentID, true), nil
}
