package experiments

import (
	"context"
	"fmt"
)

// ListDueForStart returns draft experiments whose start_at has passed, across
// all workspaces. Only experiments with at least two variants are returned,
// mirroring the manual start precondition.
func (s *PostgresService) ListDueForStart(ctx context.Context) ([]*Experiment, error) {
	query := `SELECT ` + experimentColumns + `
		FROM experiments
		WHERE status = 'draft' AND start_at IS NOT NULL AND start_at <= NOW()
		  AND (SELECT COUNT(*) FROM variants WHERE experiment_id = experiments.id) >= 2
		ORDER BY start_at`
	return s.queryExperiments(ctx, query)
}

// ListDueForConclusion returns running or paused experiments whose end_at has
// passed, across all workspaces
func (s *PostgresService) ListDueForConclusion(ctx context.Context) ([]*Experiment, error) {
	query := `SELECT ` + experimentColumns + `
		FROM experiments
		WHERE status IN ('running', 'paused') AND end_at IS NOT NULL AND end_at <= NOW()
		ORDER BY end_at`
	return s.queryExperiments(ctx, query)
}

func (s *PostgresService) queryExperiments(ctx context.Context, query string, args ...any) ([]*Experiment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiments: %w", err)
	}
	defer rows.Close()

	var exps []*Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		exps = append(exps, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate experiments: %w", err)
	}
	return exps, nil
}
