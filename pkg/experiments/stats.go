package experiments

import (
	"context"
	"fmt"
)

// GetStats returns per-variant and experiment-level rollups. Exposures counts
// assignments that have been exposed at least once (not repeat exposures), and
// the conversion rate is conversions over exposures. Variants with no
// assignments still appear with zero counts so dashboards always show every
// arm. Rates are computed here rather than in SQL to sidestep division by
// zero and keep the query a plain aggregation.
func (s *PostgresService) GetStats(ctx context.Context, workspaceID, experimentID int64) (*ExperimentStats, error) {
	exp, err := s.GetExperiment(ctx, workspaceID, experimentID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT v.id, v.key, v.is_control,
		       COUNT(a.id) AS assignments,
		       COUNT(a.id) FILTER (WHERE a.exposure_count > 0) AS exposures,
		       COUNT(a.id) FILTER (WHERE a.converted_at IS NOT NULL) AS conversions,
		       COALESCE(SUM(a.conversion_value) FILTER (WHERE a.converted_at IS NOT NULL), 0) AS total_value
		FROM variants v
		LEFT JOIN assignments a ON a.variant_id = v.id
		WHERE v.experiment_id = $1
		GROUP BY v.id, v.key, v.is_control, v.position
		ORDER BY v.position
	`
	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiment stats: %w", err)
	}
	defer rows.Close()

	stats := &ExperimentStats{
		ExperimentID:  exp.ID,
		ExperimentKey: exp.Key,
	}
	for rows.Next() {
		var vs VariantStats
		if err := rows.Scan(&vs.VariantID, &vs.VariantKey, &vs.IsControl,
			&vs.Assignments, &vs.Exposures, &vs.Conversions, &vs.TotalValue); err != nil {
			return nil, fmt.Errorf("failed to scan variant stats: %w", err)
		}
		if vs.Exposures > 0 {
			vs.ConversionRate = float64(vs.Conversions) / float64(vs.Exposures)
		}
		stats.Variants = append(stats.Variants, vs)
		stats.Assignments += vs.Assignments
		stats.Exposures += vs.Exposures
		stats.Conversions += vs.Conversions
		stats.TotalValue += vs.TotalValue
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate variant stats: %w", err)
	}

	if stats.Exposures > 0 {
		stats.ConversionRate = float64(stats.Conversions) / float64(stats.Exposures)
	}
	return stats, nil
}
