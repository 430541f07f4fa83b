package experiments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// RecordConversion marks a subject's assignment as converted. It returns true
// only when this call transitioned the assignment from unconverted to
// converted; repeated calls for the same subject are no-ops that return
// false. A missing experiment or assignment also returns false without error,
// since conversion beacons routinely race experiment teardown.
func (s *PostgresService) RecordConversion(ctx context.Context, workspaceID int64, experimentKey string, subject Subject, value *float64, metadata map[string]any) (bool, error) {
	if subject.IsEmpty() {
		return false, ErrNoSubject
	}

	exp, err := s.GetExperimentByKey(ctx, workspaceID, experimentKey)
	if errors.Is(err, ErrExperimentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("failed to marshal conversion metadata: %w", err)
	}

	// The converted_at IS NULL predicate makes first-conversion-wins atomic:
	// concurrent conversions for the same subject update exactly one row
	// between them.
	query := `
		UPDATE assignments
		SET converted_at = NOW(), conversion_value = $1, conversion_metadata = $2
		WHERE experiment_id = $3 AND subject_key = $4 AND converted_at IS NULL
	`
	result, err := s.db.ExecContext(ctx, query, value, metadataJSON, exp.ID, subject.Key())
	if err != nil {
		return false, fmt.Errorf("failed to record conversion: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read conversion result: %w", err)
	}

	recorded := rows == 1
	if s.metrics != nil {
		s.metrics.ConversionsTotal.WithLabelValues(strconv.FormatBool(recorded)).Inc()
	}
	return recorded, nil
}
