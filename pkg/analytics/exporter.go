package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/relay/pkg/observability"
)

// ObjectStore is the object storage surface the exporter writes through
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

// Exporter writes per-workspace experiment stats snapshots to object storage
type Exporter struct {
	db     *sql.DB
	s3     ObjectStore
	logger *observability.Logger
}

// NewExporter creates a stats exporter
func NewExporter(db *sql.DB, s3 ObjectStore, logger *observability.Logger) *Exporter {
	return &Exporter{
		db:     db,
		s3:     s3,
		logger: logger,
	}
}

// exportRow is one experiment-variant rollup line in the export document
type exportRow struct {
	WorkspaceID    int64   `json:"workspace_id"`
	ExperimentID   int64   `json:"experiment_id"`
	ExperimentKey  string  `json:"experiment_key"`
	Status         string  `json:"status"`
	VariantID      int64   `json:"variant_id"`
	VariantKey     string  `json:"variant_key"`
	IsControl      bool    `json:"is_control"`
	Assignments    int64   `json:"assignments"`
	Exposures      int64   `json:"exposures"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
	TotalValue     float64 `json:"total_value"`
}

// exportDocument is the versioned envelope written to object storage
type exportDocument struct {
	Date        string      `json:"date"`
	GeneratedAt time.Time   `json:"generated_at"`
	Rows        []exportRow `json:"rows"`
}

// experimentKey groups export rows by experiment
type experimentRef struct {
	workspaceID   int64
	experimentKey string
}

// ExportDailyStats snapshots the rollup for every non-archived experiment and
// writes one JSON document per experiment under
// stats/{workspace_id}/{experiment_key}/{date}.json. The snapshot is
// cumulative as of export time rather than windowed to the day; day-over-day
// deltas belong to the warehouse.
func (e *Exporter) ExportDailyStats(ctx context.Context, date time.Time) error {
	rows, err := e.collectRows(ctx)
	if err != nil {
		return err
	}

	byExperiment := make(map[experimentRef][]exportRow)
	for _, row := range rows {
		ref := experimentRef{workspaceID: row.WorkspaceID, experimentKey: row.ExperimentKey}
		byExperiment[ref] = append(byExperiment[ref], row)
	}

	day := date.Format("2006-01-02")
	for ref, expRows := range byExperiment {
		doc := exportDocument{
			Date:        day,
			GeneratedAt: time.Now().UTC(),
			Rows:        expRows,
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal export for experiment %q: %w", ref.experimentKey, err)
		}

		key := fmt.Sprintf("stats/%d/%s/%s.json", ref.workspaceID, ref.experimentKey, day)
		if err := e.s3.PutObject(ctx, key, data, "application/json"); err != nil {
			return fmt.Errorf("failed to export stats for experiment %q: %w", ref.experimentKey, err)
		}
		e.logger.WithFields(map[string]interface{}{
			"workspace_id": ref.workspaceID,
			"key":          key,
			"rows":         len(expRows),
		}).Info("stats snapshot exported")
	}

	return nil
}

func (e *Exporter) collectRows(ctx context.Context) ([]exportRow, error) {
	query := `
		SELECT ex.workspace_id, ex.id, ex.key, ex.status,
		       v.id, v.key, v.is_control,
		       COUNT(a.id) AS assignments,
		       COUNT(a.id) FILTER (WHERE a.exposure_count > 0) AS exposures,
		       COUNT(a.id) FILTER (WHERE a.converted_at IS NOT NULL) AS conversions,
		       COALESCE(SUM(a.conversion_value) FILTER (WHERE a.converted_at IS NOT NULL), 0) AS total_value
		FROM experiments ex
		JOIN variants v ON v.experiment_id = ex.id
		LEFT JOIN assignments a ON a.variant_id = v.id
		WHERE ex.status != 'archived'
		GROUP BY ex.workspace_id, ex.id, ex.key, ex.status, v.id, v.key, v.is_control, v.position
		ORDER BY ex.workspace_id, ex.id, v.position
	`
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query export rows: %w", err)
	}
	defer rows.Close()

	var out []exportRow
	for rows.Next() {
		var row exportRow
		if err := rows.Scan(&row.WorkspaceID, &row.ExperimentID, &row.ExperimentKey, &row.Status,
			&row.VariantID, &row.VariantKey, &row.IsControl,
			&row.Assignments, &row.Exposures, &row.Conversions, &row.TotalValue); err != nil {
			return nil, fmt.Errorf("failed to scan export row: %w", err)
		}
		if row.Exposures > 0 {
			row.ConversionRate = float64(row.Conversions) / float64(row.Exposures)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate export rows: %w", err)
	}
	return out, nil
}
