package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/relay/pkg/observability"
)

type fakeObjectStore struct {
	objects map[string][]byte
	err     error
}

func (f *fakeObjectStore) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	if f.err != nil {
		return f.err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[key] = body
	return nil
}

var exportQueryColumns = []string{
	"workspace_id", "id", "key", "status", "variant_id", "variant_key", "is_control",
	"assignments", "exposures", "conversions", "total_value",
}

func newTestExporter(t *testing.T) (*Exporter, sqlmock.Sqlmock, *fakeObjectStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := &fakeObjectStore{}
	logger := observability.NewLogger(observability.InfoLevel, nil)
	return NewExporter(db, store, logger), mock, store
}

func TestExportDailyStats(t *testing.T) {
	exporter, mock, store := newTestExporter(t)

	mock.ExpectQuery(`COUNT\(a\.id\) FILTER \(WHERE a\.exposure_count > 0\) AS exposures`).
		WillReturnRows(sqlmock.NewRows(exportQueryColumns).
			AddRow(int64(1), int64(5), "checkout-flow", "running", int64(1), "control", true, int64(100), int64(80), int64(8), 100.0).
			AddRow(int64(1), int64(5), "checkout-flow", "running", int64(2), "treatment", false, int64(100), int64(96), int64(24), 300.0).
			AddRow(int64(2), int64(9), "pricing-v2", "concluded", int64(7), "control", true, int64(50), int64(50), int64(5), 0.0))

	date := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	require.NoError(t, exporter.ExportDailyStats(context.Background(), date))
	require.Len(t, store.objects, 2)

	body, ok := store.objects["stats/1/checkout-flow/2026-08-30.json"]
	require.True(t, ok, "expected per-experiment object key, got %v", keysOf(store.objects))

	var doc exportDocument
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "2026-08-30", doc.Date)
	require.Len(t, doc.Rows, 2)
	assert.Equal(t, "control", doc.Rows[0].VariantKey)
	assert.InDelta(t, 0.10, doc.Rows[0].ConversionRate, 1e-9)
	assert.InDelta(t, 0.25, doc.Rows[1].ConversionRate, 1e-9)
	// The rate always divides by the exported exposures figure.
	assert.InDelta(t, float64(doc.Rows[1].Conversions)/float64(doc.Rows[1].Exposures),
		doc.Rows[1].ConversionRate, 1e-9)

	_, ok = store.objects["stats/2/pricing-v2/2026-08-30.json"]
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportDailyStatsNothingToExport(t *testing.T) {
	exporter, mock, store := newTestExporter(t)

	mock.ExpectQuery("SELECT (.+) FROM experiments ex").
		WillReturnRows(sqlmock.NewRows(exportQueryColumns))

	require.NoError(t, exporter.ExportDailyStats(context.Background(), time.Now()))
	assert.Empty(t, store.objects)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportDailyStatsUploadFailure(t *testing.T) {
	exporter, mock, store := newTestExporter(t)
	store.err = errors.New("bucket unavailable")

	mock.ExpectQuery("SELECT (.+) FROM experiments ex").
		WillReturnRows(sqlmock.NewRows(exportQueryColumns).
			AddRow(int64(1), int64(5), "checkout-flow", "running", int64(1), "control", true, int64(1), int64(1), int64(0), 0.0))

	err := exporter.ExportDailyStats(context.Background(), time.Now())
	assert.ErrorContains(t, err, "bucket unavailable")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func keysOf(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
