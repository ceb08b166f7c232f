package metadata_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/scanvault/pkg/metadata"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/xuri/excelize/v2"
)

func writeExcel(t *testing.T, rows [][]any) string {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		gt.NoError(t, err)
		r := row
		gt.NoError(t, f.SetSheetRow("Sheet1", cell, &r))
	}

	path := filepath.Join(t.TempDir(), "report.xlsx")
	gt.NoError(t, f.SaveAs(path))
	return path
}

func TestLoadExcel(t *testing.T) {
	ctx := context.Background()
	path := writeExcel(t, [][]any{
		{"Patient ID", "Clinician's Notes", "Other"},
		{7, "disc protrusion at L4-L5", "x"},
		{"0012", "normal", "y"},
		{nil, "orphan note", "z"},
		{"PAT-X", "", "w"},
	})

	lookup, err := metadata.Load(ctx, path)
	gt.NoError(t, err)
	gt.Equal(t, len(lookup), 3)

	notes, ok := lookup.Lookup("7")
	gt.True(t, ok)
	gt.Equal(t, notes, "disc protrusion at L4-L5")

	notes, ok = lookup.Lookup("12")
	gt.True(t, ok)
	gt.Equal(t, notes, "normal")

	_, ok = lookup.Lookup("PAT-X")
	gt.True(t, ok)
}

func TestLoadExcelMissingColumn(t *testing.T) {
	ctx := context.Background()
	path := writeExcel(t, [][]any{
		{"ID", "Clinician's Notes"},
		{1, "note"},
	})

	_, err := metadata.Load(ctx, path)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrMetadataMalformed))
}

func TestLoadCustomColumns(t *testing.T) {
	ctx := context.Background()
	path := writeExcel(t, [][]any{
		{"Subject", "Findings"},
		{"003", "edema"},
	})

	lookup, err := metadata.Load(ctx, path,
		metadata.WithIDColumn("Subject"),
		metadata.WithNotesColumn("Findings"),
	)
	gt.NoError(t, err)
	gt.Equal(t, lookup["3"], "edema")
}

func TestLoadMissingFile(t *testing.T) {
	ctx := context.Background()

	for _, name := range []string{"none.xlsx", "none.csv"} {
		t.Run(name, func(t *testing.T) {
			_, err := metadata.Load(ctx, filepath.Join(t.TempDir(), name))
			gt.Error(t, err)
			gt.True(t, errors.Is(err, model.ErrMetadataUnavailable))
			gt.True(t, errors.Is(err, model.ErrNotFound))
		})
	}
}

func TestLoadCSV(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "report.csv")
	data := "Patient ID,Clinician's Notes\n0001,first\n,skipped\n2,\"second, with comma\"\n2,second override\n"
	gt.NoError(t, os.WriteFile(path, []byte(data), 0644))

	lookup, err := metadata.Load(ctx, path)
	gt.NoError(t, err)
	gt.Equal(t, len(lookup), 2)
	gt.Equal(t, lookup["1"], "first")
	gt.Equal(t, lookup["2"], "second override")
}

func TestLoadEmptyCSV(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "report.csv")
	gt.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := metadata.Load(ctx, path)
	gt.True(t, errors.Is(err, model.ErrMetadataMalformed))
}

func TestLoadUnsupported(t *testing.T) {
	_, err := metadata.Load(context.Background(), "report.txt")
	gt.True(t, errors.Is(err, model.ErrMetadataMalformed))
}

type mockBigQuery struct {
	schema bigquery.Schema
	rows   []map[string]any
	err    error
}

func (m *mockBigQuery) GetTableMetadata(ctx context.Context, project, datasetID, table string) (*bigquery.TableMetadata, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &bigquery.TableMetadata{Schema: m.schema}, nil
}

func (m *mockBigQuery) ReadTable(ctx context.Context, project, datasetID, table string) ([]map[string]any, error) {
	return m.rows, nil
}

func (m *mockBigQuery) Close() error { return nil }

func TestLoadBigQuery(t *testing.T) {
	ctx := context.Background()
	bq := &mockBigQuery{
		schema: bigquery.Schema{
			{Name: "Patient ID", Type: bigquery.IntegerFieldType},
			{Name: "Clinician's Notes", Type: bigquery.StringFieldType},
		},
		rows: []map[string]any{
			{"Patient ID": int64(7), "Clinician's Notes": "mild stenosis"},
			{"Patient ID": nil, "Clinician's Notes": "no id"},
			{"Patient ID": float64(9), "Clinician's Notes": nil},
		},
	}

	lookup, err := metadata.Load(ctx, "bq://proj.radiology.reports", metadata.WithBigQuery(bq))
	gt.NoError(t, err)
	gt.Equal(t, len(lookup), 2)
	gt.Equal(t, lookup["7"], "mild stenosis")
	gt.Equal(t, lookup["9"], "")

	t.Run("missing column", func(t *testing.T) {
		bad := &mockBigQuery{schema: bigquery.Schema{{Name: "Patient ID"}}}
		_, err := metadata.Load(ctx, "bq://proj.radiology.reports", metadata.WithBigQuery(bad))
		gt.True(t, errors.Is(err, model.ErrMetadataMalformed))
	})

	t.Run("table unavailable", func(t *testing.T) {
		bad := &mockBigQuery{err: errors.New("notFound")}
		_, err := metadata.Load(ctx, "bq://proj.radiology.reports", metadata.WithBigQuery(bad))
		gt.True(t, errors.Is(err, model.ErrMetadataUnavailable))
	})

	t.Run("bad reference", func(t *testing.T) {
		_, err := metadata.Load(ctx, "bq://reports", metadata.WithBigQuery(bq))
		gt.True(t, errors.Is(err, model.ErrMetadataMalformed))
	})

	t.Run("no client", func(t *testing.T) {
		_, err := metadata.Load(ctx, "bq://proj.radiology.reports")
		gt.Error(t, err)
	})
}
