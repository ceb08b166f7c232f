package dataset_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/scanvault/pkg/dataset"
	"github.com/m-mizutani/scanvault/pkg/model"
)

func touch(t *testing.T, root string, rel ...string) {
	t.Helper()
	for _, r := range rel {
		path := filepath.Join(root, r)
		gt.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		gt.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	}
}

func TestRepresentative(t *testing.T) {
	gt.Equal(t, dataset.Representative([]string{"a.dcm", "b.dcm", "c.dcm"}), "b.dcm")
	gt.Equal(t, dataset.Representative([]string{"a.dcm", "b.dcm", "c.dcm", "d.dcm"}), "c.dcm")
	gt.Equal(t, dataset.Representative([]string{"a.dcm"}), "a.dcm")
	gt.Equal(t, dataset.Representative(nil), "")
}

func TestIndex(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	touch(t, root,
		"0007/exam1/T2_SAG/c.ima",
		"0007/exam1/T2_SAG/a.ima",
		"0007/exam1/T2_SAG/b.ima",
		"0007/exam1/T1_AX/1.IMA",
		"0007/exam1/T1_AX/2.ima",
		"0007/exam1/T1_AX/3.ima",
		"0007/exam1/T1_AX/4.ima",
		"0007/exam1/LOCALIZER/readme.txt",
		"0008/exam1/T2_SAG/a.ima",
		"0009/exam1/.cache/a.ima",
		"0009/exam1/T1/a.dcm",
		"notes.txt",
	)

	lookup := model.MetadataLookup{
		"7": "disc bulge",
		"9": "",
	}

	candidates, err := dataset.New().Index(ctx, root, lookup)
	gt.NoError(t, err)
	gt.A(t, candidates).Length(3)

	gt.Equal(t, *candidates[0], model.IngestionCandidate{
		PatientID:  "PAT-0007",
		OriginalID: "7",
		Name:       "Patient 7",
		ScanType:   "T1_AX",
		Notes:      "disc bulge",
		FilePath:   filepath.Join(root, "0007/exam1/T1_AX/3.ima"),
	})
	gt.Equal(t, candidates[1].ScanType, "T2_SAG")
	gt.Equal(t, candidates[1].FilePath, filepath.Join(root, "0007/exam1/T2_SAG/b.ima"))
	gt.Equal(t, candidates[2].PatientID, "PAT-0009")
	gt.Equal(t, candidates[2].ScanType, "T1")
}

func TestIndexDeterministic(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	touch(t, root, "1/s/a.dcm", "1/s/b.dcm", "2/s/x.dcm", "2/r/y.dcm")
	lookup := model.MetadataLookup{"1": "", "2": ""}

	first, err := dataset.New().Index(ctx, root, lookup)
	gt.NoError(t, err)
	second, err := dataset.New().Index(ctx, root, lookup)
	gt.NoError(t, err)

	gt.A(t, first).Length(3)
	for i := range first {
		gt.Equal(t, *first[i], *second[i])
	}
}

func TestIndexLeadingZeroMatch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	touch(t, root, "0007/series/a.dcm")

	candidates, err := dataset.New().Index(ctx, root, model.MetadataLookup{"7": "note"})
	gt.NoError(t, err)
	gt.A(t, candidates).Length(1)
	gt.Equal(t, candidates[0].OriginalID, "7")
	gt.Equal(t, candidates[0].Notes, "note")
}

func TestIndexOptions(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	touch(t, root, "SUBJ-A/axial/a.png", "SUBJ-A/axial/b.dcm")

	candidates, err := dataset.New(
		dataset.WithExtensions("png"),
		dataset.WithPatientPrefix(""),
	).Index(ctx, root, model.MetadataLookup{"SUBJ-A": ""})
	gt.NoError(t, err)
	gt.A(t, candidates).Length(1)
	gt.Equal(t, candidates[0].PatientID, "SUBJ-A")
	gt.Equal(t, filepath.Base(candidates[0].FilePath), "a.png")
}

func TestIndexEmpty(t *testing.T) {
	ctx := context.Background()

	t.Run("empty root", func(t *testing.T) {
		candidates, err := dataset.New().Index(ctx, t.TempDir(), model.MetadataLookup{"1": ""})
		gt.NoError(t, err)
		gt.A(t, candidates).Length(0)
	})

	t.Run("unannotated", func(t *testing.T) {
		root := t.TempDir()
		touch(t, root, "0003/s/a.dcm")
		candidates, err := dataset.New().Index(ctx, root, model.MetadataLookup{"4": ""})
		gt.NoError(t, err)
		gt.A(t, candidates).Length(0)
	})

	t.Run("missing root", func(t *testing.T) {
		_, err := dataset.New().Index(ctx, filepath.Join(t.TempDir(), "none"), nil)
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})
}
