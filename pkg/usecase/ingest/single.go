package ingest

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/repository"
	"github.com/m-mizutani/scanvault/pkg/scan"
	"github.com/m-mizutani/scanvault/pkg/utils/logging"
	"golang.org/x/sync/semaphore"
)

// SingleInput is one interactively specified scan
type SingleInput struct {
	PatientID string
	Name      string
	ScanType  string
	Notes     string
	Image     model.ImageInput
}

// Single archives one scan unless its (patient_id, scan_type) is already
// archived, in which case the outcome is StatusSkippedExists and no error.
func (uc *UseCase) Single(ctx context.Context, input SingleInput) (*Outcome, error) {
	if uc.repo == nil || uc.store == nil || uc.embedder == nil {
		return nil, goerr.New("repository, object store and embedder are required")
	}
	if input.PatientID == "" || input.ScanType == "" {
		return nil, goerr.New("patient id and scan type are required",
			goerr.V("patient_id", input.PatientID), goerr.V("scan_type", input.ScanType))
	}
	if input.Image == nil {
		return nil, goerr.New("image is required")
	}
	logger := logging.From(ctx)

	c := &model.IngestionCandidate{
		PatientID: input.PatientID,
		Name:      input.Name,
		ScanType:  input.ScanType,
		Notes:     input.Notes,
	}
	if f, ok := input.Image.(model.ImageFile); ok {
		c.FilePath = f.Path
	}
	o := &Outcome{Candidate: c}

	count, err := uc.repo.CountScans(ctx, repository.ScanFilter{PatientID: c.PatientID, ScanType: c.ScanType})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to check existing scan", goerr.V("key", c.Key().String()))
	}
	if count > 0 {
		o.Status = StatusSkippedExists
		logger.Info("skip archived scan", "patient_id", c.PatientID, "scan_type", c.ScanType)
		return o, nil
	}

	logger.Info("processing scan", "patient_id", c.PatientID, "scan_type", c.ScanType)

	tctx, cancel := uc.withTimeout(ctx)
	defer cancel()

	record, stage, err := uc.build(tctx, semaphore.NewWeighted(1), c, func() (*scan.Normalized, error) {
		return uc.normalizeInput(input.Image)
	})
	if err != nil {
		o.fail(stage, err)
		return o, goerr.Wrap(err, "failed to ingest scan", goerr.V("key", c.Key().String()), goerr.V("stage", stage))
	}

	if err := uc.repo.PutScan(ctx, record); err != nil {
		o.fail("commit", err)
		return o, goerr.Wrap(err, "failed to save scan record", goerr.V("key", c.Key().String()))
	}

	o.Record = record
	o.Status = StatusCommitted
	logger.Info("scan archived", "patient_id", c.PatientID, "scan_type", c.ScanType, "id", record.ID)
	return o, nil
}

// normalizeInput resolves the image to pixels first. DICOM files go through
// the scan reader since the standard decoders cannot read them.
func (uc *UseCase) normalizeInput(input model.ImageInput) (*scan.Normalized, error) {
	if f, ok := input.(model.ImageFile); ok && !scan.IsRaster(f.Path) {
		return uc.normalizer.Normalize(f.Path)
	}

	img, err := model.ResolveImage(input)
	if err != nil {
		return nil, err
	}
	return uc.normalizer.FromImage(img)
}
