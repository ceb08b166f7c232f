package retrieve

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/adapter"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/repository"
	"github.com/m-mizutani/scanvault/pkg/utils/logging"
)

const (
	DefaultLimit     = 2
	DefaultOverFetch = 5
)

// UseCase looks scans up by identity, by identity and category, and by
// visual similarity
type UseCase struct {
	repo  repository.Repository
	store adapter.ObjectStore
}

func New(repo repository.Repository, store adapter.ObjectStore) *UseCase {
	return &UseCase{
		repo:  repo,
		store: store,
	}
}

// ByPatient returns every scan of a patient. No record is not an error.
func (uc *UseCase) ByPatient(ctx context.Context, patientID string) ([]*model.ScanRecord, error) {
	if patientID == "" {
		return nil, goerr.New("patient id is required")
	}

	records, err := uc.repo.FindScans(ctx, repository.ScanFilter{PatientID: patientID})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to find scans", goerr.V("patient_id", patientID))
	}

	logging.From(ctx).Debug("scans found", "patient_id", patientID, "count", len(records))
	return records, nil
}

// ByScan returns the single scan for (patientID, scanType), or
// model.ErrNotFound
func (uc *UseCase) ByScan(ctx context.Context, patientID, scanType string) (*model.ScanRecord, error) {
	if patientID == "" || scanType == "" {
		return nil, goerr.New("patient id and scan type are required")
	}

	records, err := uc.repo.FindScans(ctx, repository.ScanFilter{
		PatientID: patientID,
		ScanType:  scanType,
		Limit:     1,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to find scan", goerr.V("patient_id", patientID), goerr.V("scan_type", scanType))
	}
	if len(records) == 0 {
		return nil, goerr.Wrap(model.ErrNotFound, "no scan for patient and scan type",
			goerr.V("patient_id", patientID), goerr.V("scan_type", scanType))
	}

	return records[0], nil
}

// Image fetches the stored image payload of a record
func (uc *UseCase) Image(ctx context.Context, record *model.ScanRecord) ([]byte, error) {
	if uc.store == nil {
		return nil, goerr.New("object store is not configured")
	}
	if record == nil || record.ImageHandle == "" {
		return nil, goerr.Wrap(model.ErrNotFound, "record has no image handle")
	}

	data, err := uc.store.Get(ctx, record.ImageHandle)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get scan image",
			goerr.V("patient_id", record.PatientID), goerr.V("scan_type", record.ScanType))
	}
	return data, nil
}
