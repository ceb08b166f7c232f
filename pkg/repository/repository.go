package repository

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/scanvault/pkg/model"
)

// ScanFilter selects scan records. Zero fields are not applied; PatientID and
// PatientIDs are mutually exclusive.
type ScanFilter struct {
	PatientID  string
	PatientIDs []string
	ScanType   string
	Limit      int
}

// Repository defines the interface for scan record persistence
type Repository interface {
	// FindScans retrieves records matching the filter
	FindScans(ctx context.Context, filter ScanFilter) ([]*model.ScanRecord, error)

	// CountScans counts records matching the filter
	CountScans(ctx context.Context, filter ScanFilter) (int64, error)

	// ExistingKeys returns the (patient_id, scan_type) pairs already archived for the given patients
	ExistingKeys(ctx context.Context, patientIDs []string) (map[model.ScanKey]struct{}, error)

	// PutScan saves a single record
	PutScan(ctx context.Context, record *model.ScanRecord) error

	// PutScans saves records in one all-or-nothing write
	PutScans(ctx context.Context, records []*model.ScanRecord) error

	// SearchSimilarScans returns up to poolSize nearest records by cosine similarity
	SearchSimilarScans(ctx context.Context, vector firestore.Vector32, poolSize int) (model.MatchResult, error)

	// DefineVectorIndex requests the vector index used by SearchSimilarScans
	// and returns the pending operation name
	DefineVectorIndex(ctx context.Context, dimension int) (string, error)

	// DeleteAllScans removes every record and returns how many were deleted
	DeleteAllScans(ctx context.Context) (int, error)

	Close() error
}
