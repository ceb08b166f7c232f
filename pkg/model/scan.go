package model

import (
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
)

type ScanID string

// NewScanID generates a new unique ScanID
func NewScanID() ScanID {
	return ScanID(uuid.New().String())
}

// ImageHandle is an opaque reference to a binary object held by the object store
type ImageHandle string

// ScanKey identifies one scan series of one patient. At most one ScanRecord
// exists per key in the archive.
type ScanKey struct {
	PatientID string
	ScanType  string
}

func (k ScanKey) String() string {
	return k.PatientID + "/" + k.ScanType
}

// ScanRecord is the archive's unit of storage
type ScanRecord struct {
	ID             ScanID
	PatientID      string
	Name           string
	ScanType       string
	ClinicianNotes string
	ImageHandle    ImageHandle
	ImageVector    firestore.Vector32
	SourcePath     string

	CreatedAt time.Time
}

func (r *ScanRecord) Key() ScanKey {
	return ScanKey{PatientID: r.PatientID, ScanType: r.ScanType}
}

// HasVector reports whether the record carries an embedding
func (r *ScanRecord) HasVector() bool {
	return r != nil && len(r.ImageVector) > 0
}

// IngestionCandidate is one scan series found by the dataset indexer and not
// yet archived. It is never persisted.
type IngestionCandidate struct {
	PatientID  string `json:"patient_id"`
	OriginalID string `json:"original_id"`
	Name       string `json:"name"`
	ScanType   string `json:"scan_type"`
	Notes      string `json:"notes"`
	FilePath   string `json:"file_path"`
}

func (c *IngestionCandidate) Key() ScanKey {
	return ScanKey{PatientID: c.PatientID, ScanType: c.ScanType}
}

// MetadataLookup maps a normalized raw identity to its clinician notes
type MetadataLookup map[string]string

// Lookup returns notes for the key and whether the key is annotated at all
func (m MetadataLookup) Lookup(key string) (string, bool) {
	notes, ok := m[key]
	return notes, ok
}
