package repository

import (
	"context"
	"math"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
)

// Memory is an in-memory Repository implementation for testing. The ingest
// and query use cases run against it without a Firestore emulator. Like
// Firestore it enforces no uniqueness on (patient_id, scan_type); similarity
// is exact cosine over every stored vector. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	records []*model.ScanRecord
	indexes []int
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) match(r *model.ScanRecord, filter ScanFilter) bool {
	if filter.PatientID != "" && r.PatientID != filter.PatientID {
		return false
	}
	if len(filter.PatientIDs) > 0 {
		found := false
		for _, id := range filter.PatientIDs {
			if r.PatientID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.ScanType != "" && r.ScanType != filter.ScanType {
		return false
	}
	return true
}

func (m *Memory) FindScans(ctx context.Context, filter ScanFilter) ([]*model.ScanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []*model.ScanRecord
	for _, r := range m.records {
		if !m.match(r, filter) {
			continue
		}
		copied := *r
		found = append(found, &copied)
		if filter.Limit > 0 && len(found) >= filter.Limit {
			break
		}
	}
	return found, nil
}

func (m *Memory) CountScans(ctx context.Context, filter ScanFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, r := range m.records {
		if m.match(r, filter) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ExistingKeys(ctx context.Context, patientIDs []string) (map[model.ScanKey]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make(map[model.ScanKey]struct{})
	filter := ScanFilter{PatientIDs: patientIDs}
	if len(patientIDs) == 0 {
		return keys, nil
	}
	for _, r := range m.records {
		if m.match(r, filter) {
			keys[r.Key()] = struct{}{}
		}
	}
	return keys, nil
}

func (m *Memory) PutScan(ctx context.Context, record *model.ScanRecord) error {
	return m.PutScans(ctx, []*model.ScanRecord{record})
}

func (m *Memory) PutScans(ctx context.Context, records []*model.ScanRecord) error {
	if err := ctx.Err(); err != nil {
		return goerr.Wrap(model.Classify(model.ErrAdapterFailure, err), "failed to put scans")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, record := range records {
		prepare(record)
		copied := *record
		m.records = append(m.records, &copied)
	}
	return nil
}

func (m *Memory) SearchSimilarScans(ctx context.Context, vector firestore.Vector32, poolSize int) (model.MatchResult, error) {
	if len(vector) == 0 {
		return nil, goerr.Wrap(model.ErrMissingVector, "query vector is empty")
	}
	if poolSize <= 0 {
		return nil, goerr.New("pool size must be positive", goerr.V("pool_size", poolSize))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches model.MatchResult
	for _, r := range m.records {
		if len(r.ImageVector) != len(vector) {
			continue
		}
		matches = append(matches, model.Match{
			PatientID: r.PatientID,
			ScanType:  r.ScanType,
			Score:     CosineSimilarity(vector, r.ImageVector),
		})
	}

	matches.Sort()
	if len(matches) > poolSize {
		matches = matches[:poolSize]
	}
	return matches, nil
}

func (m *Memory) DefineVectorIndex(ctx context.Context, dimension int) (string, error) {
	if dimension <= 0 {
		return "", goerr.New("vector dimension must be positive", goerr.V("dimension", dimension))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.indexes {
		if d == dimension {
			return "", goerr.Wrap(model.ErrAlreadyExists, "vector index already exists", goerr.V("dimension", dimension))
		}
	}
	m.indexes = append(m.indexes, dimension)
	return "memory/" + time.Now().Format(time.RFC3339Nano), nil
}

func (m *Memory) DeleteAllScans(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.records)
	m.records = nil
	return n, nil
}

func (m *Memory) Close() error {
	return nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either is a zero vector or lengths differ
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
