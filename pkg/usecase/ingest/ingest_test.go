package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/policy"
	"github.com/m-mizutani/scanvault/pkg/repository"
	"github.com/m-mizutani/scanvault/pkg/usecase/ingest"
)

// Mock object store
type mockStore struct {
	mu      sync.Mutex
	objects map[model.ImageHandle][]byte
	failOn  string
	// blockOn holds Put for that name until ctx is done
	blockOn string
}

func newMockStore() *mockStore {
	return &mockStore{objects: make(map[model.ImageHandle][]byte)}
}

func (m *mockStore) Put(ctx context.Context, data []byte, nameHint string) (model.ImageHandle, error) {
	if m.failOn != "" && nameHint == m.failOn {
		return "", goerr.New("bucket unavailable")
	}
	if m.blockOn != "" && nameHint == m.blockOn {
		<-ctx.Done()
		return "", ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	handle := model.ImageHandle(fmt.Sprintf("mem://%d/%s", len(m.objects), nameHint))
	m.objects[handle] = data
	return handle, nil
}

func (m *mockStore) Get(ctx context.Context, handle model.ImageHandle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[handle]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "object not found", goerr.V("handle", handle))
	}
	return data, nil
}

func (m *mockStore) DeleteAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.objects)
	m.objects = make(map[model.ImageHandle][]byte)
	return n, nil
}

func (m *mockStore) Close() error { return nil }

// Mock embedder returns a vector derived from mean brightness
type mockEmbedder struct {
	mu       sync.Mutex
	calls    int
	inFlight int
	maxSeen  int
	err      error
	// blockOn holds the n-th call (1-based) until ctx is done
	blockOn int
}

func (m *mockEmbedder) WarmUp(ctx context.Context) error { return nil }
func (m *mockEmbedder) Dimension() int                   { return 4 }

func (m *mockEmbedder) Embed(ctx context.Context, img image.Image) (firestore.Vector32, error) {
	m.mu.Lock()
	m.calls++
	m.inFlight++
	m.maxSeen = max(m.maxSeen, m.inFlight)
	call := m.calls
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.err != nil {
		return nil, m.err
	}
	if call == m.blockOn {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	b := img.Bounds()
	var sum float32
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			sum += float32(r >> 8)
		}
	}
	return firestore.Vector32{sum, 1, 0, 0}, nil
}

// failingRepository fails every batch commit
type failingRepository struct {
	*repository.Memory
}

func (f *failingRepository) PutScans(ctx context.Context, records []*model.ScanRecord) error {
	return goerr.New("deadline exceeded on commit")
}

func writePNG(t *testing.T, path string, brightness uint8) {
	t.Helper()
	gt.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = uint8(i) + brightness
	}
	f, err := os.Create(path)
	gt.NoError(t, err)
	gt.NoError(t, png.Encode(f, img))
	gt.NoError(t, f.Close())
}

func newCandidates(t *testing.T, dir string, n int) []*model.IngestionCandidate {
	t.Helper()
	candidates := make([]*model.IngestionCandidate, n)
	for i := range candidates {
		path := filepath.Join(dir, fmt.Sprintf("%d", i+1), "T1", "slice.png")
		writePNG(t, path, uint8(i*10))
		candidates[i] = &model.IngestionCandidate{
			PatientID:  fmt.Sprintf("PAT-%d", i+1),
			OriginalID: fmt.Sprintf("%d", i+1),
			Name:       fmt.Sprintf("Patient %d", i+1),
			ScanType:   "T1",
			Notes:      "no finding",
			FilePath:   path,
		}
	}
	return candidates
}

func assertUniqueKeys(t *testing.T, repo repository.Repository) {
	t.Helper()
	records, err := repo.FindScans(context.Background(), repository.ScanFilter{})
	gt.NoError(t, err)

	seen := make(map[model.ScanKey]struct{})
	for _, r := range records {
		_, dup := seen[r.Key()]
		gt.False(t, dup)
		seen[r.Key()] = struct{}{}
	}
}

func TestBulk(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := newMockStore()
	embedder := &mockEmbedder{}

	var progress []int
	var mu sync.Mutex
	uc := ingest.New(repo, store, embedder, ingest.WithProgress(func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, done)
		gt.Equal(t, total, 3)
	}))

	report, err := uc.Bulk(ctx, newCandidates(t, t.TempDir(), 3))
	gt.NoError(t, err)
	gt.Equal(t, report.Total(), 3)
	gt.Equal(t, report.Committed(), 3)
	gt.Equal(t, report.Batches, 1)
	gt.A(t, report.Failures()).Length(0)
	gt.A(t, progress).Length(3)

	records, err := repo.FindScans(ctx, repository.ScanFilter{PatientID: "PAT-2"})
	gt.NoError(t, err)
	gt.A(t, records).Length(1)
	gt.Equal(t, records[0].ScanType, "T1")
	gt.Equal(t, records[0].ClinicianNotes, "no finding")
	gt.A(t, records[0].ImageVector).Length(4)
	gt.True(t, records[0].ID != "")

	data, err := store.Get(ctx, records[0].ImageHandle)
	gt.NoError(t, err)
	gt.A(t, data).Longer(0)
}

func TestBulkIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	dir := t.TempDir()
	candidates := newCandidates(t, dir, 3)

	uc := ingest.New(repo, newMockStore(), &mockEmbedder{})

	first, err := uc.Bulk(ctx, candidates)
	gt.NoError(t, err)
	gt.Equal(t, first.Committed(), 3)

	second, err := uc.Bulk(ctx, candidates)
	gt.NoError(t, err)
	gt.Equal(t, second.Committed(), 0)
	gt.Equal(t, second.Skipped(), 3)
	gt.Equal(t, second.Batches, 0)

	n, err := repo.CountScans(ctx, repository.ScanFilter{})
	gt.NoError(t, err)
	gt.Equal(t, n, int64(3))
	assertUniqueKeys(t, repo)
}

func TestBulkDuplicateKeyInRun(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	candidates := newCandidates(t, t.TempDir(), 2)
	candidates[1].PatientID = candidates[0].PatientID

	report, err := ingest.New(repo, newMockStore(), &mockEmbedder{}).Bulk(ctx, candidates)
	gt.NoError(t, err)
	gt.Equal(t, report.Committed(), 1)
	gt.Equal(t, report.Outcomes[1].Status, ingest.StatusSkippedExists)
	assertUniqueKeys(t, repo)
}

func TestBulkFailureIsolation(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	dir := t.TempDir()
	candidates := newCandidates(t, dir, 3)

	broken := filepath.Join(dir, "2", "T1", "broken.png")
	gt.NoError(t, os.WriteFile(broken, []byte("not an image"), 0644))
	candidates[1].FilePath = broken

	report, err := ingest.New(repo, newMockStore(), &mockEmbedder{}).Bulk(ctx, candidates)
	gt.NoError(t, err)
	gt.Equal(t, report.Committed(), 2)

	failures := report.Failures()
	gt.A(t, failures).Length(1)
	gt.Equal(t, failures[0].Candidate.PatientID, "PAT-2")
	gt.Equal(t, failures[0].Stage, "normalize")
	gt.True(t, errors.Is(failures[0].Err, model.ErrDecodeFailure))
	gt.True(t, errors.Is(failures[0].Err, model.ErrMalformed))

	records := report.Records()
	gt.A(t, records).Length(2)
	gt.Equal(t, records[0].PatientID, "PAT-1")
	gt.Equal(t, records[1].PatientID, "PAT-3")

	n, err := repo.CountScans(ctx, repository.ScanFilter{PatientID: "PAT-2"})
	gt.NoError(t, err)
	gt.Equal(t, n, int64(0))
}

func TestBulkEmptyPixelData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	candidates := newCandidates(t, dir, 2)

	black := filepath.Join(dir, "black.png")
	f, err := os.Create(black)
	gt.NoError(t, err)
	gt.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, 4, 4))))
	gt.NoError(t, f.Close())
	candidates[0].FilePath = black

	report, err := ingest.New(repository.NewMemory(), newMockStore(), &mockEmbedder{}).Bulk(ctx, candidates)
	gt.NoError(t, err)
	gt.Equal(t, report.Committed(), 1)
	gt.True(t, errors.Is(report.Outcomes[0].Err, model.ErrEmptyPixelData))
}

func TestBulkAdapterFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("embedding", func(t *testing.T) {
		embedder := &mockEmbedder{err: goerr.New("model crashed")}
		report, err := ingest.New(repository.NewMemory(), newMockStore(), embedder).Bulk(ctx, newCandidates(t, t.TempDir(), 2))
		gt.NoError(t, err)
		gt.Equal(t, report.Committed(), 0)
		gt.A(t, report.Failures()).Length(2)
		gt.Equal(t, report.Failures()[0].Stage, "embed")
		gt.True(t, errors.Is(report.Failures()[0].Err, model.ErrEmbeddingFailure))
	})

	t.Run("upload", func(t *testing.T) {
		store := newMockStore()
		store.failOn = "PAT-1_T1.jpg"
		report, err := ingest.New(repository.NewMemory(), store, &mockEmbedder{}).Bulk(ctx, newCandidates(t, t.TempDir(), 2))
		gt.NoError(t, err)
		gt.Equal(t, report.Committed(), 1)
		gt.Equal(t, report.Outcomes[0].Stage, "upload")
		gt.True(t, errors.Is(report.Outcomes[0].Err, model.ErrAdapterFailure))
	})
}

func TestBulkTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("embedding", func(t *testing.T) {
		embedder := &mockEmbedder{blockOn: 2}
		uc := ingest.New(repository.NewMemory(), newMockStore(), embedder,
			ingest.WithConcurrency(1),
			ingest.WithTimeout(200*time.Millisecond),
		)

		report, err := uc.Bulk(ctx, newCandidates(t, t.TempDir(), 3))
		gt.NoError(t, err)
		gt.Equal(t, report.Committed(), 2)
		gt.Equal(t, report.Outcomes[0].Status, ingest.StatusCommitted)
		gt.Equal(t, report.Outcomes[2].Status, ingest.StatusCommitted)

		timedOut := report.Outcomes[1]
		gt.Equal(t, timedOut.Status, ingest.StatusFailed)
		gt.Equal(t, timedOut.Stage, "embed")
		gt.True(t, errors.Is(timedOut.Err, model.ErrAdapterFailure))
		gt.True(t, errors.Is(timedOut.Err, context.DeadlineExceeded))
	})

	t.Run("upload", func(t *testing.T) {
		store := newMockStore()
		store.blockOn = "PAT-3_T1.jpg"
		uc := ingest.New(repository.NewMemory(), store, &mockEmbedder{},
			ingest.WithConcurrency(2),
			ingest.WithTimeout(200*time.Millisecond),
		)

		report, err := uc.Bulk(ctx, newCandidates(t, t.TempDir(), 3))
		gt.NoError(t, err)
		gt.Equal(t, report.Committed(), 2)

		timedOut := report.Outcomes[2]
		gt.Equal(t, timedOut.Stage, "upload")
		gt.True(t, errors.Is(timedOut.Err, model.ErrAdapterFailure))
		gt.True(t, errors.Is(timedOut.Err, context.DeadlineExceeded))
	})
}

func TestBulkCommitFailure(t *testing.T) {
	ctx := context.Background()
	repo := &failingRepository{Memory: repository.NewMemory()}

	report, err := ingest.New(repo, newMockStore(), &mockEmbedder{}).Bulk(ctx, newCandidates(t, t.TempDir(), 3))
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrCommitFailed))
	gt.True(t, errors.Is(err, model.ErrAdapterFailure))
	gt.Equal(t, report.Committed(), 0)
	gt.A(t, report.Failures()).Length(3)
	gt.Equal(t, report.Failures()[0].Stage, "commit")

	n, err := repo.CountScans(ctx, repository.ScanFilter{})
	gt.NoError(t, err)
	gt.Equal(t, n, int64(0))
}

func TestBulkBatchesAndLimit(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	candidates := newCandidates(t, t.TempDir(), 5)

	uc := ingest.New(repo, newMockStore(), &mockEmbedder{},
		ingest.WithBatchSize(2),
		ingest.WithLimit(4),
	)
	report, err := uc.Bulk(ctx, candidates)
	gt.NoError(t, err)
	gt.Equal(t, report.Total(), 4)
	gt.Equal(t, report.Committed(), 4)
	gt.Equal(t, report.Batches, 2)

	n, err := repo.CountScans(ctx, repository.ScanFilter{PatientID: "PAT-5"})
	gt.NoError(t, err)
	gt.Equal(t, n, int64(0))
}

func TestBulkEmbedConcurrency(t *testing.T) {
	ctx := context.Background()
	embedder := &mockEmbedder{}

	uc := ingest.New(repository.NewMemory(), newMockStore(), embedder,
		ingest.WithConcurrency(8),
		ingest.WithEmbedConcurrency(1),
	)
	report, err := uc.Bulk(ctx, newCandidates(t, t.TempDir(), 6))
	gt.NoError(t, err)
	gt.Equal(t, report.Committed(), 6)
	gt.Equal(t, embedder.calls, 6)
	gt.Equal(t, embedder.maxSeen, 1)
}

func TestBulkCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	repo := repository.NewMemory()

	report, err := ingest.New(repo, newMockStore(), &mockEmbedder{}).Bulk(ctx, newCandidates(t, t.TempDir(), 3))
	gt.Error(t, err)
	gt.True(t, errors.Is(err, context.Canceled))
	gt.Equal(t, report.Committed(), 0)

	n, err := repo.CountScans(context.Background(), repository.ScanFilter{})
	gt.NoError(t, err)
	gt.Equal(t, n, int64(0))
}

func TestBulkPolicy(t *testing.T) {
	ctx := context.Background()
	intake, err := policy.New(ctx, map[string]string{
		"intake.rego": `package intake

default allow := false

allow if input.patient_id != "PAT-2"

reason := "excluded patient" if input.patient_id == "PAT-2"
`,
	})
	gt.NoError(t, err)

	report, err := ingest.New(repository.NewMemory(), newMockStore(), &mockEmbedder{}, ingest.WithPolicy(intake)).
		Bulk(ctx, newCandidates(t, t.TempDir(), 3))
	gt.NoError(t, err)
	gt.Equal(t, report.Committed(), 2)
	gt.Equal(t, report.Outcomes[1].Status, ingest.StatusSkippedPolicy)
	gt.Equal(t, report.Outcomes[1].Reason, "excluded patient")
}

func TestBulkMissingDependency(t *testing.T) {
	_, err := ingest.New(nil, newMockStore(), &mockEmbedder{}).Bulk(context.Background(), nil)
	gt.Error(t, err)
}

func TestSingle(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := newMockStore()
	uc := ingest.New(repo, store, &mockEmbedder{})

	path := filepath.Join(t.TempDir(), "hero_scan.png")
	writePNG(t, path, 30)

	input := ingest.SingleInput{
		PatientID: "PAT-007",
		Name:      "James Bond",
		ScanType:  "T2 Sagittal MRI",
		Image:     model.ImageFile{Path: path},
	}

	first, err := uc.Single(ctx, input)
	gt.NoError(t, err)
	gt.Equal(t, first.Status, ingest.StatusCommitted)
	gt.Equal(t, first.Record.SourcePath, path)

	second, err := uc.Single(ctx, input)
	gt.NoError(t, err)
	gt.Equal(t, second.Status, ingest.StatusSkippedExists)

	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.Pix[5] = 200
	input.ScanType = "T1 Axial MRI"
	input.Image = model.DecodedImage{Image: img}
	third, err := uc.Single(ctx, input)
	gt.NoError(t, err)
	gt.Equal(t, third.Status, ingest.StatusCommitted)

	n, err := repo.CountScans(ctx, repository.ScanFilter{PatientID: "PAT-007"})
	gt.NoError(t, err)
	gt.Equal(t, n, int64(2))
	assertUniqueKeys(t, repo)
}

func TestSingleErrors(t *testing.T) {
	ctx := context.Background()
	uc := ingest.New(repository.NewMemory(), newMockStore(), &mockEmbedder{})

	_, err := uc.Single(ctx, ingest.SingleInput{PatientID: "PAT-1", Image: model.ImageFile{Path: "x.png"}})
	gt.Error(t, err)

	_, err = uc.Single(ctx, ingest.SingleInput{PatientID: "PAT-1", ScanType: "T1"})
	gt.Error(t, err)

	o, err := uc.Single(ctx, ingest.SingleInput{
		PatientID: "PAT-1",
		ScanType:  "T1",
		Image:     model.ImageFile{Path: filepath.Join(t.TempDir(), "missing.png")},
	})
	gt.True(t, errors.Is(err, model.ErrNotFound))
	gt.Equal(t, o.Status, ingest.StatusFailed)
	gt.Equal(t, o.Stage, "normalize")
}
