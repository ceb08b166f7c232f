package ingest

import (
	"context"
	"image"
	"time"

	"github.com/m-mizutani/scanvault/pkg/adapter"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/policy"
	"github.com/m-mizutani/scanvault/pkg/repository"
	"github.com/m-mizutani/scanvault/pkg/scan"
)

const (
	DefaultConcurrency      = 4
	DefaultEmbedConcurrency = 1
	DefaultBatchSize        = 400
	MaxBatchSize            = 500
	DefaultTimeout          = 2 * time.Minute
)

// Normalizer converts a scan file or decoded pixels into a transportable image
type Normalizer interface {
	Normalize(path string) (*scan.Normalized, error)
	FromImage(img image.Image) (*scan.Normalized, error)
}

// ProgressFunc is called after each candidate resolves
type ProgressFunc func(done, total int)

// UseCase ingests scans into the archive
type UseCase struct {
	repo     repository.Repository
	store    adapter.ObjectStore
	embedder adapter.Embedder

	normalizer       Normalizer
	policy           *policy.Intake
	concurrency      int
	embedConcurrency int
	batchSize        int
	limit            int
	timeout          time.Duration
	progress         ProgressFunc
}

// Option is a functional option for UseCase
type Option func(*UseCase)

// WithConcurrency bounds how many candidates are processed at once
func WithConcurrency(n int) Option {
	return func(uc *UseCase) {
		if n > 0 {
			uc.concurrency = n
		}
	}
}

// WithEmbedConcurrency bounds concurrent embedder calls. Keep it at 1 unless
// the embedder is known to be safe for parallel use.
func WithEmbedConcurrency(n int) Option {
	return func(uc *UseCase) {
		if n > 0 {
			uc.embedConcurrency = n
		}
	}
}

// WithBatchSize sets how many records are committed in one atomic write
func WithBatchSize(n int) Option {
	return func(uc *UseCase) {
		if n > 0 {
			uc.batchSize = min(n, MaxBatchSize)
		}
	}
}

// WithLimit caps the number of candidates considered per run. Zero means no cap.
func WithLimit(n int) Option {
	return func(uc *UseCase) {
		if n >= 0 {
			uc.limit = n
		}
	}
}

// WithTimeout bounds normalize, embed and upload of one candidate
func WithTimeout(d time.Duration) Option {
	return func(uc *UseCase) {
		if d > 0 {
			uc.timeout = d
		}
	}
}

func WithPolicy(p *policy.Intake) Option {
	return func(uc *UseCase) {
		uc.policy = p
	}
}

func WithNormalizer(n Normalizer) Option {
	return func(uc *UseCase) {
		uc.normalizer = n
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(uc *UseCase) {
		uc.progress = fn
	}
}

// New creates a new ingest UseCase. The embedder must already be warmed up.
func New(
	repo repository.Repository,
	store adapter.ObjectStore,
	embedder adapter.Embedder,
	opts ...Option,
) *UseCase {
	uc := &UseCase{
		repo:             repo,
		store:            store,
		embedder:         embedder,
		normalizer:       scan.NewNormalizer(),
		concurrency:      DefaultConcurrency,
		embedConcurrency: DefaultEmbedConcurrency,
		batchSize:        DefaultBatchSize,
		timeout:          DefaultTimeout,
		progress:         func(int, int) {},
	}

	for _, opt := range opts {
		opt(uc)
	}

	return uc
}

// objectName is the readable part of a stored image's object name
func objectName(key model.ScanKey) string {
	return key.PatientID + "_" + key.ScanType + ".jpg"
}

func (uc *UseCase) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, uc.timeout)
}
