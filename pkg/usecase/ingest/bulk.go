package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/scan"
	"github.com/m-mizutani/scanvault/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Bulk archives candidates that are not in the archive yet. Existing keys are
// fetched once for all involved patients. Per-candidate failures are recorded
// in the report and never stop sibling candidates. Processed records are
// committed in batches of the configured size, each batch all-or-nothing;
// the first failed commit ends the run with model.ErrCommitFailed.
//
// The existing-key fetch is a snapshot: two runs over the same patients at
// the same time can both write the same key. Callers must serialize runs
// per archive.
func (uc *UseCase) Bulk(ctx context.Context, candidates []*model.IngestionCandidate) (*Report, error) {
	if uc.repo == nil || uc.store == nil || uc.embedder == nil {
		return nil, goerr.New("repository, object store and embedder are required")
	}
	logger := logging.From(ctx)

	if uc.limit > 0 && len(candidates) > uc.limit {
		logger.Info("limiting candidates", "total", len(candidates), "limit", uc.limit)
		candidates = candidates[:uc.limit]
	}

	report := &Report{Outcomes: make([]*Outcome, len(candidates))}
	for i, c := range candidates {
		report.Outcomes[i] = &Outcome{Candidate: c}
	}

	allowed, err := uc.filterPolicy(ctx, report.Outcomes)
	if err != nil {
		return nil, err
	}

	work, err := uc.filterExisting(ctx, allowed)
	if err != nil {
		return nil, err
	}
	if len(work) == 0 {
		logger.Info("nothing to ingest, all candidates are archived or skipped", "candidates", len(candidates))
		return report, nil
	}

	logger.Info("processing new scans", "count", len(work), "concurrency", uc.concurrency)
	uc.process(ctx, work)

	if err := ctx.Err(); err != nil {
		return report, goerr.Wrap(err, "ingestion canceled before commit, nothing was committed",
			goerr.V("processed", report.count(StatusPending)))
	}

	if err := uc.commit(ctx, report); err != nil {
		return report, err
	}

	logger.Info("ingestion completed",
		"total", report.Total(),
		"committed", report.Committed(),
		"skipped", report.Skipped(),
		"failed", len(report.Failures()),
		"batches", report.Batches,
	)
	return report, nil
}

func (uc *UseCase) filterPolicy(ctx context.Context, outcomes []*Outcome) ([]*Outcome, error) {
	if uc.policy == nil {
		return outcomes, nil
	}

	allowed := make([]*Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		decision, err := uc.policy.Evaluate(ctx, o.Candidate)
		if err != nil {
			return nil, err
		}
		if !decision.Allow {
			o.Status = StatusSkippedPolicy
			o.Reason = decision.Reason
			logging.From(ctx).Debug("skip scan by intake policy",
				"patient_id", o.Candidate.PatientID, "scan_type", o.Candidate.ScanType, "reason", decision.Reason)
			continue
		}
		allowed = append(allowed, o)
	}
	return allowed, nil
}

// filterExisting drops candidates whose key is archived or appeared earlier
// in the same run
func (uc *UseCase) filterExisting(ctx context.Context, outcomes []*Outcome) ([]*Outcome, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}

	var patients []string
	seenPatient := make(map[string]struct{})
	for _, o := range outcomes {
		if _, ok := seenPatient[o.Candidate.PatientID]; ok {
			continue
		}
		seenPatient[o.Candidate.PatientID] = struct{}{}
		patients = append(patients, o.Candidate.PatientID)
	}

	existing, err := uc.repo.ExistingKeys(ctx, patients)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to fetch existing scan keys", goerr.V("patients", len(patients)))
	}

	seen := make(map[model.ScanKey]struct{}, len(existing)+len(outcomes))
	for key := range existing {
		seen[key] = struct{}{}
	}

	work := make([]*Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		key := o.Candidate.Key()
		if _, ok := seen[key]; ok {
			o.Status = StatusSkippedExists
			logging.From(ctx).Info("skip archived scan", "patient_id", key.PatientID, "scan_type", key.ScanType)
			continue
		}
		seen[key] = struct{}{}
		work = append(work, o)
	}
	return work, nil
}

func (uc *UseCase) process(ctx context.Context, work []*Outcome) {
	var g errgroup.Group
	g.SetLimit(uc.concurrency)
	sem := semaphore.NewWeighted(int64(uc.embedConcurrency))

	var done atomic.Int64
	for _, o := range work {
		g.Go(func() error {
			defer func() { uc.progress(int(done.Add(1)), len(work)) }()

			if err := ctx.Err(); err != nil {
				o.fail("canceled", err)
				return nil
			}
			uc.processOne(ctx, sem, o)
			return nil
		})
	}
	_ = g.Wait()
}

func (uc *UseCase) processOne(ctx context.Context, sem *semaphore.Weighted, o *Outcome) {
	ctx, cancel := uc.withTimeout(ctx)
	defer cancel()

	c := o.Candidate
	record, stage, err := uc.build(ctx, sem, c, func() (*scan.Normalized, error) {
		return uc.normalizer.Normalize(c.FilePath)
	})
	if err != nil {
		o.fail(stage, err)
		logFailure(ctx, o)
		return
	}

	o.Record = record
	o.Status = StatusPending
}

// build runs normalize, embed and upload for one candidate and returns the
// record ready to commit. On failure it names the stage that failed.
func (uc *UseCase) build(ctx context.Context, sem *semaphore.Weighted, c *model.IngestionCandidate, normalize func() (*scan.Normalized, error)) (*model.ScanRecord, string, error) {
	normalized, err := normalize()
	if err != nil {
		return nil, "normalize", err
	}
	if err := ctx.Err(); err != nil {
		return nil, "normalize", timeoutError(err)
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, "embed", timeoutError(err)
	}
	vector, err := uc.embedder.Embed(ctx, normalized.Image)
	sem.Release(1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "embed", timeoutError(ctx.Err())
		}
		if !errors.Is(err, model.ErrAdapterFailure) {
			err = model.Classify(model.ErrEmbeddingFailure, err)
		}
		return nil, "embed", err
	}

	ctx = logging.WithAttrs(ctx, "patient_id", c.PatientID, "scan_type", c.ScanType)
	logging.From(ctx).Debug("scan embedded", "dimension", len(vector), "bytes", len(normalized.Payload))

	handle, err := uc.store.Put(ctx, normalized.Payload, objectName(c.Key()))
	if err != nil {
		if ctx.Err() != nil {
			return nil, "upload", timeoutError(ctx.Err())
		}
		if !errors.Is(err, model.ErrAdapterFailure) {
			err = model.Classify(model.ErrAdapterFailure, err)
		}
		return nil, "upload", err
	}

	return &model.ScanRecord{
		ID:             model.NewScanID(),
		PatientID:      c.PatientID,
		Name:           c.Name,
		ScanType:       c.ScanType,
		ClinicianNotes: c.Notes,
		ImageHandle:    handle,
		ImageVector:    vector,
		SourcePath:     c.FilePath,
		CreatedAt:      time.Now(),
	}, "", nil
}

func (uc *UseCase) commit(ctx context.Context, report *Report) error {
	var pending []*Outcome
	for _, o := range report.Outcomes {
		if o.Status == StatusPending {
			pending = append(pending, o)
		}
	}
	if len(pending) == 0 {
		logging.From(ctx).Info("no valid record to commit")
		return nil
	}

	for start := 0; start < len(pending); start += uc.batchSize {
		batch := pending[start:min(start+uc.batchSize, len(pending))]
		records := make([]*model.ScanRecord, len(batch))
		for i, o := range batch {
			records[i] = o.Record
		}

		if err := uc.repo.PutScans(ctx, records); err != nil {
			for _, o := range pending[start:] {
				o.fail("commit", err)
			}
			return goerr.Wrap(model.Classify(model.ErrCommitFailed, err), "failed to commit batch",
				goerr.V("batch", report.Batches+1), goerr.V("records", len(records)),
				goerr.V("not_committed", len(pending)-start))
		}

		for _, o := range batch {
			o.Status = StatusCommitted
		}
		report.Batches++
		logging.From(ctx).Info("batch committed", "batch", report.Batches, "records", len(records))
	}

	return nil
}

func (o *Outcome) fail(stage string, err error) {
	o.Status = StatusFailed
	o.Stage = stage
	o.Err = err
	o.Reason = err.Error()
}

func timeoutError(err error) error {
	return model.Classify(model.ErrAdapterFailure, err)
}

// logFailure logs enough context to re-run one candidate by hand. Errors
// outside the taxonomy point at a bug rather than bad data and are logged
// as errors.
func logFailure(ctx context.Context, o *Outcome) {
	attrs := []any{
		"patient_id", o.Candidate.PatientID,
		"scan_type", o.Candidate.ScanType,
		"path", o.Candidate.FilePath,
		"stage", o.Stage,
		"error", o.Err,
	}

	switch {
	case errors.Is(o.Err, model.ErrMalformed),
		errors.Is(o.Err, model.ErrNotFound),
		errors.Is(o.Err, model.ErrAdapterFailure):
		logging.From(ctx).Warn("failed to ingest scan", attrs...)
	default:
		logging.From(ctx).Error("unexpected error while ingesting scan", attrs...)
	}
}
