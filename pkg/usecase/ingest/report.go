package ingest

import (
	"github.com/m-mizutani/scanvault/pkg/model"
)

// Status is how one candidate resolved
type Status string

const (
	StatusCommitted     Status = "committed"
	StatusSkippedExists Status = "skipped_exists"
	StatusSkippedPolicy Status = "skipped_policy"
	StatusFailed        Status = "failed"
	// StatusPending is a processed record whose batch was not committed
	StatusPending Status = "pending"
)

// Outcome is the typed per-candidate result of a run
type Outcome struct {
	Candidate *model.IngestionCandidate
	Status    Status
	// Stage names the step that failed: normalize, embed, upload or commit
	Stage  string
	Reason string
	Record *model.ScanRecord
	Err    error
}

// Report collects outcomes of one ingestion run in input order
type Report struct {
	Outcomes []*Outcome
	// Batches is the number of successfully committed batches
	Batches int
}

func (r *Report) count(status Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

func (r *Report) Total() int {
	return len(r.Outcomes)
}

func (r *Report) Committed() int {
	return r.count(StatusCommitted)
}

func (r *Report) Skipped() int {
	return r.count(StatusSkippedExists) + r.count(StatusSkippedPolicy)
}

// Failures returns outcomes that failed, including those lost to a failed commit
func (r *Report) Failures() []*Outcome {
	var failed []*Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Records returns records of committed outcomes in input order
func (r *Report) Records() []*model.ScanRecord {
	var records []*model.ScanRecord
	for _, o := range r.Outcomes {
		if o.Status == StatusCommitted {
			records = append(records, o.Record)
		}
	}
	return records
}
