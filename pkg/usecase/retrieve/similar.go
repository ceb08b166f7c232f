package retrieve

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/utils/logging"
)

// SimilarOptions tunes a similarity query
type SimilarOptions struct {
	// Limit is the number of matches returned
	Limit int
	// OverFetch multiplies Limit into the candidate pool asked of the index
	OverFetch int
	// ExcludePatient drops every scan of the anchor's patient, not only the
	// anchor itself
	ExcludePatient bool
}

func (o SimilarOptions) withDefaults() SimilarOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.OverFetch <= 0 {
		o.OverFetch = DefaultOverFetch
	}
	return o
}

// PoolSize is the number of neighbors requested from the index
func (o SimilarOptions) PoolSize() int {
	o = o.withDefaults()
	return o.Limit * o.OverFetch
}

// Similar returns scans nearest to the anchor by cosine similarity, best
// first. The anchor itself is never part of the result. An empty result comes
// with model.ErrEmptyResult; the index may still be building.
func (uc *UseCase) Similar(ctx context.Context, anchor *model.ScanRecord, opts SimilarOptions) (model.MatchResult, error) {
	if !anchor.HasVector() {
		var key string
		if anchor != nil {
			key = anchor.Key().String()
		}
		return nil, goerr.Wrap(model.ErrMissingVector, "anchor has no embedding", goerr.V("key", key))
	}
	opts = opts.withDefaults()
	logger := logging.From(ctx)

	pool, err := uc.repo.SearchSimilarScans(ctx, anchor.ImageVector, opts.PoolSize())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query similar scans",
			goerr.V("key", anchor.Key().String()), goerr.V("pool_size", opts.PoolSize()))
	}

	anchorKey := anchor.Key()
	result := make(model.MatchResult, 0, len(pool))
	for _, m := range pool {
		if m.Key() == anchorKey {
			continue
		}
		if opts.ExcludePatient && m.PatientID == anchor.PatientID {
			continue
		}
		result = append(result, m)
	}

	result.Sort()
	if len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	if len(result) == 0 {
		logger.Warn("similarity query returned no match, the vector index may still be building",
			"key", anchorKey.String(), "pool_size", opts.PoolSize())
		return result, goerr.Wrap(model.ErrEmptyResult, "no similar scan", goerr.V("key", anchorKey.String()))
	}

	logger.Debug("similar scans found", "key", anchorKey.String(), "pool", len(pool), "returned", len(result))
	return result, nil
}
