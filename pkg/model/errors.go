package model

import (
	"github.com/m-mizutani/goerr/v2"
)

// Error taxonomy. Sub-kinds wrap their parent so errors.Is matches both.
// IDs let copies made by Classify match the sentinel.
var (
	ErrNotFound       = goerr.New("not found", goerr.ID("not_found"))
	ErrMalformed      = goerr.New("malformed", goerr.ID("malformed"))
	ErrAlreadyExists  = goerr.New("already exists", goerr.ID("already_exists"))
	ErrAdapterFailure = goerr.New("adapter failure", goerr.ID("adapter_failure"))
	ErrEmptyResult    = goerr.New("empty result", goerr.ID("empty_result"))

	ErrMetadataUnavailable = goerr.Wrap(ErrNotFound, "metadata unavailable", goerr.ID("metadata_unavailable"))
	ErrMetadataMalformed   = goerr.Wrap(ErrMalformed, "metadata malformed", goerr.ID("metadata_malformed"))
	ErrDecodeFailure       = goerr.Wrap(ErrMalformed, "decode failure", goerr.ID("decode_failure"))
	ErrEmptyPixelData      = goerr.Wrap(ErrMalformed, "empty pixel data", goerr.ID("empty_pixel_data"))
	ErrEmbeddingFailure    = goerr.Wrap(ErrAdapterFailure, "embedding failure", goerr.ID("embedding_failure"))
	ErrCommitFailed        = goerr.Wrap(ErrAdapterFailure, "batch commit failed", goerr.ID("commit_failed"))

	ErrMissingVector = goerr.New("anchor record has no image vector", goerr.ID("missing_vector"))
)

// Classify tags err with a taxonomy kind. The kind and each of its parents
// are re-applied around err, so errors.Is matches all of them while err stays
// the innermost cause and its goerr values are kept.
func Classify(kind, err error) error {
	if err == nil {
		return nil
	}

	var chain []*goerr.Error
	for k := goerr.Unwrap(kind); k != nil; k = goerr.Unwrap(k.Unwrap()) {
		chain = append(chain, k)
	}
	if len(chain) == 0 {
		return goerr.Wrap(err, kind.Error())
	}

	classified := err
	for i := len(chain) - 1; i >= 0; i-- {
		classified = chain[i].Wrap(classified)
	}
	return classified
}
