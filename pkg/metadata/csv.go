package metadata

import (
	"context"
	"encoding/csv"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
)

func (l *loader) loadCSV(ctx context.Context, path string) (model.MetadataLookup, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, goerr.Wrap(model.ErrMetadataUnavailable, "metadata file does not exist", goerr.V("path", path))
		}
		return nil, goerr.Wrap(err, "failed to open metadata file", goerr.V("path", path))
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, goerr.Wrap(model.ErrMetadataMalformed, "failed to parse csv",
			goerr.V("path", path), goerr.V("error", err.Error()))
	}

	return l.fromRows(ctx, path, rows)
}
