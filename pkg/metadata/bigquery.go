package metadata

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
)

// loadBigQuery reads an annotation table. ref is project.dataset.table.
func (l *loader) loadBigQuery(ctx context.Context, ref string) (model.MetadataLookup, error) {
	if l.bq == nil {
		return nil, goerr.New("bigquery client is required for bq:// metadata source")
	}

	parts := strings.Split(ref, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, goerr.Wrap(model.ErrMetadataMalformed, "bigquery source must be project.dataset.table", goerr.V("source", ref))
	}
	project, dataset, table := parts[0], parts[1], parts[2]

	md, err := l.bq.GetTableMetadata(ctx, project, dataset, table)
	if err != nil {
		return nil, goerr.Wrap(model.ErrMetadataUnavailable, "failed to get metadata table",
			goerr.V("source", ref), goerr.V("error", err.Error()))
	}

	var hasID, hasNotes bool
	for _, field := range md.Schema {
		switch field.Name {
		case l.idColumn:
			hasID = true
		case l.notesColumn:
			hasNotes = true
		}
	}
	if !hasID {
		return nil, goerr.Wrap(model.ErrMetadataMalformed, "identity column not found",
			goerr.V("source", ref), goerr.V("column", l.idColumn))
	}
	if !hasNotes {
		return nil, goerr.Wrap(model.ErrMetadataMalformed, "notes column not found",
			goerr.V("source", ref), goerr.V("column", l.notesColumn))
	}

	rows, err := l.bq.ReadTable(ctx, project, dataset, table)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read metadata table", goerr.V("source", ref))
	}

	lookup := make(model.MetadataLookup, len(rows))
	for _, row := range rows {
		l.put(ctx, lookup, stringify(row[l.idColumn]), stringify(row[l.notesColumn]))
	}
	return lookup, nil
}
