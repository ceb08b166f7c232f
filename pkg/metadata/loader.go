package metadata

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/adapter"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/utils/logging"
)

const (
	DefaultIDColumn    = "Patient ID"
	DefaultNotesColumn = "Clinician's Notes"

	bigQueryScheme = "bq://"
)

type loader struct {
	idColumn    string
	notesColumn string
	sheet       string
	bq          adapter.BigQuery
}

// Option configures Load
type Option func(*loader)

// WithIDColumn sets the header of the identity column
func WithIDColumn(name string) Option {
	return func(l *loader) {
		l.idColumn = name
	}
}

// WithNotesColumn sets the header of the clinician notes column
func WithNotesColumn(name string) Option {
	return func(l *loader) {
		l.notesColumn = name
	}
}

// WithSheet selects a spreadsheet sheet. The first sheet is used by default.
func WithSheet(name string) Option {
	return func(l *loader) {
		l.sheet = name
	}
}

// WithBigQuery sets the client used for bq:// sources
func WithBigQuery(bq adapter.BigQuery) Option {
	return func(l *loader) {
		l.bq = bq
	}
}

// Load reads a tabular metadata source once and returns the identity→notes
// lookup. Supported sources are .xlsx and .csv files, and BigQuery tables
// written as bq://project.dataset.table.
func Load(ctx context.Context, source string, opts ...Option) (model.MetadataLookup, error) {
	l := &loader{
		idColumn:    DefaultIDColumn,
		notesColumn: DefaultNotesColumn,
	}
	for _, opt := range opts {
		opt(l)
	}

	var (
		lookup model.MetadataLookup
		err    error
	)

	switch {
	case strings.HasPrefix(source, bigQueryScheme):
		lookup, err = l.loadBigQuery(ctx, strings.TrimPrefix(source, bigQueryScheme))
	case strings.EqualFold(filepath.Ext(source), ".xlsx"):
		lookup, err = l.loadExcel(ctx, source)
	case strings.EqualFold(filepath.Ext(source), ".csv"):
		lookup, err = l.loadCSV(ctx, source)
	default:
		return nil, goerr.Wrap(model.ErrMetadataMalformed, "unsupported metadata source", goerr.V("source", source))
	}
	if err != nil {
		return nil, err
	}

	logging.From(ctx).Info("metadata loaded", "source", source, "patients", len(lookup))
	return lookup, nil
}

// fromRows builds a lookup from a header row followed by data rows
func (l *loader) fromRows(ctx context.Context, source string, rows [][]string) (model.MetadataLookup, error) {
	if len(rows) == 0 {
		return nil, goerr.Wrap(model.ErrMetadataMalformed, "metadata source has no header row", goerr.V("source", source))
	}

	idIdx, notesIdx := -1, -1
	for i, name := range rows[0] {
		switch strings.TrimSpace(name) {
		case l.idColumn:
			idIdx = i
		case l.notesColumn:
			notesIdx = i
		}
	}
	if idIdx < 0 {
		return nil, goerr.Wrap(model.ErrMetadataMalformed, "identity column not found",
			goerr.V("source", source), goerr.V("column", l.idColumn))
	}
	if notesIdx < 0 {
		return nil, goerr.Wrap(model.ErrMetadataMalformed, "notes column not found",
			goerr.V("source", source), goerr.V("column", l.notesColumn))
	}

	lookup := make(model.MetadataLookup, len(rows)-1)
	for _, row := range rows[1:] {
		l.put(ctx, lookup, cell(row, idIdx), cell(row, notesIdx))
	}
	return lookup, nil
}

func (l *loader) put(ctx context.Context, lookup model.MetadataLookup, rawID, notes string) {
	key := model.NormalizeIdentity(rawID)
	if key == "" {
		return
	}
	if _, ok := lookup[key]; ok {
		logging.From(ctx).Debug("duplicated identity in metadata, last row wins", "id", key)
	}
	lookup[key] = strings.TrimSpace(notes)
}

func cell(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return row[idx]
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
