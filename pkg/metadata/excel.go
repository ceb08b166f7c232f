package metadata

import (
	"context"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/xuri/excelize/v2"
)

func (l *loader) loadExcel(ctx context.Context, path string) (model.MetadataLookup, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, goerr.Wrap(model.ErrMetadataUnavailable, "metadata file does not exist", goerr.V("path", path))
		}
		return nil, goerr.Wrap(err, "failed to stat metadata file", goerr.V("path", path))
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, goerr.Wrap(model.ErrMetadataMalformed, "failed to open spreadsheet",
			goerr.V("path", path), goerr.V("error", err.Error()))
	}
	defer f.Close()

	sheet := l.sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, goerr.Wrap(model.ErrMetadataMalformed, "spreadsheet has no sheet", goerr.V("path", path))
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, goerr.Wrap(model.ErrMetadataMalformed, "failed to read sheet",
			goerr.V("path", path), goerr.V("sheet", sheet), goerr.V("error", err.Error()))
	}

	return l.fromRows(ctx, path, rows)
}
