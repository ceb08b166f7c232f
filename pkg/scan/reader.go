package scan

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func readRaster(path string) (*PixelGrid, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, goerr.Wrap(model.ErrNotFound, "scan file does not exist", goerr.V("path", path))
		}
		return nil, goerr.Wrap(err, "failed to open scan file", goerr.V("path", path))
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, goerr.Wrap(model.ErrDecodeFailure, "failed to decode raster scan",
			goerr.V("path", path), goerr.V("error", err.Error()))
	}
	return luminance(img), nil
}

// readDICOM extracts the middle frame of a DICOM file's pixel data. Native
// frames use their first sample; encapsulated frames are decoded as images.
func readDICOM(path string) (grid *PixelGrid, err error) {
	// the dicom parser panics on some truncated inputs
	defer func() {
		if r := recover(); r != nil {
			grid = nil
			err = goerr.Wrap(model.ErrDecodeFailure, "dicom parser panicked", goerr.V("path", path), goerr.V("panic", r))
		}
	}()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, goerr.Wrap(model.ErrNotFound, "scan file does not exist", goerr.V("path", path))
		}
		return nil, goerr.Wrap(err, "failed to stat scan file", goerr.V("path", path))
	}

	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, goerr.Wrap(model.ErrDecodeFailure, "failed to parse dicom",
			goerr.V("path", path), goerr.V("error", err.Error()))
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, goerr.Wrap(model.ErrDecodeFailure, "dicom has no pixel data",
			goerr.V("path", path), goerr.V("error", err.Error()))
	}

	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		return nil, goerr.Wrap(model.ErrDecodeFailure, "dicom pixel data has no frame", goerr.V("path", path))
	}

	fr := info.Frames[len(info.Frames)/2]
	if fr.Encapsulated {
		img, _, err := image.Decode(bytes.NewReader(fr.EncapsulatedData.Data))
		if err != nil {
			return nil, goerr.Wrap(model.ErrDecodeFailure, "failed to decode encapsulated frame",
				goerr.V("path", path), goerr.V("error", err.Error()))
		}
		return luminance(img), nil
	}

	native := fr.NativeData
	if native.Rows <= 0 || native.Cols <= 0 || len(native.Data) < native.Rows*native.Cols {
		return nil, goerr.Wrap(model.ErrDecodeFailure, "native frame is inconsistent with its dimension",
			goerr.V("path", path), goerr.V("rows", native.Rows), goerr.V("cols", native.Cols))
	}

	grid = &PixelGrid{
		Rows: native.Rows,
		Cols: native.Cols,
		Data: make([]int, native.Rows*native.Cols),
	}
	for i := range grid.Data {
		if len(native.Data[i]) == 0 {
			return nil, goerr.Wrap(model.ErrDecodeFailure, "native pixel has no sample", goerr.V("path", path), goerr.V("index", i))
		}
		grid.Data[i] = native.Data[i][0]
	}

	return grid, nil
}
