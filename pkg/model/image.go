package model

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/m-mizutani/goerr/v2"
)

// ImageInput is either an ImageFile or a DecodedImage. Use ResolveImage to
// obtain pixels before handing them to an embedder.
type ImageInput interface {
	imageInput()
}

// ImageFile refers to an encoded raster image on disk
type ImageFile struct {
	Path string
}

// DecodedImage carries pixels already in memory
type DecodedImage struct {
	Image image.Image
}

func (ImageFile) imageInput()    {}
func (DecodedImage) imageInput() {}

// ResolveImage turns any ImageInput into decoded pixels
func ResolveImage(input ImageInput) (image.Image, error) {
	switch v := input.(type) {
	case DecodedImage:
		if v.Image == nil {
			return nil, goerr.Wrap(ErrDecodeFailure, "decoded image is nil")
		}
		return v.Image, nil

	case ImageFile:
		f, err := os.Open(v.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, goerr.Wrap(ErrNotFound, "image file does not exist", goerr.V("path", v.Path))
			}
			return nil, goerr.Wrap(err, "failed to open image file", goerr.V("path", v.Path))
		}
		defer f.Close()

		img, _, err := image.Decode(f)
		if err != nil {
			return nil, goerr.Wrap(ErrDecodeFailure, "failed to decode image file", goerr.V("path", v.Path), goerr.V("error", err.Error()))
		}
		return img, nil

	case nil:
		return nil, goerr.New("image input is nil")

	default:
		return nil, goerr.New("unsupported image input", goerr.V("type", v))
	}
}
