package scan

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
)

const DefaultJPEGQuality = 90

// PixelGrid is a single-channel intensity plane in row-major order. Values are
// raw detector units and may be negative.
type PixelGrid struct {
	Rows int
	Cols int
	Data []int
}

// Normalized is a scan ready for transport: pixels for the embedder and the
// encoded payload for the object store.
type Normalized struct {
	Image   image.Image
	Payload []byte
}

// Normalizer converts raw scan artifacts into Normalized images
type Normalizer struct {
	color   bool
	quality int
}

// Option configures Normalizer
type Option func(*Normalizer)

// WithColor forces 3-channel output for embedders that require color input
func WithColor(enabled bool) Option {
	return func(n *Normalizer) {
		n.color = enabled
	}
}

// WithQuality sets JPEG quality (1-100)
func WithQuality(quality int) Option {
	return func(n *Normalizer) {
		if quality >= 1 && quality <= 100 {
			n.quality = quality
		}
	}
}

func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		color:   true,
		quality: DefaultJPEGQuality,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize reads one scan file and returns its normalized image and JPEG payload
func (n *Normalizer) Normalize(path string) (*Normalized, error) {
	var (
		grid *PixelGrid
		err  error
	)

	if IsRaster(path) {
		grid, err = readRaster(path)
	} else {
		grid, err = readDICOM(path)
	}
	if err != nil {
		return nil, err
	}

	return n.FromGrid(grid)
}

// FromImage normalizes pixels that are already decoded
func (n *Normalizer) FromImage(img image.Image) (*Normalized, error) {
	if img == nil {
		return nil, goerr.Wrap(model.ErrDecodeFailure, "image is nil")
	}
	return n.FromGrid(luminance(img))
}

// IsRaster reports whether path is decoded as a plain raster image rather
// than DICOM
func IsRaster(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// FromGrid rescales and encodes an intensity plane
func (n *Normalizer) FromGrid(grid *PixelGrid) (*Normalized, error) {
	gray, err := Rescale(grid)
	if err != nil {
		return nil, err
	}

	var img image.Image = gray
	if n.color {
		rgba := image.NewRGBA(gray.Bounds())
		draw.Draw(rgba, rgba.Bounds(), gray, gray.Bounds().Min, draw.Src)
		img = rgba
	}

	payload, err := EncodeJPEG(img, n.quality)
	if err != nil {
		return nil, err
	}

	return &Normalized{Image: img, Payload: payload}, nil
}

// Rescale clamps negative intensities to zero and maps [0, max] onto [0, 255]
// using this image's own maximum.
func Rescale(grid *PixelGrid) (*image.Gray, error) {
	if grid == nil || grid.Rows <= 0 || grid.Cols <= 0 {
		return nil, goerr.Wrap(model.ErrDecodeFailure, "pixel grid has no dimension")
	}
	if len(grid.Data) < grid.Rows*grid.Cols {
		return nil, goerr.Wrap(model.ErrDecodeFailure, "pixel grid is shorter than its dimension",
			goerr.V("rows", grid.Rows), goerr.V("cols", grid.Cols), goerr.V("len", len(grid.Data)))
	}

	size := grid.Rows * grid.Cols
	maxValue := 0
	for _, v := range grid.Data[:size] {
		if v > maxValue {
			maxValue = v
		}
	}
	if maxValue <= 0 {
		return nil, goerr.Wrap(model.ErrEmptyPixelData, "pixel intensity range is zero")
	}

	img := image.NewGray(image.Rect(0, 0, grid.Cols, grid.Rows))
	for i, v := range grid.Data[:size] {
		if v < 0 {
			v = 0
		}
		img.Pix[(i/grid.Cols)*img.Stride+i%grid.Cols] = uint8(math.Round(float64(v) * 255 / float64(maxValue)))
	}

	return img, nil
}

// EncodeJPEG encodes img as JPEG
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, goerr.Wrap(err, "failed to encode jpeg")
	}
	return buf.Bytes(), nil
}

// luminance flattens any image into a PixelGrid
func luminance(img image.Image) *PixelGrid {
	b := img.Bounds()
	grid := &PixelGrid{
		Rows: b.Dy(),
		Cols: b.Dx(),
		Data: make([]int, 0, b.Dx()*b.Dy()),
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			grid.Data = append(grid.Data, int(g.Y))
		}
	}
	return grid
}
