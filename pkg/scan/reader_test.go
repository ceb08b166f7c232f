package scan_test

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/scan"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/suyashkumar/dicom/pkg/uid"
)

func mustElement(t *testing.T, tg tag.Tag, data any) *dicom.Element {
	t.Helper()
	el, err := dicom.NewElement(tg, data)
	gt.NoError(t, err)
	return el
}

// writeDICOM stores a 16 bit single-sample series of rows x cols frames
func writeDICOM(t *testing.T, rows, cols int, frames [][]int) string {
	t.Helper()

	pixelFrames := make([]*frame.Frame, 0, len(frames))
	for _, values := range frames {
		data := make([][]int, len(values))
		for i, v := range values {
			data[i] = []int{v}
		}
		pixelFrames = append(pixelFrames, &frame.Frame{
			NativeData: frame.NativeFrame{
				BitsPerSample: 16,
				Rows:          rows,
				Cols:          cols,
				Data:          data,
			},
		})
	}

	ds := dicom.Dataset{Elements: []*dicom.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5.6.7"}),
		mustElement(t, tag.TransferSyntaxUID, []string{uid.ImplicitVRLittleEndian}),
		mustElement(t, tag.Rows, []int{rows}),
		mustElement(t, tag.Columns, []int{cols}),
		mustElement(t, tag.BitsAllocated, []int{16}),
		mustElement(t, tag.NumberOfFrames, []string{strconv.Itoa(len(frames))}),
		mustElement(t, tag.SamplesPerPixel, []int{1}),
		mustElement(t, tag.PixelData, dicom.PixelDataInfo{Frames: pixelFrames}),
	}}

	path := filepath.Join(t.TempDir(), "slice.dcm")
	f, err := os.Create(path)
	gt.NoError(t, err)
	gt.NoError(t, dicom.Write(f, ds))
	gt.NoError(t, f.Close())
	return path
}

func TestNormalizeDICOM(t *testing.T) {
	const rows, cols = 3, 4

	// outer frames peak at their first pixel, the middle one at its last
	outer := make([]int, rows*cols)
	outer[0] = 4000
	middle := make([]int, rows*cols)
	for i := range middle {
		middle[i] = i * 100
	}
	path := writeDICOM(t, rows, cols, [][]int{outer, middle, outer})

	out, err := scan.NewNormalizer(scan.WithColor(false)).Normalize(path)
	gt.NoError(t, err)
	gt.Equal(t, out.Image.Bounds(), image.Rect(0, 0, cols, rows))
	gt.A(t, out.Payload).Longer(0)

	gray, ok := out.Image.(*image.Gray)
	gt.True(t, ok)
	gt.Equal(t, gray.GrayAt(0, 0).Y, uint8(0))
	gt.Equal(t, gray.GrayAt(cols-1, rows-1).Y, uint8(255))

	prev := -1
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := int(gray.GrayAt(x, y).Y)
			gt.True(t, v >= 0 && v <= 255)
			gt.True(t, v > prev)
			prev = v
		}
	}
}

func TestNormalizeDICOMColor(t *testing.T) {
	values := []int{0, 512, 1024, 2048}
	path := writeDICOM(t, 2, 2, [][]int{values})

	out, err := scan.NewNormalizer().Normalize(path)
	gt.NoError(t, err)
	gt.Equal(t, out.Image.Bounds(), image.Rect(0, 0, 2, 2))

	r, g, b, _ := out.Image.At(1, 1).RGBA()
	gt.Equal(t, r>>8, uint32(255))
	gt.Equal(t, g, r)
	gt.Equal(t, b, r)
}

func TestNormalizeDICOMTruncated(t *testing.T) {
	path := writeDICOM(t, 2, 2, [][]int{{1, 2, 3, 4}})
	raw, err := os.ReadFile(path)
	gt.NoError(t, err)
	gt.NoError(t, os.WriteFile(path, raw[:len(raw)/2], 0644))

	_, err = scan.NewNormalizer().Normalize(path)
	gt.True(t, errors.Is(err, model.ErrDecodeFailure))
	gt.True(t, errors.Is(err, model.ErrMalformed))
}
