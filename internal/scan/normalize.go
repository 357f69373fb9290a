// Package scan turns scanned answer sheets into clean page images.
package scan

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/pavelanni/papercheck/internal/model"
)

// Options tunes the normalizer. The zero Options means DefaultOptions.
// Otherwise Sigma and C are used as given, so 0 turns off the blur or the
// offset, while a BlockSize or CloseKernel below 1 takes its default.
type Options struct {
	// Sigma is the Gaussian blur applied before thresholding. 0 disables it.
	Sigma float64
	// BlockSize is the side of the square neighbourhood used for the local
	// mean. Even values are rounded up.
	BlockSize int
	// C is subtracted from the local mean. A pixel darker than the result is ink.
	C int
	// CloseKernel is the side of the square used to close gaps in strokes.
	// 1 disables closing.
	CloseKernel int
}

// DefaultOptions are tuned for phone photos and flatbed scans of handwriting.
var DefaultOptions = Options{Sigma: 1.1, BlockSize: 35, C: 15, CloseKernel: 1}

func (o Options) withDefaults() Options {
	if o == (Options{}) {
		o = DefaultOptions
	}
	if o.Sigma < 0 {
		o.Sigma = 0
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultOptions.BlockSize
	}
	if o.BlockSize%2 == 0 {
		o.BlockSize++
	}
	if o.CloseKernel <= 0 {
		o.CloseKernel = DefaultOptions.CloseKernel
	}
	return o
}

// Normalize converts a page to black ink on a white background. The result
// has the same size as img.
func Normalize(img image.Image, opts Options) *image.Gray {
	opts = opts.withDefaults()

	src := imaging.Grayscale(img)
	if opts.Sigma > 0 {
		src = imaging.Blur(src, opts.Sigma)
	}

	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	lum := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			lum[y*w+x] = row[x*4]
		}
	}

	ink := threshold(lum, w, h, opts.BlockSize, opts.C)
	if opts.CloseKernel > 1 {
		ink = closing(ink, w, h, opts.CloseKernel)
	}

	out := image.NewGray(image.Rect(0, 0, w, h))
	for i, isInk := range ink {
		if isInk {
			out.Pix[i] = 0
		} else {
			out.Pix[i] = 255
		}
	}
	return out
}

// threshold marks pixels darker than their local mean minus c.
func threshold(lum []uint8, w, h, block, c int) []bool {
	sums := integral(w, h, func(i int) int64 { return int64(lum[i]) })
	ink := make([]bool, w*h)
	r := block / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, n := sums.box(x-r, y-r, x+r, y+r)
			i := y*w + x
			ink[i] = int64(lum[i])*n < sum-int64(c)*n
		}
	}
	return ink
}

// closing is a dilation followed by an erosion with a k×k square.
func closing(ink []bool, w, h, k int) []bool {
	return erode(dilate(ink, w, h, k), w, h, k)
}

func dilate(ink []bool, w, h, k int) []bool {
	counts := integral(w, h, func(i int) int64 { return b2i(ink[i]) })
	out := make([]bool, len(ink))
	lo, hi := k/2, (k-1)/2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, _ := counts.box(x-lo, y-lo, x+hi, y+hi)
			out[y*w+x] = sum > 0
		}
	}
	return out
}

func erode(ink []bool, w, h, k int) []bool {
	counts := integral(w, h, func(i int) int64 { return b2i(ink[i]) })
	out := make([]bool, len(ink))
	// Mirror of dilate's window so that closing does not shift strokes.
	lo, hi := (k-1)/2, k/2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, n := counts.box(x-lo, y-lo, x+hi, y+hi)
			out[y*w+x] = sum == n
		}
	}
	return out
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// summed is a summed-area table with one row and column of zero padding.
type summed struct {
	w, h int
	v    []int64
}

func integral(w, h int, at func(i int) int64) summed {
	s := summed{w: w, h: h, v: make([]int64, (w+1)*(h+1))}
	stride := w + 1
	for y := 0; y < h; y++ {
		var row int64
		for x := 0; x < w; x++ {
			row += at(y*w + x)
			s.v[(y+1)*stride+x+1] = s.v[y*stride+x+1] + row
		}
	}
	return s
}

// box returns the sum and pixel count of the rectangle [x0,x1]×[y0,y1],
// clipped to the image.
func (s summed) box(x0, y0, x1, y1 int) (sum, n int64) {
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, s.w-1), min(y1, s.h-1)
	stride := s.w + 1
	sum = s.v[(y1+1)*stride+x1+1] - s.v[y0*stride+x1+1] - s.v[(y1+1)*stride+x0] + s.v[y0*stride+x0]
	return sum, int64((x1 - x0 + 1) * (y1 - y0 + 1))
}

// Decode reads a PNG, JPEG, GIF, TIFF or BMP image, applying EXIF rotation.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// NormalizeFile opens an image file and normalizes it.
func NormalizeFile(path string, opts Options) (*image.Gray, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return Normalize(img, opts), nil
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	if err := imaging.Encode(w, img, imaging.PNG); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

// NormalizeDocument normalizes an image document and returns it as a PNG
// with the same base name.
func NormalizeDocument(doc model.Document, opts Options) (model.Document, error) {
	img, err := Decode(bytes.NewReader(doc.Data))
	if err != nil {
		return model.Document{}, fmt.Errorf("%s: %w", doc.Name, err)
	}
	var buf bytes.Buffer
	if err := EncodePNG(&buf, Normalize(img, opts)); err != nil {
		return model.Document{}, fmt.Errorf("%s: %w", doc.Name, err)
	}
	name := strings.TrimSuffix(doc.Name, filepath.Ext(doc.Name)) + ".png"
	return model.Document{Name: name, MIMEType: "image/png", Data: buf.Bytes()}, nil
}
