package imaging

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Margins is the number of pixels removed from each edge.
type Margins struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// DefaultMargins strip window chrome from the top and the scrollbar from the
// right.
var DefaultMargins = Margins{Top: 60, Right: 20}

// Region is a rectangle with exclusive upper bounds.
type Region struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Rect converts the region to an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X1, r.Y1, r.X2, r.Y2)
}

// Region returns the area left after removing the margins from an image of
// the given size. ok is false when nothing would remain.
func (m Margins) Region(width, height int) (r Region, ok bool) {
	r = Region{X1: m.Left, Y1: m.Top, X2: width - m.Right, Y2: height - m.Bottom}
	if m.Top < 0 || m.Right < 0 || m.Bottom < 0 || m.Left < 0 {
		return Region{X1: 0, Y1: 0, X2: width, Y2: height}, false
	}
	if r.X1 >= r.X2 || r.Y1 >= r.Y2 {
		return Region{X1: 0, Y1: 0, X2: width, Y2: height}, false
	}
	return r, true
}

// IsZero reports whether no margin is set.
func (m Margins) IsZero() bool {
	return m == Margins{}
}

// Crop extracts a rectangular region from an image.
func Crop(img image.Image, region Region) (*image.NRGBA, error) {
	bounds := img.Bounds()

	if region.X1 < bounds.Min.X || region.Y1 < bounds.Min.Y || region.X2 > bounds.Max.X || region.Y2 > bounds.Max.Y {
		return nil, fmt.Errorf("crop region (%d,%d)-(%d,%d) outside image bounds (%d,%d)-(%d,%d)",
			region.X1, region.Y1, region.X2, region.Y2, bounds.Min.X, bounds.Min.Y, bounds.Max.X, bounds.Max.Y)
	}
	if region.X1 >= region.X2 || region.Y1 >= region.Y2 {
		return nil, fmt.Errorf("invalid crop region: x1 must be < x2, y1 must be < y2")
	}

	return imaging.Crop(img, region.Rect()), nil
}

// CropMargins removes m from img. If the margins do not fit, img is returned
// unchanged with cropped set to false.
func CropMargins(img *image.NRGBA, m Margins) (out *image.NRGBA, cropped bool, err error) {
	b := img.Bounds()
	region, ok := m.Region(b.Dx(), b.Dy())
	if !ok || m.IsZero() {
		return img, false, nil
	}
	region = Region{
		X1: region.X1 + b.Min.X, Y1: region.Y1 + b.Min.Y,
		X2: region.X2 + b.Min.X, Y2: region.Y2 + b.Min.Y,
	}
	out, err = Crop(img, region)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
