package imaging

import (
	"image"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/transform"
)

// ocrMinWidth is the width below which the OCR copy is upscaled. Tesseract
// reads small UI fonts poorly at native resolution.
const ocrMinWidth = 1000

// ocrContrast is the contrast change applied to the OCR copy (-1..1).
const ocrContrast = 0.3

// OCRWorkingCopy derives the image handed to text extraction: grayscale,
// contrast boosted and, for narrow captures, upscaled 2x.
func OCRWorkingCopy(img image.Image) *image.RGBA {
	gray := effect.Grayscale(img)
	out := adjust.Contrast(gray, ocrContrast)

	b := out.Bounds()
	if b.Dx() > 0 && b.Dx() < ocrMinWidth {
		out = transform.Resize(out, b.Dx()*2, b.Dy()*2, transform.Linear)
	}
	return out
}
