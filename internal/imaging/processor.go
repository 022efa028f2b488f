package imaging

import (
	"context"
	"fmt"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

// PathAllocator hands out file paths owned by the current run.
type PathAllocator interface {
	Path(suffix string) (string, error)
}

// ProcessResult is the output of Processor.Process.
type ProcessResult struct {
	// PNG is the delivered image.
	PNG []byte

	// Width and Height are the dimensions of the delivered image.
	Width  int
	Height int

	// Source describes the raw capture.
	Source ImageInfo

	// Cropped is false when the margins did not fit and the full image was kept.
	Cropped bool

	// Blank is set when the capture looks like a single flat color.
	Blank bool

	// WorkingCopyPath is the grayscale copy for OCR.
	WorkingCopyPath string
}

// Processor normalizes and crops raw captures.
type Processor struct {
	margins Margins
	log     logrus.FieldLogger
}

// NewProcessor returns a processor cropping the given margins.
func NewProcessor(margins Margins, log logrus.FieldLogger) *Processor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Processor{margins: margins, log: log}
}

// Process decodes rawPath, crops it, encodes the PNG payload and writes the
// OCR working copy to a path from files. ctx is checked between steps.
func (p *Processor) Process(ctx context.Context, rawPath string, files PathAllocator) (*ProcessResult, error) {
	canonical, info, err := LoadCanonical(rawPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, cropped, err := CropMargins(canonical, p.margins)
	if err != nil {
		return nil, err
	}
	if !cropped && !p.margins.IsZero() {
		p.log.WithFields(logrus.Fields{
			"width":   info.Width,
			"height":  info.Height,
			"margins": p.margins,
		}).Warn("capture smaller than crop margins, keeping full image")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := EncodePNG(out)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u := SampleUniformity(out, blankSampleGrid, blankTolerance)
	if u.Uniform {
		p.log.WithFields(logrus.Fields{"color": u.Hex, "samples": u.Samples}).
			Warn("capture appears blank")
	}

	working := OCRWorkingCopy(out)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	workPath, err := files.Path("_ocr.png")
	if err != nil {
		return nil, fmt.Errorf("allocate working copy: %w", err)
	}
	if err := imaging.Save(working, workPath); err != nil {
		return nil, fmt.Errorf("save working copy: %w", err)
	}

	b := out.Bounds()
	return &ProcessResult{
		PNG:             payload,
		Width:           b.Dx(),
		Height:          b.Dy(),
		Source:          *info,
		Cropped:         cropped,
		Blank:           u.Uniform,
		WorkingCopyPath: workPath,
	}, nil
}
