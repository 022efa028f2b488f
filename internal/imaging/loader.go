package imaging

import (
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"os"

	"github.com/disintegration/imaging"
)

// ImageInfo describes a decoded capture.
type ImageInfo struct {
	// Width is the image width in pixels.
	Width int `json:"width"`

	// Height is the image height in pixels.
	Height int `json:"height"`

	// Format is the decoder that read the file ("png", "jpeg", "gif").
	Format string `json:"format"`

	// FileSize is the size of the file on disk in bytes.
	FileSize int64 `json:"file_size"`
}

// LoadCanonical decodes the image at path and converts it to NRGBA.
//
// Errors:
//   - the file does not exist, is unreadable or is empty
//   - the content is not a PNG, JPEG or GIF image
//   - the image has zero width or height
func LoadCanonical(path string) (*image.NRGBA, *ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat image: %w", err)
	}
	if stat.Size() == 0 {
		return nil, nil, fmt.Errorf("image file %s is empty", path)
	}

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode image: %w", err)
	}

	canonical := imaging.Clone(img)
	b := canonical.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, nil, fmt.Errorf("image %s has no pixels", path)
	}

	return canonical, &ImageInfo{
		Width:    b.Dx(),
		Height:   b.Dy(),
		Format:   format,
		FileSize: stat.Size(),
	}, nil
}
