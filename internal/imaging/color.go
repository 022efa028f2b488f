package imaging

import (
	"image"

	"github.com/lucasb-eyer/go-colorful"
)

const (
	// blankSampleGrid is the number of sample points along each axis.
	blankSampleGrid = 16

	// blankTolerance is the largest CIE Lab distance still treated as the
	// same color. Lab distances are roughly 0..1 in go-colorful.
	blankTolerance = 0.02
)

// UniformityResult summarises how much color variation a sampled image has.
type UniformityResult struct {
	// Uniform is true when every sample is within tolerance of the first.
	Uniform bool `json:"uniform"`

	// Hex is the color of the first sample, "#rrggbb".
	Hex string `json:"hex"`

	// MaxDistance is the largest Lab distance seen from the first sample.
	MaxDistance float64 `json:"max_distance"`

	// Samples is the number of pixels compared.
	Samples int `json:"samples"`
}

// SampleUniformity samples a grid×grid lattice of pixels and compares each
// with the top-left sample in CIE Lab space. Fully transparent pixels are
// compared as black.
func SampleUniformity(img image.Image, grid int, tolerance float64) UniformityResult {
	b := img.Bounds()
	if grid <= 0 {
		grid = blankSampleGrid
	}
	if b.Dx() == 0 || b.Dy() == 0 {
		return UniformityResult{Uniform: true}
	}

	var ref colorful.Color
	res := UniformityResult{Uniform: true}
	for gy := 0; gy < grid; gy++ {
		y := b.Min.Y + (b.Dy()-1)*gy/max(grid-1, 1)
		for gx := 0; gx < grid; gx++ {
			x := b.Min.X + (b.Dx()-1)*gx/max(grid-1, 1)
			c, _ := colorful.MakeColor(img.At(x, y))
			if res.Samples == 0 {
				ref = c
				res.Hex = c.Hex()
			}
			res.Samples++
			if d := ref.DistanceLab(c); d > res.MaxDistance {
				res.MaxDistance = d
			}
		}
	}
	res.Uniform = res.MaxDistance < tolerance
	return res
}
