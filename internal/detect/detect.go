// Package detect locates fiducial features (circles, rings, spots) in
// acquired frames and returns their sub-pixel offset from the image center
// in physical units, vertical axis inverted (image rows increase downward,
// physical Y increases upward).
package detect

import (
	"errors"
	"math"

	"microcal/internal/frame"
	"microcal/pkg/geometry"
)

// ErrNotFound is returned when a detector finds no matching feature.
// Callers branch on it explicitly for their retry policies; it is never a
// fatal condition by itself.
var ErrNotFound = errors.New("feature not found")

// stats returns mean and standard deviation of the frame's pixel values.
func stats(f *frame.Frame) (mean, stddev float64) {
	if len(f.Pix) == 0 {
		return 0, 0
	}
	for _, v := range f.Pix {
		mean += float64(v)
	}
	mean /= float64(len(f.Pix))

	var variance float64
	for _, v := range f.Pix {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(f.Pix))
	return mean, math.Sqrt(variance)
}

// BrightestPixelOffset returns the physical offset from the image center of
// the brightest pixel. It is the coarse re-centering fallback when precise
// spot detection fails.
func BrightestPixelOffset(f *frame.Frame) geometry.Point2D {
	bx, by := 0, 0
	best := f.Pix[0]
	for y := 0; y < f.H; y++ {
		for x := 0; x < f.W; x++ {
			if v := f.At(x, y); v > best {
				best = v
				bx, by = x, y
			}
		}
	}
	return f.ToPhysical(geometry.Point2D{X: float64(bx), Y: float64(by)})
}
