package calib

import (
	"gocv.io/x/gocv"

	"microcal/internal/detect"
	"microcal/internal/estimate"
	"microcal/internal/frame"
	"microcal/pkg/geometry"
)

// Finder bundles the image measurements the pipeline performs. The live
// implementation delegates to the detect and estimate packages; tests swap
// in stubs to script detection outcomes.
type Finder interface {
	// Circle locates a dark circular hole, returning its physical offset
	// from the frame center.
	Circle(f *frame.Frame, expectedRadiusPx, tolerancePx float64) (geometry.Point2D, error)
	// Ring locates the bright lens ring.
	Ring(f *frame.Frame) (geometry.Point2D, error)
	// Spot locates a single bright calibration spot.
	Spot(f *frame.Frame) (geometry.Point2D, error)
	// Brightest returns the physical offset of the brightest pixel. It is
	// the coarse rescue used when Spot fails.
	Brightest(f *frame.Frame) geometry.Point2D
	// Shift measures the translation between two frames of the same scene.
	Shift(a, b *frame.Frame, marginPx int) (geometry.Point2D, error)
	// Sharpness scores focus quality; higher is sharper.
	Sharpness(f *frame.Frame) float64
}

// liveFinder is the production Finder.
type liveFinder struct{}

// NewFinder returns the Finder backed by the real detectors.
func NewFinder() Finder { return liveFinder{} }

func (liveFinder) Circle(f *frame.Frame, expectedRadiusPx, tolerancePx float64) (geometry.Point2D, error) {
	return detect.FindCircle(f, expectedRadiusPx, tolerancePx, true)
}

func (liveFinder) Ring(f *frame.Frame) (geometry.Point2D, error) {
	return detect.FindRing(f)
}

func (liveFinder) Spot(f *frame.Frame) (geometry.Point2D, error) {
	return detect.FindSpot(f)
}

func (liveFinder) Brightest(f *frame.Frame) geometry.Point2D {
	return detect.BrightestPixelOffset(f)
}

func (liveFinder) Shift(a, b *frame.Frame, marginPx int) (geometry.Point2D, error) {
	return estimate.PhaseCorrelationShift(a, b, marginPx)
}

// Sharpness is the variance of the Laplacian, the usual contrast-based
// focus metric. Defocus suppresses high frequencies, so the variance drops
// monotonically away from best focus.
func (liveFinder) Sharpness(f *frame.Frame) float64 {
	src := f.ToMat8U()
	defer src.Close()
	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(src, &lap, gocv.MatTypeCV64F, 3, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(lap, &mean, &stddev)
	sd := stddev.GetDoubleAt(0, 0)
	return sd * sd
}
