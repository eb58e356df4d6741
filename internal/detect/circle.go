package detect

import (
	"image"

	"microcal/internal/frame"
	"microcal/pkg/geometry"

	"gocv.io/x/gocv"
)

// Hough parameters tuned for single prominent circles on a low-noise
// electron image.
const (
	houghDP     = 1.5
	houghParam1 = 100
	houghParam2 = 30
)

// FindCircle searches the frame for a circle of expectedRadiusPx ±
// tolerancePx pixels and returns the physical offset of its center from the
// image center. When several candidates are found and preferDarkest is set,
// the circle whose center pixel has the lowest intensity wins — holes
// appear dark against the sample surface. Returns ErrNotFound when no
// candidate exists.
func FindCircle(f *frame.Frame, expectedRadiusPx, tolerancePx float64, preferDarkest bool) (geometry.Point2D, error) {
	gray := f.ToMat8U()
	defer gray.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: 9, Y: 9}, 2, 2, gocv.BorderDefault)

	minR := int(expectedRadiusPx - tolerancePx)
	if minR < 1 {
		minR = 1
	}
	maxR := int(expectedRadiusPx + tolerancePx)

	circles := gocv.NewMat()
	defer circles.Close()
	gocv.HoughCirclesWithParams(blurred, &circles, gocv.HoughGradient,
		houghDP, expectedRadiusPx*2, houghParam1, houghParam2, minR, maxR)

	if circles.Empty() || circles.Cols() == 0 {
		return geometry.Point2D{}, ErrNotFound
	}

	best := geometry.Point2D{}
	bestVal := uint8(0)
	found := false
	for i := 0; i < circles.Cols(); i++ {
		cx := float64(circles.GetFloatAt(0, i*3))
		cy := float64(circles.GetFloatAt(0, i*3+1))

		px := clampInt(int(cx+0.5), 0, f.W-1)
		py := clampInt(int(cy+0.5), 0, f.H-1)
		val := blurred.GetUCharAt(py, px)

		if !found {
			best = geometry.Point2D{X: cx, Y: cy}
			bestVal = val
			found = true
			continue
		}
		if preferDarkest && val < bestVal {
			best = geometry.Point2D{X: cx, Y: cy}
			bestVal = val
		}
	}

	return f.ToPhysical(best), nil
}

func clampInt(v, minV, maxV int) int {
	if v < minV {
		return minV
	}
	if v > maxV {
		return maxV
	}
	return v
}
