package detect

import (
	"microcal/internal/frame"
	"microcal/pkg/geometry"
)

// spotSigmaThreshold is how many standard deviations above the mean the
// peak must stand to count as a spot rather than background noise.
const spotSigmaThreshold = 3.0

// FindSpot locates a single bright point-source blob and returns the
// physical offset of its intensity-weighted centroid from the image center.
// The background level (image mean) is subtracted before weighting so the
// centroid is not dragged toward the frame center by ambient signal.
// Returns ErrNotFound when no pixel stands out from the background.
func FindSpot(f *frame.Frame) (geometry.Point2D, error) {
	smoothed := f.Smooth(5)

	mean, stddev := stats(smoothed)

	// Peak must be significantly above the background.
	bx, by := 0, 0
	peak := smoothed.Pix[0]
	for y := 0; y < smoothed.H; y++ {
		for x := 0; x < smoothed.W; x++ {
			if v := smoothed.At(x, y); v > peak {
				peak = v
				bx, by = x, y
			}
		}
	}
	if float64(peak) < mean+spotSigmaThreshold*stddev {
		return geometry.Point2D{}, ErrNotFound
	}

	// Intensity-weighted centroid of the background-subtracted pixels above
	// half the peak height, within a window around the peak.
	half := mean + (float64(peak)-mean)/2
	const window = 24
	x0 := clampInt(bx-window, 0, smoothed.W-1)
	x1 := clampInt(bx+window, 0, smoothed.W-1)
	y0 := clampInt(by-window, 0, smoothed.H-1)
	y1 := clampInt(by+window, 0, smoothed.H-1)

	var wSum, xSum, ySum float64
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			v := float64(smoothed.At(x, y)) - mean
			if float64(smoothed.At(x, y)) < half {
				continue
			}
			wSum += v
			xSum += v * float64(x)
			ySum += v * float64(y)
		}
	}
	if wSum <= 0 {
		return geometry.Point2D{}, ErrNotFound
	}

	return f.ToPhysical(geometry.Point2D{X: xSum / wSum, Y: ySum / wSum}), nil
}
