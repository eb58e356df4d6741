package detect

import (
	"log/slog"
	"sort"

	"microcal/internal/frame"
	"microcal/pkg/geometry"

	"gocv.io/x/gocv"
)

// ringCenterTolerancePx is how far the outer and inner contour centers may
// disagree before a warning is logged. The averaged center is still used.
const ringCenterTolerancePx = 10.0

// FindRing locates a ring-shaped fiducial and returns the physical offset
// of its center from the image center. The image is binarized at the mean
// of the minimum and maximum intensity — deliberately not the mean of all
// pixels, which a thick ring boundary would bias — then the two largest
// contours are treated as the outer and inner ring boundary, fitted with
// an ellipse each, and their centers averaged.
func FindRing(f *frame.Frame) (geometry.Point2D, error) {
	// ToMat8U stretches min..max onto 0..255, so thresholding at the
	// midpoint of that range is exactly (min+max)/2 on the raw data.
	gray := f.ToMat8U()
	defer gray.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(gray, &mask, 127, 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(mask, gocv.RetrievalList, gocv.ChainApproxNone)
	defer contours.Close()

	// Collect indices of usable contours, largest area first. FitEllipse
	// needs at least 5 boundary points.
	type candidate struct {
		idx  int
		area float64
	}
	var cands []candidate
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if c.Size() < 5 {
			continue
		}
		cands = append(cands, candidate{idx: i, area: gocv.ContourArea(c)})
	}
	if len(cands) == 0 {
		return geometry.Point2D{}, ErrNotFound
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].area > cands[j].area })
	if len(cands) > 2 {
		cands = cands[:2]
	}

	centers := make([]geometry.Point2D, 0, 2)
	for _, c := range cands {
		contour := contours.At(c.idx)
		// The ellipse fit validates the contour shape; a degenerate fit
		// means the blob is not a ring boundary.
		ell := gocv.FitEllipse(contour)
		if ell.Width <= 0 || ell.Height <= 0 {
			continue
		}
		centers = append(centers, contourCentroid(contour))
	}
	if len(centers) == 0 {
		return geometry.Point2D{}, ErrNotFound
	}

	if len(centers) == 2 {
		if d := centers[0].Distance(centers[1]); d > ringCenterTolerancePx {
			slog.Warn("ring contour centers disagree",
				"distance_px", d, "tolerance_px", ringCenterTolerancePx)
		}
	}

	return f.ToPhysical(geometry.Centroid(centers)), nil
}

// contourCentroid computes the sub-pixel centroid of a contour's boundary
// points.
func contourCentroid(c gocv.PointVector) geometry.Point2D {
	var sx, sy float64
	n := c.Size()
	for i := 0; i < n; i++ {
		p := c.At(i)
		sx += float64(p.X)
		sy += float64(p.Y)
	}
	return geometry.Point2D{X: sx / float64(n), Y: sy / float64(n)}
}
