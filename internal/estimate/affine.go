package estimate

import (
	"fmt"

	"microcal/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// SolveAffine computes the least-squares affine transform mapping the
// reference points onto the measured points. At least 3 correspondences are
// required; with more the system is solved in the least-squares sense via
// QR decomposition. Rotation, per-axis scale and shear can be read off the
// result with Decompose.
func SolveAffine(reference, measured []geometry.Point2D) (geometry.AffineTransform, error) {
	if len(reference) != len(measured) {
		return geometry.AffineTransform{}, fmt.Errorf("point count mismatch: %d vs %d", len(reference), len(measured))
	}
	n := len(reference)
	if n < 3 {
		return geometry.AffineTransform{}, fmt.Errorf("need at least 3 points, got %d", n)
	}

	// Build the overdetermined system: [x', y'] = [a b tx; c d ty] [x y 1].
	A := mat.NewDense(n*2, 6, nil)
	B := mat.NewVecDense(n*2, nil)

	for i := 0; i < n; i++ {
		x, y := reference[i].X, reference[i].Y
		xp, yp := measured[i].X, measured[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, xp)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, yp)
	}

	var qr mat.QR
	qr.Factorize(A)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, B); err != nil {
		return geometry.AffineTransform{}, fmt.Errorf("affine solve: %w", err)
	}

	return geometry.AffineTransform{
		A:  params.AtVec(0),
		B:  params.AtVec(1),
		TX: params.AtVec(2),
		C:  params.AtVec(3),
		D:  params.AtVec(4),
		TY: params.AtVec(5),
	}, nil
}

// MeanResidual returns the mean distance between transformed reference
// points and their measured counterparts, a quality figure for the fit.
func MeanResidual(reference, measured []geometry.Point2D, t geometry.AffineTransform) float64 {
	if len(reference) != len(measured) || len(reference) == 0 {
		return 0
	}
	var total float64
	for i := range reference {
		total += t.Apply(reference[i]).Distance(measured[i])
	}
	return total / float64(len(reference))
}
