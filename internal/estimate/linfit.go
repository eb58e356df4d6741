package estimate

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// LinearFit computes the ordinary least-squares line y = intercept +
// slope*x. Callers inverting the slope must guard against a zero fit
// themselves; the resolution-shift estimator does exactly that.
func LinearFit(x, y []float64) (slope, intercept float64, err error) {
	if len(x) != len(y) {
		return 0, 0, fmt.Errorf("sample count mismatch: %d vs %d", len(x), len(y))
	}
	if len(x) < 2 {
		return 0, 0, fmt.Errorf("need at least 2 samples, got %d", len(x))
	}

	intercept, slope = stat.LinearRegression(x, y, nil, false)
	return slope, intercept, nil
}
