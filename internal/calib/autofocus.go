package calib

import (
	"fmt"
	"log/slog"

	"microcal/internal/hardware"
)

// autofocus sweeps the focus axis symmetrically around its current position,
// scores each frame with the sharpness metric and settles on the best
// position, refined by parabolic interpolation between the winning sample
// and its neighbours. It returns the chosen focus position.
//
// The exhaustive variant used as a fine-alignment fallback is the same
// sweep with a wider range and more steps.
func (c *Calibrator) autofocus(r *run, sweep float64, steps int, step string) (float64, error) {
	if steps < 3 {
		steps = 3
	}
	center := c.deps.Focus.Position()["z"]

	zs := make([]float64, steps)
	scores := make([]float64, steps)
	for i := range zs {
		zs[i] = center - sweep/2 + sweep*float64(i)/float64(steps-1)
	}

	best := 0
	for i, z := range zs {
		if err := r.await(c.deps.Focus.MoveAbs(hardware.AxisMap{"z": z})); err != nil {
			return 0, fmt.Errorf("autofocus move: %w", err)
		}
		f, err := c.acquire(r, fmt.Sprintf("%s-focus-%02d", step, i))
		if err != nil {
			return 0, err
		}
		scores[i] = c.deps.Finder.Sharpness(f)
		if scores[i] > scores[best] {
			best = i
		}
	}

	z := zs[best]
	if best > 0 && best < steps-1 {
		// Parabola through the three samples around the peak.
		cm, c0, cp := scores[best-1], scores[best], scores[best+1]
		denom := cm - 2*c0 + cp
		if denom < 0 {
			dz := zs[1] - zs[0]
			z += dz * 0.5 * (cm - cp) / denom
		}
	} else {
		slog.Warn("best focus at sweep edge", "step", step, "z", z)
	}

	if err := r.await(c.deps.Focus.MoveAbs(hardware.AxisMap{"z": z})); err != nil {
		return 0, fmt.Errorf("autofocus settle: %w", err)
	}
	slog.Debug("autofocus done", "step", step, "z", z)
	return z, nil
}
