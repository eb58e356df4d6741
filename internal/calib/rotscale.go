package calib

import (
	"fmt"
	"log/slog"

	"microcal/internal/estimate"
	"microcal/internal/hardware"
	"microcal/pkg/geometry"
)

// solveStageTransform visits four diametrically opposite positions on both
// stages, writes a spot at each optical position and measures where the
// electron stage sees it, then solves the least-squares affine transform
// between the two point sets. Translation sign and scale are inverted
// because the fitted transform maps optical positions to electron
// positions while the calibration is consumed the other way around.
func (c *Calibrator) solveStageTransform(r *run) error {
	transVal, ok := r.res.Get("stage_trans")
	if !ok {
		return &InvalidResultError{Step: "rotation/scaling", Reason: "twin-stage offset missing"}
	}
	trans := transVal.(geometry.Point2D)

	positions := geometry.GenerateCirclePoints(geometry.Point2D{}, c.cfg.RotScaleRadius, 4)
	reference := make([]geometry.Point2D, 0, len(positions))
	measured := make([]geometry.Point2D, 0, len(positions))

	for i, p := range positions {
		step := fmt.Sprintf("rot-scale-%d", i)
		if err := r.await(c.deps.OpticalStage.MoveAbs(hardware.AxisMap{"x": p.X, "y": p.Y})); err != nil {
			return fmt.Errorf("%s: move optical stage: %w", step, err)
		}
		if err := r.await(c.deps.Emitter.WriteSpot()); err != nil {
			return fmt.Errorf("%s: write spot: %w", step, err)
		}
		expected := p.Add(trans)
		if err := r.await(c.deps.SEMStage.MoveAbs(hardware.AxisMap{"x": expected.X, "y": expected.Y})); err != nil {
			return fmt.Errorf("%s: move electron stage: %w", step, err)
		}

		offset, err := c.findRotScaleSpot(r, step)
		if err != nil {
			return err
		}
		reference = append(reference, p)
		measured = append(measured, pointOf(c.deps.SEMStage.Position()).Add(offset))
	}

	t, err := estimate.SolveAffine(reference, measured)
	if err != nil {
		return fmt.Errorf("solve stage transform: %w", err)
	}
	d := t.Decompose()
	if d.Scale.X <= 0 || d.Scale.Y <= 0 {
		return &InvalidResultError{Step: "rotation/scaling",
			Reason: fmt.Sprintf("non-positive scale %.4g/%.4g", d.Scale.X, d.Scale.Y)}
	}

	r.res.Set("stage_rotation", d.Rotation)
	r.res.Set("stage_scaling", geometry.Point2D{X: 1 / d.Scale.X, Y: 1 / d.Scale.Y})
	r.res.Set("stage_trans", d.Translation.Neg())
	slog.Info("stage transform solved",
		"rotation", d.Rotation, "sx", d.Scale.X, "sy", d.Scale.Y,
		"residual", estimate.MeanResidual(reference, measured, t))
	return nil
}

// findRotScaleSpot finds the spot for one rotation/scaling position,
// retrying once after an autofocus pass. A second miss fails the pipeline.
func (c *Calibrator) findRotScaleSpot(r *run, step string) (geometry.Point2D, error) {
	f, err := c.acquire(r, step)
	if err != nil {
		return geometry.Point2D{}, err
	}
	offset, serr := c.deps.Finder.Spot(f)
	if serr == nil {
		return offset, nil
	}

	slog.Warn("spot not found, refocusing", "step", step)
	if _, err := c.autofocus(r, c.cfg.AutofocusRange, c.cfg.AutofocusSteps, step); err != nil {
		return geometry.Point2D{}, err
	}
	f, err = c.acquire(r, step+"-retry")
	if err != nil {
		return geometry.Point2D{}, err
	}
	offset, serr = c.deps.Finder.Spot(f)
	if serr != nil {
		return geometry.Point2D{}, &FeatureNotFoundError{Feature: "spot", Step: step}
	}
	return offset, nil
}
