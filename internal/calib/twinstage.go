package calib

import (
	"fmt"
	"log/slog"
	"math"

	"microcal/internal/hardware"
	"microcal/pkg/geometry"
)

// alignTwinStage measures the translation offset between the electron and
// optical stages. A single calibration spot is written with the light
// source, then the electron stage walks onto it: each round measures the
// spot's remaining offset in the image and steps the stage by it. Every
// round at least halves the distance, so the step bound is derived from
// log2 of the initial distance over the target margin.
func (c *Calibrator) alignTwinStage(r *run) error {
	if err := r.await(c.deps.OpticalStage.MoveAbs(hardware.AxisMap{"x": 0, "y": 0})); err != nil {
		return fmt.Errorf("center optical stage: %w", err)
	}
	if err := r.await(c.deps.Emitter.WriteSpot()); err != nil {
		return fmt.Errorf("write calibration spot: %w", err)
	}

	offset, err := c.locateSpot(r, "twin-stage")
	if err != nil {
		return err
	}

	dist := offset.Norm()
	maxSteps := 1
	if dist > c.cfg.TargetErrorMargin {
		maxSteps = int(math.Ceil(math.Log2(dist / c.cfg.TargetErrorMargin)))
	}
	if maxSteps > c.cfg.MaxAlignSteps {
		maxSteps = c.cfg.MaxAlignSteps
	}

	for step := 0; step < maxSteps && offset.Norm() > c.cfg.TargetErrorMargin; step++ {
		if err := r.await(c.deps.SEMStage.MoveRel(hardware.AxisMap{"x": offset.X, "y": offset.Y})); err != nil {
			return fmt.Errorf("step toward spot: %w", err)
		}
		offset, err = c.locateSpot(r, fmt.Sprintf("twin-stage-%02d", step))
		if err != nil {
			return err
		}
	}
	if offset.Norm() > c.cfg.TargetErrorMargin {
		slog.Warn("twin-stage alignment stopped above target margin",
			"residual", offset.Norm(), "margin", c.cfg.TargetErrorMargin)
	}

	sem := pointOf(c.deps.SEMStage.Position())
	optical := pointOf(c.deps.OpticalStage.Position())
	trans := sem.Add(offset).Sub(optical)
	r.res.Set("stage_trans", trans)
	slog.Info("twin-stage offset measured", "x", trans.X, "y", trans.Y)
	return nil
}

// locateSpot finds the calibration spot in a fresh frame. When the precise
// search fails the stage first re-centers coarsely on the brightest pixel
// and the precise search is retried once.
func (c *Calibrator) locateSpot(r *run, step string) (geometry.Point2D, error) {
	f, err := c.acquire(r, step)
	if err != nil {
		return geometry.Point2D{}, err
	}
	offset, serr := c.deps.Finder.Spot(f)
	if serr == nil {
		return offset, nil
	}

	coarse := c.deps.Finder.Brightest(f)
	slog.Warn("spot not found, re-centering on brightest pixel",
		"step", step, "x", coarse.X, "y", coarse.Y)
	if err := r.await(c.deps.SEMStage.MoveRel(hardware.AxisMap{"x": coarse.X, "y": coarse.Y})); err != nil {
		return geometry.Point2D{}, err
	}

	f, err = c.acquire(r, step+"-rescue")
	if err != nil {
		return geometry.Point2D{}, err
	}
	offset, serr = c.deps.Finder.Spot(f)
	if serr != nil {
		return geometry.Point2D{}, &FeatureNotFoundError{Feature: "spot", Step: step}
	}
	return offset, nil
}
