package calib

import (
	"errors"
	"fmt"
	"log/slog"

	"microcal/internal/hardware"
	"microcal/internal/task"
	"microcal/pkg/geometry"
)

// prepareVacuum pumps the chamber down, applies the baseline beam settings
// and moves the focus to the rough position good enough for hole detection.
func (c *Calibrator) prepareVacuum(r *run) error {
	vacuum, ok := findPressure(c.deps.Chamber, "vacuum")
	if !ok {
		return &InvalidResultError{Step: "vacuum preparation", Reason: "chamber has no vacuum pressure state"}
	}
	if err := r.await(c.deps.Chamber.MoveAbs(hardware.AxisMap{"vacuum": vacuum.Value})); err != nil {
		return fmt.Errorf("pump to vacuum: %w", err)
	}

	sc := c.deps.Scanner
	if err := sc.SetAcceleratingVoltage(c.cfg.BeamVoltage); err != nil {
		return fmt.Errorf("set accelerating voltage: %w", err)
	}
	if err := sc.SetSpotSize(c.cfg.BeamSpotSize); err != nil {
		return fmt.Errorf("set spot size: %w", err)
	}
	if err := sc.SetDwellTime(c.cfg.BeamDwellTime); err != nil {
		return fmt.Errorf("set dwell time: %w", err)
	}

	if err := r.await(c.deps.Focus.MoveAbs(hardware.AxisMap{"z": c.cfg.RoughFocusZ})); err != nil {
		return fmt.Errorf("rough focus: %w", err)
	}
	return nil
}

// findHoles locates the two sample-holder holes. Each hole gets one retry
// preceded by an autofocus pass; a second miss fails the pipeline because
// every later step depends on the hole positions.
func (c *Calibrator) findHoles(r *run) error {
	if err := c.deps.Scanner.SetHorizontalFieldWidth(c.cfg.HoleFieldWidth); err != nil {
		return fmt.Errorf("set hole search field width: %w", err)
	}

	names := [2]string{"top_hole", "bottom_hole"}
	for i, expected := range c.cfg.ExpectedHoles {
		if err := r.await(c.deps.SEMStage.MoveAbs(hardware.AxisMap{"x": expected.X, "y": expected.Y})); err != nil {
			return fmt.Errorf("move to %s: %w", names[i], err)
		}

		offset, err := c.locateHole(r, names[i])
		if err != nil {
			if errors.Is(err, task.ErrCancelled) {
				return err
			}
			// One autofocus pass then a single retry; the stage has not
			// moved so the hole must be in the same frame.
			slog.Warn("hole not found, refocusing", "hole", names[i])
			if _, ferr := c.autofocus(r, c.cfg.AutofocusRange, c.cfg.AutofocusSteps, names[i]); ferr != nil {
				return ferr
			}
			offset, err = c.locateHole(r, names[i]+"-retry")
			if err != nil {
				if errors.Is(err, task.ErrCancelled) {
					return err
				}
				return &FeatureNotFoundError{Feature: "circle", Step: names[i] + " detection"}
			}
		}

		pos := pointOf(c.deps.SEMStage.Position())
		center := pos.Add(offset)
		r.res.Set(names[i], center)
		slog.Info("hole found", "hole", names[i], "x", center.X, "y", center.Y)
	}

	r.res.Set("hole_focus", c.deps.Focus.Position()["z"])
	return nil
}

// locateHole acquires one contrast-adjusted frame and runs the
// radius-constrained circle search.
func (c *Calibrator) locateHole(r *run, step string) (geometry.Point2D, error) {
	if err := r.await(c.deps.Detector.ApplyAutoContrast()); err != nil {
		return geometry.Point2D{}, err
	}
	f, err := c.acquire(r, step)
	if err != nil {
		return geometry.Point2D{}, err
	}

	radiusPx := c.cfg.HoleRadius / f.Meta.PixelSize.X
	tolerancePx := radiusPx * c.cfg.HoleRadiusTolerance
	return c.deps.Finder.Circle(f, radiusPx, tolerancePx)
}
