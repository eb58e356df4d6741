package calib

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"microcal/internal/estimate"
	"microcal/internal/hardware"
	"microcal/internal/task"
	"microcal/pkg/geometry"
)

// OverlayResult is the camera overlay transform fitted by fine alignment.
type OverlayResult struct {
	Scale    geometry.Point2D
	Rotation float64
	Shear    float64
}

// OverlayAligner fits the overlay transform from a multi-point spot
// pattern. The live implementation writes a spot grid with the optical
// stage; tests substitute a stub.
type OverlayAligner interface {
	Align(t *task.Task) (OverlayResult, error)
}

// fineAlign reduces the field of view so the spot grid fits the camera
// frame and runs the overlay fit. On a failed fit it falls back to an
// exhaustive autofocus sweep and retries once. Results outside the sanity
// bounds abort the pipeline.
func (c *Calibrator) fineAlign(r *run) error {
	if err := c.deps.Scanner.SetHorizontalFieldWidth(c.cfg.FineAlignFieldWidth); err != nil {
		return fmt.Errorf("reduce field of view: %w", err)
	}

	res, err := c.deps.Aligner.Align(r.t)
	if err != nil {
		if errors.Is(err, task.ErrCancelled) {
			return err
		}
		slog.Warn("overlay fit failed, running exhaustive autofocus", "err", err)
		if _, ferr := c.autofocus(r, c.cfg.ExhaustiveFocusRange, c.cfg.ExhaustiveFocusSteps, "fine-align"); ferr != nil {
			return ferr
		}
		res, err = c.deps.Aligner.Align(r.t)
		if err != nil {
			return fmt.Errorf("fine alignment: %w", err)
		}
	}

	if res.Scale.X <= 0 || res.Scale.Y <= 0 {
		return &InvalidResultError{Step: "fine alignment",
			Reason: fmt.Sprintf("non-positive image scale %.4g/%.4g", res.Scale.X, res.Scale.Y)}
	}
	if math.Abs(res.Rotation) > c.cfg.MaxImageRotation {
		return &InvalidResultError{Step: "fine alignment",
			Reason: fmt.Sprintf("image rotation %.4g rad beyond %.4g", res.Rotation, c.cfg.MaxImageRotation)}
	}

	r.res.Set("image_scaling", res.Scale)
	r.res.Set("image_rotation", res.Rotation)
	r.res.Set("image_shear", res.Shear)
	r.res.Set("optical_focus", c.deps.Focus.Position()["z"])
	slog.Info("fine alignment done",
		"sx", res.Scale.X, "sy", res.Scale.Y, "rotation", res.Rotation, "shear", res.Shear)
	return nil
}

// spotGridAligner is the live OverlayAligner: it writes spots at five grid
// positions with the optical stage, measures each spot in the camera frame
// and solves the affine transform from stage offsets to image offsets.
type spotGridAligner struct {
	cfg  Config
	deps *Deps
}

func (a *spotGridAligner) Align(t *task.Task) (OverlayResult, error) {
	center := pointOf(a.deps.OpticalStage.Position())
	grid := append(geometry.GenerateCirclePoints(center, a.cfg.FineAlignFieldWidth/4, 4), center)

	reference := make([]geometry.Point2D, 0, len(grid))
	measured := make([]geometry.Point2D, 0, len(grid))
	for i, p := range grid {
		if err := t.Await(a.deps.OpticalStage.MoveAbs(hardware.AxisMap{"x": p.X, "y": p.Y})); err != nil {
			return OverlayResult{}, err
		}
		if err := t.Await(a.deps.Emitter.WriteSpot()); err != nil {
			return OverlayResult{}, err
		}
		f, err := a.deps.Detector.Acquire(true)
		if err != nil {
			return OverlayResult{}, fmt.Errorf("overlay spot %d: %w", i, err)
		}
		offset, err := a.deps.Finder.Spot(f)
		if err != nil {
			return OverlayResult{}, &FeatureNotFoundError{Feature: "spot", Step: fmt.Sprintf("overlay position %d", i)}
		}
		reference = append(reference, p.Sub(center))
		measured = append(measured, offset)
	}

	tr, err := estimate.SolveAffine(reference, measured)
	if err != nil {
		return OverlayResult{}, fmt.Errorf("solve overlay transform: %w", err)
	}
	d := tr.Decompose()
	return OverlayResult{Scale: d.Scale, Rotation: d.Rotation, Shear: d.Shear}, nil
}
