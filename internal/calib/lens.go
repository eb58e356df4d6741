package calib

import (
	"fmt"
	"log/slog"

	"microcal/internal/hardware"
)

// findLens performs the overview navigation: pump to the overview pressure,
// reference the optical axes, center the electron stage and locate the lens
// ring in a single overview image. The electron stage ends up centered on
// the ring and its position is recorded as lens_pos.
func (c *Calibrator) findLens(r *run) error {
	overview, _ := findPressure(c.deps.Chamber, "overview")
	if err := r.await(c.deps.Chamber.MoveAbs(hardware.AxisMap{"vacuum": overview.Value})); err != nil {
		return fmt.Errorf("pump to overview pressure: %w", err)
	}

	// The referencing moves are independent, so they run concurrently.
	// Awaiting them one by one is still safe: a cancellation arriving
	// during the first await makes the second one cancel its move before
	// blocking.
	ref := c.deps.OpticalStage.Reference([]string{"x", "y"})
	focus := c.deps.Focus.MoveAbs(hardware.AxisMap{"z": 0})
	if err := r.await(ref); err != nil {
		return fmt.Errorf("reference optical stage: %w", err)
	}
	if err := r.await(focus); err != nil {
		return fmt.Errorf("reference focus: %w", err)
	}
	if err := r.await(c.deps.SEMStage.MoveAbs(hardware.AxisMap{"x": 0, "y": 0})); err != nil {
		return fmt.Errorf("center electron stage: %w", err)
	}

	f, err := c.acquire(r, "overview")
	if err != nil {
		return err
	}
	offset, err := c.deps.Finder.Ring(f)
	if err != nil {
		return &FeatureNotFoundError{Feature: "ring", Step: "lens alignment"}
	}

	pos := c.deps.SEMStage.Position()
	lens := hardware.AxisMap{"x": pos["x"] + offset.X, "y": pos["y"] + offset.Y}
	if err := r.await(c.deps.SEMStage.MoveAbs(lens)); err != nil {
		return fmt.Errorf("center lens: %w", err)
	}

	r.res.Set("lens_pos", pointOf(lens))
	slog.Info("lens found", "x", lens["x"], "y", lens["y"])
	return nil
}
