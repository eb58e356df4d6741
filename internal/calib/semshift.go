package calib

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"microcal/internal/estimate"
	"microcal/internal/frame"
	"microcal/internal/hardware"
	"microcal/internal/task"
	"microcal/pkg/geometry"
)

// measureBeamShifts runs the three zoom-center estimators of the e-beam
// column: the scan-scale spot shift, the horizontal-field-width shift and
// the resolution shift line fit. Each estimator is best-effort: when it
// obtains no usable sample the documented fallback constant is substituted
// and the run continues. The coefficients are recorded in the result map
// and persisted into the scanner metadata.
func (c *Calibrator) measureBeamShifts(r *run) error {
	sc := c.deps.Scanner

	spot, err := c.scaleShift(r)
	if err != nil {
		if errors.Is(err, task.ErrCancelled) {
			return err
		}
		slog.Warn("spot-shift estimation failed, using fallback", "err", err)
		spot = c.cfg.FallbackSpotShift
	}
	r.res.Set("scale_shift", spot)
	sc.SetMetadata(hardware.MDSpotShift, spot.X)
	sc.SetMetadata(hardware.MDSpotShiftY, spot.Y)

	hfw, err := c.hfwShift(r)
	if err != nil {
		if errors.Is(err, task.ErrCancelled) {
			return err
		}
		slog.Warn("field-width shift estimation failed, using fallback", "err", err)
		hfw = c.cfg.FallbackHFWShift
	}
	r.res.Set("hfw_a", hfw)
	sc.SetMetadata(hardware.MDHFWSlope, hfw.X)
	sc.SetMetadata(hardware.MDHFWSlopeY, hfw.Y)

	slope, intercept, err := c.resolutionShift(r)
	if err != nil {
		if errors.Is(err, task.ErrCancelled) {
			return err
		}
		slog.Warn("resolution shift estimation failed, using fallback", "err", err)
		slope, intercept = c.cfg.FallbackResolutionSlope, c.cfg.FallbackResolutionIntercept
	}
	r.res.Set("resolution_a", slope)
	r.res.Set("resolution_b", intercept)
	sc.SetMetadata(hardware.MDResolutionSlope, slope.X)
	sc.SetMetadata(hardware.MDResolutionSlopeY, slope.Y)
	sc.SetMetadata(hardware.MDResolutionIntercept, intercept.X)
	sc.SetMetadata(hardware.MDResolutionInterceptY, intercept.Y)

	return nil
}

// scaleShift estimates the zoom fixed point of the scan-scale knob as a
// fraction of the field of view. Each iteration halves the scale, compares
// the central half of the wide frame against the zoomed frame and derives
// the zoom-invariant point as shift/(zoomFactor-1); with a factor of two
// that is the measured shift itself.
func (c *Calibrator) scaleShift(r *run) (geometry.Point2D, error) {
	sc := c.deps.Scanner
	baseline := sc.Scale()
	defer sc.SetScale(baseline)

	var sum geometry.Point2D
	usable := 0
	scale := baseline
	for i := 0; i < c.cfg.SEMShiftIterations; i++ {
		a, err := c.acquire(r, fmt.Sprintf("scale-shift-%d-wide", i))
		if err != nil {
			return geometry.Point2D{}, err
		}
		scale = scale.Scale(0.5)
		if err := sc.SetScale(scale); err != nil {
			return geometry.Point2D{}, fmt.Errorf("halve scan scale: %w", err)
		}
		b, err := c.acquire(r, fmt.Sprintf("scale-shift-%d-zoom", i))
		if err != nil {
			return geometry.Point2D{}, err
		}

		shift, err := c.halfZoomShift(a, b)
		if err != nil {
			slog.Debug("scale-shift sample unusable", "iteration", i, "err", err)
			continue
		}
		if frac, ok := c.boundedFraction(shift); ok {
			sum = sum.Add(frac)
			usable++
		}
	}
	if usable == 0 {
		return geometry.Point2D{}, errMeasurementUnavailable
	}
	return sum.Scale(1 / float64(usable)), nil
}

// hfwShift is the same estimation against the physical field-width knob.
func (c *Calibrator) hfwShift(r *run) (geometry.Point2D, error) {
	sc := c.deps.Scanner
	baseline := sc.HorizontalFieldWidth()
	defer sc.SetHorizontalFieldWidth(baseline)

	var sum geometry.Point2D
	usable := 0
	hfw := baseline
	for i := 0; i < c.cfg.SEMShiftIterations; i++ {
		a, err := c.acquire(r, fmt.Sprintf("hfw-shift-%d-wide", i))
		if err != nil {
			return geometry.Point2D{}, err
		}
		hfw /= 2
		if err := sc.SetHorizontalFieldWidth(hfw); err != nil {
			return geometry.Point2D{}, fmt.Errorf("halve field width: %w", err)
		}
		b, err := c.acquire(r, fmt.Sprintf("hfw-shift-%d-zoom", i))
		if err != nil {
			return geometry.Point2D{}, err
		}

		shift, err := c.halfZoomShift(a, b)
		if err != nil {
			slog.Debug("hfw-shift sample unusable", "iteration", i, "err", err)
			continue
		}
		if frac, ok := c.boundedFraction(shift); ok {
			sum = sum.Add(frac)
			usable++
		}
	}
	if usable == 0 {
		return geometry.Point2D{}, errMeasurementUnavailable
	}
	return sum.Scale(1 / float64(usable)), nil
}

// resolutionShift successively halves the scan resolution and fits the
// cumulative scan-center displacement against resolution with ordinary
// least squares, per axis. Unlike the zoom estimators the field of view
// stays fixed, so frames are resampled to a common size without cropping.
func (c *Calibrator) resolutionShift(r *run) (slope, intercept geometry.Point2D, err error) {
	sc := c.deps.Scanner
	baseW, baseH := sc.Resolution()
	defer sc.SetResolution(baseW, baseH)

	resolutions := []float64{float64(baseW)}
	shiftsX := []float64{0}
	shiftsY := []float64{0}
	var cum geometry.Point2D

	prev, err := c.acquire(r, "resolution-shift-0")
	if err != nil {
		return slope, intercept, err
	}
	w, h := baseW, baseH
	for i := 0; i < c.cfg.SEMShiftIterations; i++ {
		w, h = w/2, h/2
		if w < 32 || h < 32 {
			break
		}
		if err := sc.SetResolution(w, h); err != nil {
			return slope, intercept, fmt.Errorf("halve resolution: %w", err)
		}
		cur, err := c.acquire(r, fmt.Sprintf("resolution-shift-%d", i+1))
		if err != nil {
			return slope, intercept, err
		}

		shiftPx, serr := c.deps.Finder.Shift(prev.Resample(cur.W, cur.H), cur, c.cfg.ShiftMarginPx)
		if serr != nil {
			slog.Debug("resolution-shift sample unusable", "iteration", i, "err", serr)
			prev = cur
			continue
		}
		phys := geometry.Point2D{
			X: shiftPx.X * cur.Meta.PixelSize.X,
			Y: -shiftPx.Y * cur.Meta.PixelSize.Y,
		}
		if _, ok := c.boundedFraction(phys); !ok {
			prev = cur
			continue
		}
		cum = cum.Add(phys)
		resolutions = append(resolutions, float64(w))
		shiftsX = append(shiftsX, cum.X)
		shiftsY = append(shiftsY, cum.Y)
		prev = cur
	}

	if len(resolutions) < 2 {
		return slope, intercept, errMeasurementUnavailable
	}
	sx, bx, err := estimate.LinearFit(resolutions, shiftsX)
	if err != nil {
		return slope, intercept, err
	}
	sy, by, err := estimate.LinearFit(resolutions, shiftsY)
	if err != nil {
		return slope, intercept, err
	}
	return geometry.Point2D{X: sx, Y: sy}, geometry.Point2D{X: bx, Y: by}, nil
}

// ResolutionShiftCoefficient derives the resolution at which the fitted
// shift line crosses zero, expressed as -intercept/slope. A zero slope
// means the scan center does not move with resolution; the coefficient is
// zero then rather than a division blowing up.
func ResolutionShiftCoefficient(slope, intercept float64) float64 {
	if slope == 0 {
		return 0
	}
	return -intercept / slope
}

// halfZoomShift compares a frame with one acquired at half the zoom: the
// central half of the wide frame is cropped and resampled to the zoomed
// frame's size, and the remaining displacement is measured by phase
// correlation. The result is the physical offset of the zoom center from
// the image center.
func (c *Calibrator) halfZoomShift(a, b *frame.Frame) (geometry.Point2D, error) {
	crop := a.Crop(geometry.RectInt{
		X: a.W / 4, Y: a.H / 4,
		Width: a.W / 2, Height: a.H / 2,
	})
	shiftPx, err := c.deps.Finder.Shift(crop.Resample(b.W, b.H), b, c.cfg.ShiftMarginPx)
	if err != nil {
		return geometry.Point2D{}, err
	}
	return geometry.Point2D{
		X: shiftPx.X * b.Meta.PixelSize.X,
		Y: -shiftPx.Y * b.Meta.PixelSize.Y,
	}, nil
}

// boundedFraction converts a physical shift to a fraction of the current
// field of view and applies the empirical outlier bounds. Shifts beyond the
// bounds are discarded rather than averaged in.
func (c *Calibrator) boundedFraction(shift geometry.Point2D) (geometry.Point2D, bool) {
	fov := c.deps.Scanner.HorizontalFieldWidth()
	if fov <= 0 {
		return geometry.Point2D{}, false
	}
	frac := shift.Scale(1 / fov)
	if math.Abs(frac.X) > c.cfg.HorizShiftBound || math.Abs(frac.Y) > c.cfg.VertShiftBound {
		slog.Debug("shift sample out of bounds", "fx", frac.X, "fy", frac.Y)
		return geometry.Point2D{}, false
	}
	return frac, true
}
