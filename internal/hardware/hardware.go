// Package hardware defines the capability contracts the calibration core
// consumes: linear stages, a focus actuator, the e-beam scanner, a camera
// detector with a pollable image stream, and the chamber pressure control.
// Every motion or long acquisition operation returns a *task.Task so the
// caller can await or cancel it.
package hardware

import (
	"errors"

	"microcal/internal/frame"
	"microcal/internal/task"
	"microcal/pkg/geometry"
)

// ErrReadOnly is returned by property setters the hardware does not support
// writing.
var ErrReadOnly = errors.New("property is read-only")

// AxisMap maps axis names ("x", "y", "z", "vacuum") to values in SI units.
type AxisMap map[string]float64

// Mover is the shared motion contract of stages and focus actuators.
type Mover interface {
	// MoveAbs moves the listed axes to absolute positions (meters).
	MoveAbs(pos AxisMap) *task.Task
	// MoveRel moves the listed axes by relative distances (meters).
	MoveRel(shift AxisMap) *task.Task
	// Position returns the current position of every axis.
	Position() AxisMap
}

// Stage is a referenceable multi-axis linear stage.
type Stage interface {
	Mover
	// Reference homes the given axes.
	Reference(axes []string) *task.Task
	// Range returns the travel limits of an axis.
	Range(axis string) (min, max float64, ok bool)
}

// Focus is a single-axis actuator moving the optical focus.
type Focus interface {
	Mover
}

// Scanner controls the e-beam scan parameters. Setters return ErrReadOnly
// when the underlying hardware does not accept writes for that property.
type Scanner interface {
	Resolution() (w, h int)
	SetResolution(w, h int) error

	// Scale is the scan magnification knob: 1 covers the full field,
	// smaller values zoom in around the scan center.
	Scale() geometry.Point2D
	SetScale(s geometry.Point2D) error

	// Translation shifts the scanned area, in scan units.
	Translation() geometry.Point2D
	SetTranslation(t geometry.Point2D) error

	Rotation() float64
	SetRotation(rad float64) error

	DwellTime() float64
	SetDwellTime(seconds float64) error

	AcceleratingVoltage() float64
	SetAcceleratingVoltage(volts float64) error

	SpotSize() float64
	SetSpotSize(s float64) error

	// HorizontalFieldWidth is the physical width of the scanned area (m).
	HorizontalFieldWidth() float64
	SetHorizontalFieldWidth(m float64) error

	// Metadata is the scanner's free-form dictionary, used to stash the
	// calibration coefficients.
	Metadata() map[string]float64
	SetMetadata(key string, value float64)
}

// Detector is a camera with a pollable image stream.
type Detector interface {
	// Acquire returns one image; with waitForNext it discards any buffered
	// frame and blocks for a freshly exposed one.
	Acquire(waitForNext bool) (*frame.Frame, error)

	// Subscribe registers a frame consumer. Subscribing a no-op consumer
	// is the documented way to keep the beam unblanked.
	Subscribe(id string, fn func(*frame.Frame))
	Unsubscribe(id string)

	ApplyAutoContrast() *task.Task

	ExposureTime() float64
	SetExposureTime(seconds float64) error
	Binning() (x, y int)
	SetBinning(x, y int) error
	Resolution() (w, h int)
	SetResolution(w, h int) error
}

// PressureState is one selectable chamber pressure with its display name.
type PressureState struct {
	Value float64
	Name  string
}

// Chamber controls the vacuum chamber pressure. Pressure changes are slow,
// so MoveAbs returns a cancellable task.
type Chamber interface {
	// MoveAbs moves the "vacuum" axis to one of the enumerated pressures.
	MoveAbs(pos AxisMap) *task.Task
	// Pressures enumerates the selectable pressure states.
	Pressures() []PressureState
	// Pressure returns the current chamber pressure.
	Pressure() float64
}

// Emitter writes single calibration spots with the light source.
type Emitter interface {
	// WriteSpot exposes one spot at the current position.
	WriteSpot() *task.Task
}
