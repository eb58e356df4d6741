package calib

import (
	"errors"
	"fmt"
)

// ErrNoOverviewPressure means the chamber configuration lacks an "overview"
// pressure entry; the pipeline fails fast before touching hardware.
var ErrNoOverviewPressure = errors.New("chamber has no overview pressure state")

// errMeasurementUnavailable signals that a best-effort estimator obtained
// zero usable samples. It never escapes the pipeline: the caller substitutes
// the documented fallback constant and logs a warning.
var errMeasurementUnavailable = errors.New("no usable measurement obtained")

// FeatureNotFoundError is raised when a detector exhausted its retries.
// Whether it is fatal depends on the step: hole detection and the
// rotation/scaling spot search escalate it into a pipeline failure.
type FeatureNotFoundError struct {
	Feature string // "circle", "ring", "spot"
	Step    string
}

func (e *FeatureNotFoundError) Error() string {
	return fmt.Sprintf("%s: no %s found", e.Step, e.Feature)
}

// InvalidResultError is raised when a computed value violates a sanity
// bound. It indicates a setup or hardware problem rather than transient
// noise, so it is always fatal and never retried.
type InvalidResultError struct {
	Step   string
	Reason string
}

func (e *InvalidResultError) Error() string {
	return fmt.Sprintf("%s: invalid result: %s", e.Step, e.Reason)
}
