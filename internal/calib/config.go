package calib

import (
	"fmt"
	"os"

	"microcal/pkg/geometry"

	"gopkg.in/yaml.v3"
)

// Config groups every tunable constant of the calibration pipeline. The
// values are instrument-specific empirical settings carried over from
// operator experience, not re-derived; all of them can be overridden from
// a YAML file. The struct is passed by value and never mutated after Load.
type Config struct {
	// OutputDir is the root under which each run creates its timestamped
	// report directory.
	OutputDir string `yaml:"output_dir"`

	// Baseline beam settings applied once the chamber is under vacuum.
	BeamVoltage   float64 `yaml:"beam_voltage"`    // V
	BeamSpotSize  float64 `yaml:"beam_spot_size"`  // arbitrary column units
	BeamDwellTime float64 `yaml:"beam_dwell_time"` // s

	// RoughFocusZ is the focus position good enough to find the holes.
	RoughFocusZ float64 `yaml:"rough_focus_z"` // m

	// ExpectedHoles are the nominal positions of the two sample-holder
	// holes, top first.
	ExpectedHoles [2]geometry.Point2D `yaml:"expected_holes"` // m
	// HoleRadius is the nominal hole radius.
	HoleRadius float64 `yaml:"hole_radius"` // m
	// HoleRadiusTolerance is the accepted radius deviation, as a fraction
	// of HoleRadius.
	HoleRadiusTolerance float64 `yaml:"hole_radius_tolerance"`
	// HoleFieldWidth is the wide field of view used while searching holes.
	HoleFieldWidth float64 `yaml:"hole_field_width"` // m

	// SEMShiftIterations is how many zoom halvings each shift estimator
	// performs.
	SEMShiftIterations int `yaml:"sem_shift_iterations"`
	// ShiftMarginPx is cropped from frame borders before phase
	// correlation, suppressing scan-edge artifacts.
	ShiftMarginPx int `yaml:"shift_margin_px"`
	// Shift samples beyond these fractions of the field of view are
	// discarded as outliers rather than averaged in.
	HorizShiftBound float64 `yaml:"horiz_shift_bound"`
	VertShiftBound  float64 `yaml:"vert_shift_bound"`

	// Documented fallback constants used when an estimator obtains zero
	// usable samples.
	FallbackSpotShift           geometry.Point2D `yaml:"fallback_spot_shift"`
	FallbackHFWShift            geometry.Point2D `yaml:"fallback_hfw_shift"`
	FallbackResolutionSlope     geometry.Point2D `yaml:"fallback_resolution_slope"`
	FallbackResolutionIntercept geometry.Point2D `yaml:"fallback_resolution_intercept"`

	// TargetErrorMargin is the residual offset at which the twin-stage
	// spot search stops.
	TargetErrorMargin float64 `yaml:"target_error_margin"` // m
	// MaxAlignSteps caps the convergence loop regardless of how slowly
	// the measured distance shrinks.
	MaxAlignSteps int `yaml:"max_align_steps"`

	// RotScaleRadius is the radius of the four diametrically-opposite
	// positions visited for the rotation/scaling solve.
	RotScaleRadius float64 `yaml:"rot_scale_radius"` // m

	// FineAlignFieldWidth keeps the overlay spot grid inside the camera
	// frame during fine alignment.
	FineAlignFieldWidth float64 `yaml:"fine_align_field_width"` // m
	// MaxImageRotation is the validation bound on the fitted image
	// rotation; beyond it the result is treated as a hard error.
	MaxImageRotation float64 `yaml:"max_image_rotation"` // rad

	// Autofocus sweep parameters; the exhaustive variant is the fallback
	// used by fine alignment.
	AutofocusRange       float64 `yaml:"autofocus_range"` // m
	AutofocusSteps       int     `yaml:"autofocus_steps"`
	ExhaustiveFocusRange float64 `yaml:"exhaustive_focus_range"` // m
	ExhaustiveFocusSteps int     `yaml:"exhaustive_focus_steps"`
}

// DefaultConfig returns the stock sample-holder geometry and empirical
// bounds.
func DefaultConfig() Config {
	return Config{
		OutputDir: "calibration-runs",

		BeamVoltage:   5e3,
		BeamSpotSize:  2.7,
		BeamDwellTime: 1e-6,

		RoughFocusZ: 30e-6,

		ExpectedHoles: [2]geometry.Point2D{
			{X: 0, Y: 350e-6},
			{X: 0, Y: -350e-6},
		},
		HoleRadius:          90e-6,
		HoleRadiusTolerance: 0.3,
		HoleFieldWidth:      1e-3,

		SEMShiftIterations: 3,
		ShiftMarginPx:      10,
		HorizShiftBound:    0.125,
		VertShiftBound:     0.05,

		FallbackSpotShift:           geometry.Point2D{X: 0.035, Y: 0},
		FallbackHFWShift:            geometry.Point2D{X: 0.02, Y: 0},
		FallbackResolutionSlope:     geometry.Point2D{X: 0, Y: 0},
		FallbackResolutionIntercept: geometry.Point2D{X: 0, Y: 0},

		TargetErrorMargin: 1e-6,
		MaxAlignSteps:     24,

		RotScaleRadius: 1e-3,

		FineAlignFieldWidth: 100e-6,
		MaxImageRotation:    0.175, // ~10 degrees

		AutofocusRange:       60e-6,
		AutofocusSteps:       7,
		ExhaustiveFocusRange: 240e-6,
		ExhaustiveFocusSteps: 25,
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HoleRadius <= 0 {
		return fmt.Errorf("hole_radius must be positive")
	}
	if c.HoleFieldWidth <= 0 {
		return fmt.Errorf("hole_field_width must be positive")
	}
	if c.TargetErrorMargin <= 0 {
		return fmt.Errorf("target_error_margin must be positive")
	}
	if c.MaxAlignSteps < 1 {
		return fmt.Errorf("max_align_steps must be at least 1")
	}
	if c.SEMShiftIterations < 1 {
		return fmt.Errorf("sem_shift_iterations must be at least 1")
	}
	return nil
}
