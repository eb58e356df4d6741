package sim

import (
	"math"
	"sync"
	"time"

	"microcal/internal/frame"
	"microcal/internal/task"
	"microcal/pkg/geometry"
)

// Bench assembles the simulated instrument: twin stages, focus, scanner,
// detector, chamber and spot emitter, plus the sample geometry the detector
// renders. The "true" twin-stage transform is configurable so a calibration
// run against the bench has a known ground truth.
type Bench struct {
	OpticalStage *StageSim
	SEMStage     *StageSim
	Focus        *StageSim
	Scanner      *ScannerSim
	Detector     *DetectorSim
	Chamber      *ChamberSim
	Emitter      *EmitterSim

	// Sample geometry, world coordinates in meters.
	RingPos    geometry.Point2D
	RingRadius float64
	HolePos    [2]geometry.Point2D
	HoleRadius float64
	// BeamShift is the zoom fixed-point error: the imaged center drifts by
	// BeamShift*(1-scale) as the scan zooms in.
	BeamShift geometry.Point2D
	// StageTransform maps optical stage positions into SEM world
	// coordinates; it is what the rotation/scaling procedure measures.
	StageTransform geometry.AffineTransform
	// BestFocusZ is the focus position of sharpest imaging; defocus blurs
	// feature edges.
	BestFocusZ float64

	mu     sync.Mutex
	spotOn bool
}

// EmitterSim writes a calibration spot with the light source.
type EmitterSim struct {
	bench *Bench
}

// WriteSpot exposes one spot at the current optical position.
func (e *EmitterSim) WriteSpot() *task.Task {
	return task.Run("emitter.writeSpot", 30*time.Millisecond, func(t *task.Task) error {
		if err := sleepCancellable(t, 30*time.Millisecond); err != nil {
			return err
		}
		e.bench.mu.Lock()
		e.bench.spotOn = true
		e.bench.mu.Unlock()
		return nil
	})
}

// NewBench creates a fully wired simulated instrument with default sample
// geometry: a ring fiducial, two holes, a small beam-shift error and a
// mildly rotated and scaled twin-stage transform.
func NewBench() *Bench {
	stageRange := map[string][2]float64{
		"x": {-5e-3, 5e-3},
		"y": {-5e-3, 5e-3},
	}
	focusRange := map[string][2]float64{
		"z": {-0.5e-3, 0.5e-3},
	}

	b := &Bench{
		OpticalStage: NewStage("optical-stage", 20*time.Millisecond, stageRange),
		SEMStage:     NewStage("sem-stage", 20*time.Millisecond, stageRange),
		Focus:        NewStage("focus", 10*time.Millisecond, focusRange),
		Scanner:      NewScanner(),
		Detector:     NewDetector(),
		Chamber:      NewChamber(50 * time.Millisecond),

		RingPos:    geometry.Point2D{X: 80e-6, Y: -40e-6},
		RingRadius: 120e-6,
		HolePos: [2]geometry.Point2D{
			{X: 0, Y: 350e-6},
			{X: 0, Y: -350e-6},
		},
		HoleRadius: 90e-6,
		BeamShift:  geometry.Point2D{X: 6e-6, Y: -2e-6},
		StageTransform: geometry.Translation(25e-6, -12e-6).
			Compose(geometry.Rotation(0.02)).
			Compose(geometry.Scaling(1.01, 0.99)),
		BestFocusZ: 40e-6,
	}
	b.Emitter = &EmitterSim{bench: b}
	b.Detector.render = b.render
	return b
}

// SpotVisible reports whether the calibration spot has been written.
func (b *Bench) SpotVisible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spotOn
}

// render produces a frame of the sample as seen through the current SEM
// stage position, scan settings and focus.
func (b *Bench) render(w, h int) *frame.Frame {
	scale := b.Scanner.Scale()
	hfw := b.Scanner.HorizontalFieldWidth()
	// The scan raster is square, so both pixel pitches derive from the HFW.
	psX := hfw * scale.X / float64(w)
	psY := hfw * scale.Y / float64(w)

	semPos := b.SEMStage.Position()
	center := geometry.Point2D{X: semPos["x"], Y: semPos["y"]}
	center = center.Add(b.BeamShift.Scale(1 - scale.X))

	// Defocus softens edges; 1 px of softness per 10 um of focus error.
	focusPos := b.Focus.Position()
	defocus := math.Abs(focusPos["z"]-b.BestFocusZ) / 10e-6
	soft := (1 + defocus) * psX

	f := frame.New(w, h, frame.Metadata{
		PixelSize:    geometry.Point2D{X: psX, Y: psY},
		StagePos:     center,
		ExposureTime: b.Detector.ExposureTime(),
	})

	overview := b.Chamber.Pressure() >= PressureOverview

	var spotWorld geometry.Point2D
	b.mu.Lock()
	spotOn := b.spotOn
	b.mu.Unlock()
	if spotOn {
		opt := b.OpticalStage.Position()
		spotWorld = b.StageTransform.Apply(geometry.Point2D{X: opt["x"], Y: opt["y"]})
	}

	c := f.Center()
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			// Pixel center in world coordinates, vertical axis inverted.
			wx := center.X + (float64(px)-c.X)*psX
			wy := center.Y - (float64(py)-c.Y)*psY
			p := geometry.Point2D{X: wx, Y: wy}

			v := 60.0 // background level

			if overview {
				d := p.Distance(b.RingPos)
				v += 160 * band(d, b.RingRadius*0.8, b.RingRadius, soft)
			}
			for _, hole := range b.HolePos {
				v -= 55 * step(hole.Distance(p), b.HoleRadius, soft)
			}
			if spotOn {
				d := p.Distance(spotWorld)
				sigma := 2*psX + soft
				v += 200 * math.Exp(-d*d/(2*sigma*sigma))
			}

			f.Set(px, py, float32(v))
		}
	}
	return f
}

// step is 1 inside radius r, 0 outside, with a soft edge of width soft.
func step(d, r, soft float64) float64 {
	if soft <= 0 {
		if d <= r {
			return 1
		}
		return 0
	}
	x := (r - d) / soft
	switch {
	case x >= 1:
		return 1
	case x <= 0:
		return 0
	default:
		return x * x * (3 - 2*x)
	}
}

// band is 1 between the inner and outer radius, 0 elsewhere, soft-edged.
func band(d, inner, outer, soft float64) float64 {
	return step(d, outer, soft) * (1 - step(d, inner, soft))
}
