// Package calib implements the two-stage microscope calibration pipeline:
// navigating the sample holder, measuring the beam-shift coefficients of the
// e-beam column, aligning the optical stage to the electron stage, and
// fitting the camera overlay transform. A run is a single cancellable task;
// hardware settings captured at the start are restored on every exit path.
package calib

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"microcal/internal/frame"
	"microcal/internal/hardware"
	"microcal/internal/task"
	"microcal/pkg/geometry"
)

// State is the externally visible progress of a calibration run.
type State int

const (
	StateInit State = iota
	StateOverviewNav
	StateLensFound
	StateSEMCalib
	StateTwinStageOffset
	StateRotationScale
	StateFineAlign
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOverviewNav:
		return "overview-navigation"
	case StateLensFound:
		return "lens-found"
	case StateSEMCalib:
		return "sem-calibration"
	case StateTwinStageOffset:
		return "twin-stage-offset"
	case StateRotationScale:
		return "rotation-scale"
	case StateFineAlign:
		return "fine-alignment"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Deps groups the hardware and measurement dependencies of a Calibrator.
// Finder and Aligner default to the live implementations when nil.
type Deps struct {
	OpticalStage hardware.Stage
	SEMStage     hardware.Stage
	Focus        hardware.Focus
	Scanner      hardware.Scanner
	Detector     hardware.Detector
	Chamber      hardware.Chamber
	Emitter      hardware.Emitter

	Finder  Finder
	Aligner OverlayAligner
}

// Calibrator runs the calibration pipeline. It is stateless between runs;
// all per-run data lives in the run struct.
type Calibrator struct {
	cfg  Config
	deps Deps

	stateFn func(State)
}

// New creates a Calibrator. onState, if non-nil, is invoked on every state
// transition, including the terminal one.
func New(cfg Config, deps Deps, onState func(State)) *Calibrator {
	if deps.Finder == nil {
		deps.Finder = NewFinder()
	}
	if deps.Aligner == nil {
		deps.Aligner = &spotGridAligner{cfg: cfg, deps: &deps}
	}
	return &Calibrator{cfg: cfg, deps: deps, stateFn: onState}
}

// run is the per-run scratchpad shared by the pipeline steps.
type run struct {
	t   *task.Task
	res *Result
	log *acqLog
	dir string

	state State

	remaining []stepCost
	holderID  string
	snap      *hardware.Snapshot
}

// stepCost is the empirical duration of one pipeline step, used to revise
// the task's end estimate as steps complete.
type stepCost struct {
	state State
	cost  time.Duration
}

// stepCosts is the nominal duration of each step on real hardware. The
// numbers only shape the progress estimate; correctness never depends on
// them.
var stepCosts = []stepCost{
	{StateOverviewNav, 30 * time.Second},
	{StateLensFound, 20 * time.Second},
	{StateSEMCalib, 90 * time.Second},
	{StateTwinStageOffset, 60 * time.Second},
	{StateRotationScale, 60 * time.Second},
	{StateFineAlign, 40 * time.Second},
}

func totalCost(costs []stepCost) time.Duration {
	var sum time.Duration
	for _, c := range costs {
		sum += c.cost
	}
	return sum
}

// notify reports a state transition to the listener.
func (c *Calibrator) notify(s State) {
	slog.Info("calibration state", "state", s.String())
	if c.stateFn != nil {
		c.stateFn(s)
	}
}

// setState advances the run state, notifies the listener and revises the
// remaining-time estimate.
func (c *Calibrator) setState(r *run, s State) {
	r.state = s
	c.notify(s)
	for len(r.remaining) > 0 && r.remaining[0].state <= s {
		r.remaining = r.remaining[1:]
	}
	r.t.SetEnd(time.Now().Add(totalCost(r.remaining)))
}

// await runs a hardware sub-task under the run task's cancellation scope.
func (r *run) await(sub *task.Task) error {
	return r.t.Await(sub)
}

// acquire grabs a fresh frame and archives it under the given step name.
func (c *Calibrator) acquire(r *run, step string) (*frame.Frame, error) {
	if err := r.t.CheckCancelled(); err != nil {
		return nil, err
	}
	f, err := c.deps.Detector.Acquire(true)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", step, err)
	}
	r.log.save(step, f)
	return f, nil
}

// Run starts a full calibration for the given sample holder and returns its
// task. The result map is live: callers may inspect it while the run is in
// progress and after it ends, whatever the outcome.
func (c *Calibrator) Run(holderID string) (*task.Task, *Result) {
	res := NewResult()
	t := task.Run("calibration "+holderID, totalCost(stepCosts), func(t *task.Task) error {
		return c.execute(t, holderID, res)
	})
	return t, res
}

func (c *Calibrator) execute(t *task.Task, holderID string, res *Result) error {
	// Fail fast before touching hardware: without an enumerated overview
	// pressure the first step can never succeed.
	if _, ok := findPressure(c.deps.Chamber, "overview"); !ok {
		c.notify(StateFailed)
		return ErrNoOverviewPressure
	}

	dir := filepath.Join(c.cfg.OutputDir,
		fmt.Sprintf("%s-%s", holderID, time.Now().Format("20060102-150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.notify(StateFailed)
		return fmt.Errorf("create run directory: %w", err)
	}

	r := &run{
		t:         t,
		res:       res,
		log:       newAcqLog(dir),
		dir:       dir,
		state:     StateInit,
		remaining: append([]stepCost(nil), stepCosts...),
		holderID:  holderID,
	}

	// Keep the beam unblanked for the whole run. A no-op consumer is the
	// documented way to do that.
	const unblankID = "calibration-unblank"
	c.deps.Detector.Subscribe(unblankID, func(*frame.Frame) {})

	r.snap = hardware.TakeSnapshot(c.deps.Detector, c.deps.Scanner)

	runErr := c.pipeline(r)

	// Cleanup runs on every exit path, restore before the report so the
	// instrument is already safe when the task is observed finished.
	c.deps.Detector.Unsubscribe(unblankID)
	if err := r.snap.Restore(c.deps.Detector, c.deps.Scanner); err != nil {
		slog.Error("settings restore incomplete", "err", err)
	}
	if err := res.WriteReport(r.dir, r.holderID); err != nil {
		slog.Error("report write failed", "err", err)
	}
	r.log.close()

	// A cancellation request always wins over whatever error surfaced
	// while the worker was winding down, matching the task's own
	// late-cancellation rule.
	switch {
	case errors.Is(runErr, task.ErrCancelled) || t.Cancelled():
		c.setState(r, StateCancelled)
	case runErr != nil:
		c.setState(r, StateFailed)
	default:
		c.setState(r, StateDone)
	}
	return runErr
}

// pipeline is the step sequence proper. Any error aborts the remaining
// steps; partial results stay in the result map.
func (c *Calibrator) pipeline(r *run) error {
	c.setState(r, StateOverviewNav)
	if err := c.findLens(r); err != nil {
		return err
	}
	c.setState(r, StateLensFound)

	c.setState(r, StateSEMCalib)
	if err := c.prepareVacuum(r); err != nil {
		return err
	}
	if err := c.findHoles(r); err != nil {
		return err
	}
	if err := c.measureBeamShifts(r); err != nil {
		return err
	}

	c.setState(r, StateTwinStageOffset)
	if err := c.alignTwinStage(r); err != nil {
		return err
	}

	c.setState(r, StateRotationScale)
	if err := c.solveStageTransform(r); err != nil {
		return err
	}

	c.setState(r, StateFineAlign)
	if err := c.fineAlign(r); err != nil {
		return err
	}
	return nil
}

// pointOf projects the x/y axes of a stage position.
func pointOf(m hardware.AxisMap) geometry.Point2D {
	return geometry.Point2D{X: m["x"], Y: m["y"]}
}

// findPressure looks up an enumerated chamber pressure by name.
func findPressure(ch hardware.Chamber, name string) (hardware.PressureState, bool) {
	for _, p := range ch.Pressures() {
		if p.Name == name {
			return p, true
		}
	}
	return hardware.PressureState{}, false
}
