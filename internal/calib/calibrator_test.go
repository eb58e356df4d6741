package calib

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"microcal/internal/frame"
	"microcal/internal/hardware"
	"microcal/internal/task"
	"microcal/pkg/geometry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubMover is an instantly-moving Mover shared by the stage and focus
// stubs.
type stubMover struct {
	mu  sync.Mutex
	pos hardware.AxisMap
}

func newStubMover() *stubMover {
	return &stubMover{pos: hardware.AxisMap{}}
}

func (m *stubMover) MoveAbs(pos hardware.AxisMap) *task.Task {
	return task.Run("move", time.Millisecond, func(*task.Task) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for k, v := range pos {
			m.pos[k] = v
		}
		return nil
	})
}

func (m *stubMover) MoveRel(shift hardware.AxisMap) *task.Task {
	return task.Run("move", time.Millisecond, func(*task.Task) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for k, v := range shift {
			m.pos[k] += v
		}
		return nil
	})
}

func (m *stubMover) Position() hardware.AxisMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := hardware.AxisMap{}
	for k, v := range m.pos {
		out[k] = v
	}
	return out
}

type stubStage struct{ *stubMover }

func (s stubStage) Reference(axes []string) *task.Task {
	return task.Run("reference", time.Millisecond, func(*task.Task) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, a := range axes {
			s.pos[a] = 0
		}
		return nil
	})
}

func (s stubStage) Range(string) (float64, float64, bool) { return -1, 1, true }

type stubScanner struct {
	mu       sync.Mutex
	resW     int
	resH     int
	scale    geometry.Point2D
	trans    geometry.Point2D
	rotation float64
	dwell    float64
	voltage  float64
	spot     float64
	hfw      float64
	metadata map[string]float64
}

func newStubScanner() *stubScanner {
	return &stubScanner{
		resW: 512, resH: 512,
		scale: geometry.Point2D{X: 1, Y: 1},
		dwell: 1e-6, voltage: 2e3, spot: 1.5, hfw: 2e-3,
		metadata: map[string]float64{},
	}
}

func (s *stubScanner) Resolution() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resW, s.resH
}

func (s *stubScanner) SetResolution(w, h int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resW, s.resH = w, h
	return nil
}

func (s *stubScanner) Scale() geometry.Point2D {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scale
}

func (s *stubScanner) SetScale(v geometry.Point2D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scale = v
	return nil
}

func (s *stubScanner) Translation() geometry.Point2D {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trans
}

func (s *stubScanner) SetTranslation(v geometry.Point2D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trans = v
	return nil
}

func (s *stubScanner) Rotation() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotation
}

func (s *stubScanner) SetRotation(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotation = v
	return nil
}

func (s *stubScanner) DwellTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dwell
}

func (s *stubScanner) SetDwellTime(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dwell = v
	return nil
}

func (s *stubScanner) AcceleratingVoltage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voltage
}

func (s *stubScanner) SetAcceleratingVoltage(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voltage = v
	return nil
}

func (s *stubScanner) SpotSize() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spot
}

func (s *stubScanner) SetSpotSize(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spot = v
	return nil
}

func (s *stubScanner) HorizontalFieldWidth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hfw
}

func (s *stubScanner) SetHorizontalFieldWidth(v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hfw = v
	return nil
}

func (s *stubScanner) Metadata() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]float64{}
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *stubScanner) SetMetadata(key string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

type stubDetector struct {
	mu       sync.Mutex
	exposure float64
	binX     int
	binY     int
	resW     int
	resH     int
	subs     map[string]bool
	acquires int
}

func newStubDetector() *stubDetector {
	return &stubDetector{exposure: 0.1, binX: 1, binY: 1, resW: 64, resH: 64, subs: map[string]bool{}}
}

func (d *stubDetector) Acquire(bool) (*frame.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquires++
	f := frame.New(16, 16, frame.Metadata{
		PixelSize: geometry.Point2D{X: 1e-6, Y: 1e-6},
	})
	return f, nil
}

func (d *stubDetector) Subscribe(id string, fn func(*frame.Frame)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[id] = true
}

func (d *stubDetector) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, id)
}

func (d *stubDetector) ApplyAutoContrast() *task.Task { return task.Completed("auto-contrast", nil) }

func (d *stubDetector) ExposureTime() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exposure
}

func (d *stubDetector) SetExposureTime(v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exposure = v
	return nil
}

func (d *stubDetector) Binning() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.binX, d.binY
}

func (d *stubDetector) SetBinning(x, y int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.binX, d.binY = x, y
	return nil
}

func (d *stubDetector) Resolution() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resW, d.resH
}

func (d *stubDetector) SetResolution(w, h int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resW, d.resH = w, h
	return nil
}

type stubChamber struct {
	mu        sync.Mutex
	pressure  float64
	pressures []hardware.PressureState
}

func newStubChamber() *stubChamber {
	return &stubChamber{
		pressure: 1e4,
		pressures: []hardware.PressureState{
			{Value: 1e4, Name: "overview"},
			{Value: 1e-3, Name: "vacuum"},
		},
	}
}

func (c *stubChamber) MoveAbs(pos hardware.AxisMap) *task.Task {
	return task.Run("pump", time.Millisecond, func(*task.Task) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.pressure = pos["vacuum"]
		return nil
	})
}

func (c *stubChamber) Pressures() []hardware.PressureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressures
}

func (c *stubChamber) Pressure() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressure
}

type stubEmitter struct{}

func (stubEmitter) WriteSpot() *task.Task { return task.Completed("spot", nil) }

// scriptedFinder scripts detection outcomes per call index.
type scriptedFinder struct {
	mu    sync.Mutex
	calls map[string]int

	circleFn func(n int) (geometry.Point2D, error)
	ringFn   func(n int) (geometry.Point2D, error)
	spotFn   func(n int) (geometry.Point2D, error)
	shiftFn  func(n int) (geometry.Point2D, error)
}

func newScriptedFinder() *scriptedFinder {
	return &scriptedFinder{calls: map[string]int{}}
}

func (f *scriptedFinder) next(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[kind]
	f.calls[kind]++
	return n
}

func (f *scriptedFinder) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *scriptedFinder) Circle(_ *frame.Frame, _, _ float64) (geometry.Point2D, error) {
	n := f.next("circle")
	if f.circleFn != nil {
		return f.circleFn(n)
	}
	return geometry.Point2D{X: 2e-6, Y: -1e-6}, nil
}

func (f *scriptedFinder) Ring(*frame.Frame) (geometry.Point2D, error) {
	n := f.next("ring")
	if f.ringFn != nil {
		return f.ringFn(n)
	}
	return geometry.Point2D{X: 3e-6, Y: 1e-6}, nil
}

func (f *scriptedFinder) Spot(*frame.Frame) (geometry.Point2D, error) {
	n := f.next("spot")
	if f.spotFn != nil {
		return f.spotFn(n)
	}
	return geometry.Point2D{X: 1e-7, Y: 0}, nil
}

func (f *scriptedFinder) Brightest(*frame.Frame) geometry.Point2D {
	f.next("brightest")
	return geometry.Point2D{X: 4e-6, Y: 4e-6}
}

func (f *scriptedFinder) Shift(_, _ *frame.Frame, _ int) (geometry.Point2D, error) {
	n := f.next("shift")
	if f.shiftFn != nil {
		return f.shiftFn(n)
	}
	return geometry.Point2D{X: 1.0, Y: 0.5}, nil
}

func (f *scriptedFinder) Sharpness(*frame.Frame) float64 {
	f.next("sharpness")
	return 1
}

type stubAligner struct {
	fn func() (OverlayResult, error)
}

func (a *stubAligner) Align(*task.Task) (OverlayResult, error) {
	if a.fn != nil {
		return a.fn()
	}
	return OverlayResult{Scale: geometry.Point2D{X: 1.02, Y: 0.98}, Rotation: 0.01}, nil
}

// testRig bundles a Calibrator wired to stubs.
type testRig struct {
	cfg     Config
	cal     *Calibrator
	finder  *scriptedFinder
	aligner *stubAligner
	scanner *stubScanner
	det     *stubDetector
	chamber *stubChamber
	states  *[]State
	mu      *sync.Mutex
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	return newTestRigCfg(t, nil)
}

func newTestRigCfg(t *testing.T, mutate func(*Config)) *testRig {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.AutofocusSteps = 3
	cfg.ExhaustiveFocusSteps = 3
	if mutate != nil {
		mutate(&cfg)
	}

	finder := newScriptedFinder()
	aligner := &stubAligner{}
	scanner := newStubScanner()
	det := newStubDetector()
	chamber := newStubChamber()

	var mu sync.Mutex
	states := []State{}
	cal := New(cfg, Deps{
		OpticalStage: stubStage{newStubMover()},
		SEMStage:     stubStage{newStubMover()},
		Focus:        newStubMover(),
		Scanner:      scanner,
		Detector:     det,
		Chamber:      chamber,
		Emitter:      stubEmitter{},
		Finder:       finder,
		Aligner:      aligner,
	}, func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	return &testRig{
		cfg: cfg, cal: cal, finder: finder, aligner: aligner,
		scanner: scanner, det: det, chamber: chamber,
		states: &states, mu: &mu,
	}
}

func (r *testRig) recordedStates() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), *r.states...)
}

func (r *testRig) reportPath(t *testing.T) string {
	t.Helper()
	entries, err := os.ReadDir(r.cfg.OutputDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return filepath.Join(r.cfg.OutputDir, entries[0].Name(), "calibration.txt")
}

func TestPipelineCompletes(t *testing.T) {
	rig := newTestRig(t)

	run, res := rig.cal.Run("holder-7")
	require.NoError(t, run.Wait())

	states := rig.recordedStates()
	assert.Equal(t, StateDone, states[len(states)-1])

	for _, key := range []string{
		"lens_pos", "top_hole", "bottom_hole", "hole_focus",
		"scale_shift", "hfw_a", "resolution_a", "resolution_b",
		"stage_trans", "stage_rotation", "stage_scaling",
		"image_scaling", "image_rotation", "image_shear", "optical_focus",
	} {
		_, ok := res.Get(key)
		assert.True(t, ok, "missing result key %s", key)
	}

	// Hole position is the stage target plus the detected offset.
	top, _ := res.Get("top_hole")
	assert.InDelta(t, 2e-6, top.(geometry.Point2D).X, 1e-12)
	assert.InDelta(t, 350e-6-1e-6, top.(geometry.Point2D).Y, 1e-12)

	// Beam-shift coefficients are persisted into the scanner metadata.
	md := rig.scanner.Metadata()
	assert.Contains(t, md, hardware.MDSpotShift)
	assert.Contains(t, md, hardware.MDResolutionIntercept)

	data, err := os.ReadFile(rig.reportPath(t))
	require.NoError(t, err)
	report := string(data)
	assert.True(t, strings.HasPrefix(report, "[holder-7]\n"))
	assert.Contains(t, report, "lens_pos_x = ")
	assert.Contains(t, report, "stage_rotation = ")
}

func TestRunRestoresScannerSettings(t *testing.T) {
	rig := newTestRig(t)
	wantHFW := rig.scanner.HorizontalFieldWidth()
	wantVoltage := rig.scanner.AcceleratingVoltage()
	wantW, wantH := rig.scanner.Resolution()

	run, _ := rig.cal.Run("holder-1")
	require.NoError(t, run.Wait())

	assert.Equal(t, wantHFW, rig.scanner.HorizontalFieldWidth())
	assert.Equal(t, wantVoltage, rig.scanner.AcceleratingVoltage())
	gotW, gotH := rig.scanner.Resolution()
	assert.Equal(t, wantW, gotW)
	assert.Equal(t, wantH, gotH)

	// The unblank subscription is removed again.
	rig.det.mu.Lock()
	defer rig.det.mu.Unlock()
	assert.Empty(t, rig.det.subs)
}

func TestCancelMidRotationScaleRestoresAndPersists(t *testing.T) {
	rig := newTestRig(t)
	wantHFW := rig.scanner.HorizontalFieldWidth()

	// Twin-stage alignment consumes the first two spot lookups; the third
	// belongs to the rotation/scaling step.
	reached := make(chan struct{})
	rig.finder.spotFn = func(n int) (geometry.Point2D, error) {
		switch n {
		case 0:
			return geometry.Point2D{X: 8e-6, Y: 0}, nil
		case 2:
			close(reached)
			time.Sleep(20 * time.Millisecond)
		}
		return geometry.Point2D{X: 1e-7, Y: 0}, nil
	}

	run, res := rig.cal.Run("holder-2")
	<-reached
	assert.True(t, run.Cancel())
	assert.ErrorIs(t, run.Wait(), task.ErrCancelled)

	states := rig.recordedStates()
	assert.Equal(t, StateCancelled, states[len(states)-1])
	assert.Contains(t, states, StateRotationScale)

	assert.Equal(t, wantHFW, rig.scanner.HorizontalFieldWidth())

	// Partial results up to the interruption are persisted.
	data, err := os.ReadFile(rig.reportPath(t))
	require.NoError(t, err)
	report := string(data)
	assert.Contains(t, report, "lens_pos_x = ")
	assert.Contains(t, report, "top_hole_x = ")
	assert.Contains(t, report, "bottom_hole_x = ")
	_, hasFine := res.Get("image_rotation")
	assert.False(t, hasFine)
}

func TestCancelDuringHoleRetryReportsCancelled(t *testing.T) {
	rig := newTestRig(t)

	// The first miss triggers the autofocus-then-retry path; cancellation
	// lands while the retry lookup is still running, so the detection
	// failure and the cancellation race at the terminal transition.
	reached := make(chan struct{})
	rig.finder.circleFn = func(n int) (geometry.Point2D, error) {
		if n == 1 {
			close(reached)
			time.Sleep(20 * time.Millisecond)
		}
		return geometry.Point2D{}, errors.New("no circle")
	}

	run, _ := rig.cal.Run("holder-11")
	<-reached
	assert.True(t, run.Cancel())
	assert.ErrorIs(t, run.Wait(), task.ErrCancelled)

	states := rig.recordedStates()
	assert.Equal(t, StateCancelled, states[len(states)-1])
	assert.NotContains(t, states, StateFailed)
}

func TestTwinStageStepCountBounded(t *testing.T) {
	rig := newTestRigCfg(t, func(c *Config) {
		c.MaxAlignSteps = 5
	})
	// The measured offset never shrinks, so only the step cap ends the
	// search loop.
	rig.finder.spotFn = func(int) (geometry.Point2D, error) {
		return geometry.Point2D{X: 100e-6, Y: 0}, nil
	}

	run, res := rig.cal.Run("holder-10")
	require.NoError(t, run.Wait())

	// One initial lookup plus the capped five steps in the twin-stage
	// search, then one per rotation/scaling position.
	assert.Equal(t, 1+5+4, rig.finder.count("spot"))
	_, ok := res.Get("stage_trans")
	assert.True(t, ok)
}

func TestEstimatorsFallBackWhenShiftUnusable(t *testing.T) {
	rig := newTestRig(t)
	rig.finder.shiftFn = func(int) (geometry.Point2D, error) {
		return geometry.Point2D{}, errors.New("no correlation peak")
	}

	run, res := rig.cal.Run("holder-3")
	require.NoError(t, run.Wait())

	spot, _ := res.Get("scale_shift")
	assert.Equal(t, rig.cfg.FallbackSpotShift, spot)
	hfw, _ := res.Get("hfw_a")
	assert.Equal(t, rig.cfg.FallbackHFWShift, hfw)
	slope, _ := res.Get("resolution_a")
	assert.Equal(t, rig.cfg.FallbackResolutionSlope, slope)
	intercept, _ := res.Get("resolution_b")
	assert.Equal(t, rig.cfg.FallbackResolutionIntercept, intercept)
}

func TestMissingOverviewPressureFailsFast(t *testing.T) {
	rig := newTestRig(t)
	rig.chamber.mu.Lock()
	rig.chamber.pressures = []hardware.PressureState{{Value: 1e-3, Name: "vacuum"}}
	rig.chamber.mu.Unlock()

	run, _ := rig.cal.Run("holder-4")
	assert.ErrorIs(t, run.Wait(), ErrNoOverviewPressure)
	assert.Zero(t, rig.det.acquires)

	// The listener still sees a terminal state on the fail-fast path.
	states := rig.recordedStates()
	require.NotEmpty(t, states)
	assert.Equal(t, StateFailed, states[len(states)-1])
}

func TestHoleRetryAfterAutofocus(t *testing.T) {
	rig := newTestRig(t)
	rig.finder.circleFn = func(n int) (geometry.Point2D, error) {
		if n == 0 {
			return geometry.Point2D{}, errors.New("no circle")
		}
		return geometry.Point2D{X: 1e-6, Y: 0}, nil
	}

	run, res := rig.cal.Run("holder-5")
	require.NoError(t, run.Wait())

	_, ok := res.Get("top_hole")
	assert.True(t, ok)
	// The retry is preceded by an autofocus sweep.
	assert.Greater(t, rig.finder.count("sharpness"), 0)
}

func TestHoleMissFailsPipeline(t *testing.T) {
	rig := newTestRig(t)
	rig.finder.circleFn = func(int) (geometry.Point2D, error) {
		return geometry.Point2D{}, errors.New("no circle")
	}

	run, _ := rig.cal.Run("holder-6")
	err := run.Wait()
	var nf *FeatureNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "circle", nf.Feature)

	states := rig.recordedStates()
	assert.Equal(t, StateFailed, states[len(states)-1])
}

func TestFineAlignRejectsExcessiveRotation(t *testing.T) {
	rig := newTestRig(t)
	rig.aligner.fn = func() (OverlayResult, error) {
		return OverlayResult{Scale: geometry.Point2D{X: 1, Y: 1}, Rotation: 0.5}, nil
	}

	run, _ := rig.cal.Run("holder-8")
	err := run.Wait()
	var inv *InvalidResultError
	require.ErrorAs(t, err, &inv)
	assert.Contains(t, inv.Reason, "rotation")
}

func TestFineAlignRetriesAfterExhaustiveFocus(t *testing.T) {
	rig := newTestRig(t)
	var aligns int
	rig.aligner.fn = func() (OverlayResult, error) {
		aligns++
		if aligns == 1 {
			return OverlayResult{}, errors.New("spots too blurry")
		}
		return OverlayResult{Scale: geometry.Point2D{X: 1, Y: 1}, Rotation: 0}, nil
	}

	run, res := rig.cal.Run("holder-9")
	require.NoError(t, run.Wait())

	assert.Equal(t, 2, aligns)
	assert.Greater(t, rig.finder.count("sharpness"), 0)
	_, ok := res.Get("image_scaling")
	assert.True(t, ok)
}

func TestResolutionShiftCoefficient(t *testing.T) {
	assert.Zero(t, ResolutionShiftCoefficient(0, 5))
	assert.InDelta(t, 2.5, ResolutionShiftCoefficient(2, -5), 1e-12)
}
