package sim

import (
	"fmt"
	"sync"
	"time"

	"microcal/internal/frame"
	"microcal/internal/task"
)

// DetectorSim is a camera whose frames are rendered by the bench from the
// simulated sample geometry.
type DetectorSim struct {
	mu         sync.Mutex
	exposure   float64
	binX, binY int
	resW, resH int
	render     func(w, h int) *frame.Frame
	subs       map[string]func(*frame.Frame)
}

// NewDetector creates a detector; the render callback is installed by the
// bench.
func NewDetector() *DetectorSim {
	return &DetectorSim{
		exposure: 0.1,
		binX:     1, binY: 1,
		resW: 512, resH: 512,
		subs: make(map[string]func(*frame.Frame)),
	}
}

// Acquire renders one frame at the effective (binned) resolution. With
// waitForNext it first waits out one exposure, modelling the discard of a
// stale buffered frame.
func (d *DetectorSim) Acquire(waitForNext bool) (*frame.Frame, error) {
	d.mu.Lock()
	render := d.render
	exposure := d.exposure
	w := d.resW / d.binX
	h := d.resH / d.binY
	subs := make([]func(*frame.Frame), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()

	if render == nil {
		return nil, fmt.Errorf("detector not attached to a bench")
	}
	if waitForNext {
		time.Sleep(time.Duration(exposure * float64(time.Second) / 10))
	}

	f := render(w, h)
	for _, fn := range subs {
		fn(f)
	}
	return f, nil
}

// Subscribe registers a frame consumer.
func (d *DetectorSim) Subscribe(id string, fn func(*frame.Frame)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[id] = fn
}

// Unsubscribe removes a frame consumer.
func (d *DetectorSim) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, id)
}

// ApplyAutoContrast is a no-op on the simulator beyond its latency.
func (d *DetectorSim) ApplyAutoContrast() *task.Task {
	return task.Run("detector.autoContrast", 20*time.Millisecond, func(t *task.Task) error {
		return sleepCancellable(t, 20*time.Millisecond)
	})
}

func (d *DetectorSim) ExposureTime() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exposure
}

func (d *DetectorSim) SetExposureTime(v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exposure = v
	return nil
}

func (d *DetectorSim) Binning() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.binX, d.binY
}

func (d *DetectorSim) SetBinning(x, y int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if x < 1 || y < 1 {
		return fmt.Errorf("invalid binning %dx%d", x, y)
	}
	d.binX, d.binY = x, y
	return nil
}

func (d *DetectorSim) Resolution() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resW, d.resH
}

func (d *DetectorSim) SetResolution(w, h int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w < 8 || h < 8 {
		return fmt.Errorf("invalid resolution %dx%d", w, h)
	}
	d.resW, d.resH = w, h
	return nil
}
