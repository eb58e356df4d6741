package sim

import (
	"fmt"
	"sync"
	"time"

	"microcal/internal/hardware"
	"microcal/internal/task"
)

// Default simulated pressures.
const (
	PressureOverview = 1e4  // Pa, chamber vented enough for the overview camera
	PressureVacuum   = 1e-3 // Pa, SEM operating vacuum
)

// ChamberSim models the vacuum chamber with slow pressure transitions.
type ChamberSim struct {
	latency time.Duration

	mu       sync.Mutex
	pressure float64
	states   []hardware.PressureState
}

// NewChamber creates a chamber starting at the overview pressure.
func NewChamber(latency time.Duration) *ChamberSim {
	return &ChamberSim{
		latency:  latency,
		pressure: PressureOverview,
		states: []hardware.PressureState{
			{Value: PressureOverview, Name: "overview"},
			{Value: PressureVacuum, Name: "vacuum"},
		},
	}
}

// MoveAbs moves the "vacuum" axis to one of the enumerated pressures.
func (c *ChamberSim) MoveAbs(pos hardware.AxisMap) *task.Task {
	target, ok := pos["vacuum"]
	return task.Run("chamber.moveAbs", c.latency, func(t *task.Task) error {
		if !ok {
			return fmt.Errorf("chamber: missing vacuum axis")
		}
		c.mu.Lock()
		known := false
		for _, s := range c.states {
			if s.Value == target {
				known = true
				break
			}
		}
		c.mu.Unlock()
		if !known {
			return fmt.Errorf("chamber: unknown pressure %g", target)
		}

		if err := sleepCancellable(t, c.latency); err != nil {
			return err
		}
		c.mu.Lock()
		c.pressure = target
		c.mu.Unlock()
		return nil
	})
}

// Pressures enumerates the selectable pressure states.
func (c *ChamberSim) Pressures() []hardware.PressureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]hardware.PressureState, len(c.states))
	copy(out, c.states)
	return out
}

// Pressure returns the current chamber pressure.
func (c *ChamberSim) Pressure() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressure
}
