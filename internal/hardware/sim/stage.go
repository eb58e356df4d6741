// Package sim provides simulated hardware implementations of the
// capability contracts. They back the CLI demo and the end-to-end tests:
// stages with travel limits and move latency, a scanner with the clamping
// semantics of the real column, and a detector rendering synthetic frames
// from the simulated sample geometry.
package sim

import (
	"fmt"
	"sync"
	"time"

	"microcal/internal/hardware"
	"microcal/internal/task"
)

// moveStep is the polling granularity of simulated moves; cancellation is
// observed at this resolution.
const moveStep = 5 * time.Millisecond

// sleepCancellable waits for d, observing cancellation of t.
func sleepCancellable(t *task.Task, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		if err := t.CheckCancelled(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if remaining > moveStep {
			remaining = moveStep
		}
		time.Sleep(remaining)
	}
}

// StageSim is a multi-axis linear stage with travel limits.
type StageSim struct {
	name    string
	latency time.Duration

	mu     sync.Mutex
	pos    hardware.AxisMap
	ranges map[string][2]float64
}

// NewStage creates a stage with the given axes, all at position 0.
func NewStage(name string, latency time.Duration, ranges map[string][2]float64) *StageSim {
	pos := make(hardware.AxisMap, len(ranges))
	for axis := range ranges {
		pos[axis] = 0
	}
	return &StageSim{name: name, latency: latency, pos: pos, ranges: ranges}
}

// MoveAbs moves the listed axes to absolute positions, clamped to range.
func (s *StageSim) MoveAbs(target hardware.AxisMap) *task.Task {
	return task.Run(s.name+".moveAbs", s.latency, func(t *task.Task) error {
		if err := sleepCancellable(t, s.latency); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for axis, v := range target {
			r, ok := s.ranges[axis]
			if !ok {
				return fmt.Errorf("%s: unknown axis %q", s.name, axis)
			}
			s.pos[axis] = clamp(v, r[0], r[1])
		}
		return nil
	})
}

// MoveRel moves the listed axes by relative distances.
func (s *StageSim) MoveRel(shift hardware.AxisMap) *task.Task {
	return task.Run(s.name+".moveRel", s.latency, func(t *task.Task) error {
		if err := sleepCancellable(t, s.latency); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for axis, v := range shift {
			r, ok := s.ranges[axis]
			if !ok {
				return fmt.Errorf("%s: unknown axis %q", s.name, axis)
			}
			s.pos[axis] = clamp(s.pos[axis]+v, r[0], r[1])
		}
		return nil
	})
}

// Reference homes the given axes to 0.
func (s *StageSim) Reference(axes []string) *task.Task {
	return task.Run(s.name+".reference", 2*s.latency, func(t *task.Task) error {
		if err := sleepCancellable(t, 2*s.latency); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, axis := range axes {
			if _, ok := s.ranges[axis]; !ok {
				return fmt.Errorf("%s: unknown axis %q", s.name, axis)
			}
			s.pos[axis] = 0
		}
		return nil
	})
}

// Position returns a copy of the current axis positions.
func (s *StageSim) Position() hardware.AxisMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(hardware.AxisMap, len(s.pos))
	for k, v := range s.pos {
		out[k] = v
	}
	return out
}

// Range returns the travel limits of an axis.
func (s *StageSim) Range(axis string) (minV, maxV float64, ok bool) {
	r, ok := s.ranges[axis]
	if !ok {
		return 0, 0, false
	}
	return r[0], r[1], true
}

func clamp(v, minV, maxV float64) float64 {
	if v < minV {
		return minV
	}
	if v > maxV {
		return maxV
	}
	return v
}
