// Package task implements the cancellable progressive future used to run
// every calibration operation. A Task is launched on its own goroutine,
// exposes a revisable completion estimate, and supports cooperative
// cancellation that propagates into whichever sub-task is currently being
// awaited.
package task

import (
	"errors"
	"sync"
	"time"
)

// ErrCancelled is returned by Wait and CheckCancelled once cancellation has
// been requested. A late-arriving cancellation always wins over an in-flight
// successful completion that has not yet been observed.
var ErrCancelled = errors.New("task cancelled")

// State is the lifecycle state of a Task.
type State int

const (
	StateRunning State = iota
	StateCancelled
	StateFinished
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// cancelAckTimeout bounds how long Cancel blocks waiting for the worker to
// acknowledge termination. Cancellation is advisory-with-deadline, not a
// hard kill: after the timeout Cancel returns regardless.
const cancelAckTimeout = 10 * time.Second

// Task is a handle to an in-flight operation. All lifecycle fields are
// guarded by a single mutex; the worker goroutine owns everything else.
type Task struct {
	name string

	mu    sync.Mutex
	state State
	start time.Time
	end   time.Time // estimated completion, revisable
	sub   *Task     // active delegate, receives forwarded cancellation
	err   error

	done chan struct{}
}

// Run launches work on a new goroutine and returns its handle. The work
// function receives the task so it can check cancellation and delegate to
// sub-tasks via Await.
func Run(name string, estimate time.Duration, work func(t *Task) error) *Task {
	now := time.Now()
	t := &Task{
		name:  name,
		state: StateRunning,
		start: now,
		end:   now.Add(estimate),
		done:  make(chan struct{}),
	}
	go func() {
		t.finish(work(t))
	}()
	return t
}

// Completed returns an already-finished task, useful for hardware drivers
// whose operation completes synchronously.
func Completed(name string, err error) *Task {
	now := time.Now()
	t := &Task{
		name:  name,
		state: StateFinished,
		start: now,
		end:   now,
		err:   err,
		done:  make(chan struct{}),
	}
	close(t.done)
	return t
}

// Name returns the task name given at launch.
func (t *Task) Name() string { return t.name }

// finish records the worker's outcome. If cancellation was requested before
// the worker returned, the cancellation wins regardless of the outcome.
func (t *Task) finish(err error) {
	t.mu.Lock()
	if t.state == StateCancelled || errors.Is(err, ErrCancelled) {
		t.state = StateCancelled
		t.err = ErrCancelled
	} else {
		t.state = StateFinished
		t.err = err
	}
	t.sub = nil
	t.mu.Unlock()
	close(t.done)
}

// Cancel requests cooperative cancellation. It returns false if the task
// already finished. Otherwise it marks the task cancelled, forwards the
// request to the active delegate, and blocks up to cancelAckTimeout for the
// worker to acknowledge. Callers must not assume the worker has stopped by
// the time Cancel returns, only that it will stop touching hardware soon.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.state == StateFinished {
		t.mu.Unlock()
		return false
	}
	t.state = StateCancelled
	sub := t.sub
	t.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}

	select {
	case <-t.done:
	case <-time.After(cancelAckTimeout):
	}
	return true
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cancelled reports whether cancellation has been requested.
func (t *Task) Cancelled() bool {
	return t.State() == StateCancelled
}

// CheckCancelled returns ErrCancelled if cancellation has been requested.
// Workers call this immediately before and after every blocking operation.
func (t *Task) CheckCancelled() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

// Done returns a channel closed when the worker has terminated.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the worker terminates and returns its outcome.
// A cancelled task always returns ErrCancelled, never a half success.
func (t *Task) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Window returns the estimated start and end time of the operation.
func (t *Task) Window() (start, end time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start, t.end
}

// SetEnd revises the estimated completion time. Single writer: only the
// worker (or its supervisor) updates the estimate; readers may observe it
// at any time.
func (t *Task) SetEnd(end time.Time) {
	t.mu.Lock()
	t.end = end
	t.mu.Unlock()
}

// Await records sub as the active delegate, waits for it, and clears the
// delegation. Cancellation is checked on both sides of the wait: a request
// issued concurrently with the sub-task must neither hang nor silently
// continue past it.
func (t *Task) Await(sub *Task) error {
	t.mu.Lock()
	if t.state == StateCancelled {
		t.mu.Unlock()
		sub.Cancel()
		return ErrCancelled
	}
	t.sub = sub
	t.mu.Unlock()

	err := sub.Wait()

	t.mu.Lock()
	if t.sub == sub {
		t.sub = nil
	}
	cancelled := t.state == StateCancelled
	t.mu.Unlock()

	if cancelled {
		return ErrCancelled
	}
	return err
}
