package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitState polls until the task reaches the wanted state or the deadline
// expires.
func waitState(t *testing.T, tk *Task, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tk.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task never reached state %v, still %v", want, tk.State())
}

func TestFinishedTaskReturnsResult(t *testing.T) {
	tk := Run("ok", time.Millisecond, func(*Task) error { return nil })
	require.NoError(t, tk.Wait())
	assert.Equal(t, StateFinished, tk.State())
}

func TestCancelAfterFinishReturnsFalse(t *testing.T) {
	tk := Run("quick", time.Millisecond, func(*Task) error { return nil })
	require.NoError(t, tk.Wait())

	assert.False(t, tk.Cancel())
	assert.False(t, tk.Cancel(), "second cancel on a finished task must also return false")
	assert.Equal(t, StateFinished, tk.State())
}

func TestCancelBeforeWorkObservesIt(t *testing.T) {
	started := make(chan struct{})
	tk := Run("slow", time.Second, func(t *Task) error {
		<-started
		// First suspension-point check after the gate.
		if err := t.CheckCancelled(); err != nil {
			return err
		}
		return nil
	})

	go func() {
		tk.Cancel()
	}()
	waitState(t, tk, StateCancelled)
	close(started)

	err := tk.Wait()
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, tk.State())
}

func TestLateCancellationWinsOverSuccess(t *testing.T) {
	gate := make(chan struct{})
	tk := Run("racy", time.Second, func(*Task) error {
		<-gate
		return nil // worker believes it succeeded
	})

	go tk.Cancel()
	waitState(t, tk, StateCancelled)
	close(gate)

	require.ErrorIs(t, tk.Wait(), ErrCancelled)
}

func TestCancelPropagatesToActiveDelegate(t *testing.T) {
	subGate := make(chan struct{})
	sub := Run("sub", time.Second, func(t *Task) error {
		<-subGate
		return t.CheckCancelled()
	})
	parent := Run("parent", time.Second, func(t *Task) error {
		return t.Await(sub)
	})

	// Let the parent record the delegation before cancelling.
	time.Sleep(10 * time.Millisecond)
	go parent.Cancel()
	waitState(t, sub, StateCancelled)
	close(subGate)

	require.ErrorIs(t, parent.Wait(), ErrCancelled)
	require.ErrorIs(t, sub.Wait(), ErrCancelled)
}

func TestAwaitOnCancelledTaskCancelsSub(t *testing.T) {
	tk := Run("pre-cancelled", time.Second, func(t *Task) error {
		for !t.Cancelled() {
			time.Sleep(time.Millisecond)
		}
		sub := Run("child", time.Second, func(*Task) error { return nil })
		return t.Await(sub)
	})

	go tk.Cancel()
	require.ErrorIs(t, tk.Wait(), ErrCancelled)
}

func TestWorkerErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	tk := Run("fail", time.Millisecond, func(*Task) error { return boom })
	require.ErrorIs(t, tk.Wait(), boom)
	assert.Equal(t, StateFinished, tk.State())
}

func TestSetEndRevisesEstimate(t *testing.T) {
	gate := make(chan struct{})
	tk := Run("progress", time.Second, func(*Task) error {
		<-gate
		return nil
	})
	defer func() {
		close(gate)
		_ = tk.Wait()
	}()

	_, end0 := tk.Window()
	revised := end0.Add(30 * time.Second)
	tk.SetEnd(revised)
	_, end1 := tk.Window()
	assert.Equal(t, revised, end1)
}

func TestCompletedTask(t *testing.T) {
	tk := Completed("sync", nil)
	require.NoError(t, tk.Wait())
	assert.False(t, tk.Cancel())
}
