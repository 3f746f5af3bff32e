package net

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The reactor is driven directly here, no loop: Poll from the test
// goroutine is the loop thread by definition.

func pollFor(r Reactor, d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		r.Poll()
	}
}

func TestReactorOneShotTimer(t *testing.T) {
	r := newReactor()
	defer r.Close()

	count := 0
	r.ScheduleLater(1, 5*time.Millisecond, func() { count++ })
	pollFor(r, 50*time.Millisecond)

	require.Equal(t, 1, count)
	// already fired and removed
	require.False(t, r.Cancel(1))
}

func TestReactorRepeatingTimer(t *testing.T) {
	r := newReactor()
	defer r.Close()

	count := 0
	r.ScheduleRepeatedly(1, 10*time.Millisecond, func() { count++ })
	pollFor(r, 120*time.Millisecond)

	require.GreaterOrEqual(t, count, 5)
	require.True(t, r.Cancel(1))

	frozen := count
	pollFor(r, 50*time.Millisecond)
	require.Equal(t, frozen, count)
}

func TestReactorTimerPeriodClamp(t *testing.T) {
	r := newReactor()
	defer r.Close()

	count := 0
	r.ScheduleRepeatedly(7, 0, func() { count++ })
	pollFor(r, 50*time.Millisecond)

	require.GreaterOrEqual(t, count, 3)
	require.True(t, r.Cancel(7))
}

func TestReactorOneShotReschedulesNewID(t *testing.T) {
	r := newReactor()
	defer r.Close()

	var first, second bool
	r.ScheduleLater(1, 5*time.Millisecond, func() {
		first = true
		r.ScheduleLater(2, 5*time.Millisecond, func() { second = true })
	})
	pollFor(r, 60*time.Millisecond)

	require.True(t, first)
	require.True(t, second)
	require.False(t, r.Cancel(1))
	require.False(t, r.Cancel(2))
}

func TestReactorCancelInsideCallback(t *testing.T) {
	r := newReactor()
	defer r.Close()

	count := 0
	r.ScheduleRepeatedly(3, 5*time.Millisecond, func() {
		count++
		r.Cancel(3)
	})
	pollFor(r, 60*time.Millisecond)

	require.Equal(t, 1, count)
	require.False(t, r.Cancel(3))
}

// wakeObject counts read events on a self-pipe.
type wakeObject struct {
	*pipeObject
	woke int
}

func (w *wakeObject) HandleReadEvent() bool {
	w.woke++
	return w.pipeObject.HandleReadEvent()
}

func TestReactorRegisterEmptyMaskThenModify(t *testing.T) {
	r := newReactor()
	defer r.Close()

	w := &wakeObject{pipeObject: newPipeObject()}
	defer w.release()
	w.SetUniqueID(1)

	require.True(t, r.Register(w, 0))
	// double registration of the same id fails
	require.False(t, r.Register(w, 0))

	require.True(t, r.Modify(w, EventRead))

	w.Notify()
	deadline := time.Now().Add(time.Second)
	for w.woke == 0 && time.Now().Before(deadline) {
		r.Poll()
	}
	require.Greater(t, w.woke, 0)

	r.Unregister(w)
	// idempotent
	r.Unregister(w)
}
