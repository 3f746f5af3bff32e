package net

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startLoop runs a fresh loop in its own goroutine and returns it with a
// stopper that blocks until the loop has exited.
func startLoop(t *testing.T) (*EventLoop, func()) {
	t.Helper()
	ready := make(chan *EventLoop, 1)
	done := make(chan struct{})
	go func() {
		loop := NewEventLoop()
		ready <- loop
		loop.Run()
		close(done)
	}()
	loop := <-ready
	stop := func() {
		loop.Stop()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("loop did not stop in time")
		}
	}
	return loop, stop
}

func TestExecuteConcurrent(t *testing.T) {
	loop, stop := startLoop(t)

	const goroutines = 4
	const perGoroutine = 1000

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			futs := make([]*Future, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				futs = append(futs, loop.Execute(func() interface{} {
					counter++
					return nil
				}))
			}
			for _, fut := range futs {
				_, err := fut.GetTimeout(5 * time.Second)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	stop()

	require.Equal(t, goroutines*perGoroutine, counter)
}

func TestExecuteInLoopRunsSynchronously(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	fut := loop.Execute(func() interface{} {
		require.Same(t, loop, Self())
		require.True(t, loop.InThisLoop())
		inner := loop.Execute(func() interface{} { return 42 })
		// inner already resolved, no loop iteration in between
		v, err := inner.GetTimeout(time.Millisecond)
		require.NoError(t, err)
		return v
	})
	v, err := fut.GetTimeout(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestTaskOrdering(t *testing.T) {
	loop, stop := startLoop(t)

	const n = 200
	var order []int
	var last *Future
	for i := 0; i < n; i++ {
		i := i
		last = loop.Execute(func() interface{} {
			order = append(order, i)
			return nil
		})
	}
	_, err := last.GetTimeout(5 * time.Second)
	require.NoError(t, err)
	stop()

	require.Len(t, order, n)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestExecutePanicGoesToFuture(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	fut := loop.Execute(func() interface{} {
		panic("boom")
	})
	_, err := fut.GetTimeout(2 * time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")

	// the loop survived the panic
	v, err := loop.Execute(func() interface{} { return "alive" }).GetTimeout(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "alive", v)
}

func TestStopBeforeRun(t *testing.T) {
	ready := make(chan *EventLoop, 1)
	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		loop := NewEventLoop()
		ready <- loop
		<-stopped
		loop.Run()
		close(done)
	}()
	loop := <-ready
	loop.Stop()
	close(stopped)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop-before-Run")
	}
}

func TestScheduleLaterAndCancelRace(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	fired := make(chan struct{}, 1)
	id := loop.ScheduleLater(80*time.Millisecond, func() {
		fired <- struct{}{}
	})
	time.Sleep(20 * time.Millisecond)
	require.True(t, loop.Cancel(id).Bool())

	select {
	case <-fired:
		t.Fatal("cancelled timer still fired")
	case <-time.After(200 * time.Millisecond):
	}

	// cancel after the callback already ran resolves false
	id = loop.ScheduleLater(30*time.Millisecond, func() {
		fired <- struct{}{}
	})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot timer never fired")
	}
	require.False(t, loop.Cancel(id).Bool())
}

func TestCancelUnknownAndDouble(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	require.False(t, loop.Cancel(TimerID(1<<40)).Bool())

	id := loop.ScheduleRepeatedly(time.Hour, func() {})
	require.True(t, loop.Cancel(id).Bool())
	require.False(t, loop.Cancel(id).Bool())
}

func TestTimerIDsDistinct(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	seen := make(map[TimerID]bool)
	for i := 0; i < 100; i++ {
		id := loop.ScheduleRepeatedly(time.Hour, func() {})
		require.False(t, seen[id], "timer id %d reused", id)
		seen[id] = true
	}
}

func TestScheduleRepeatedlyClampsZeroPeriod(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	var ticks int32
	id := loop.ScheduleRepeatedly(0, func() {
		atomic.AddInt32(&ticks, 1)
	})
	time.Sleep(100 * time.Millisecond)
	loop.Cancel(id)

	require.GreaterOrEqual(t, atomic.LoadInt32(&ticks), int32(3))
}

type dummyObject struct {
	BaseObject
}

func (d *dummyObject) Fd() int               { return -1 }
func (d *dummyObject) HandleReadEvent() bool { return true }

func (d *dummyObject) HandleWriteEvent() bool { return true }
func (d *dummyObject) HandleErrorEvent()      {}

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	fut := loop.Execute(func() interface{} {
		obj := &dummyObject{BaseObject: NewBaseObject()}
		if !loop.Register(obj, 0) {
			return -1
		}
		id := obj.UniqueID()
		loop.Unregister(obj)
		if obj.UniqueID() != InvalidUniqueID {
			return -2
		}
		return id
	})
	v, err := fut.GetTimeout(2 * time.Second)
	require.NoError(t, err)
	require.Greater(t, v.(int), 0)
}

func TestDoubleRegisterIsFatal(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	fut := loop.Execute(func() interface{} {
		obj := &dummyObject{BaseObject: NewBaseObject()}
		require.True(t, loop.Register(obj, 0))
		defer loop.Unregister(obj)
		loop.Register(obj, 0) // panics, captured by the future
		return nil
	})
	_, err := fut.GetTimeout(2 * time.Second)
	require.Error(t, err)
}

func TestObjectIDsDistinct(t *testing.T) {
	loop, stop := startLoop(t)
	defer stop()

	fut := loop.Execute(func() interface{} {
		seen := make(map[int]bool)
		for i := 0; i < 50; i++ {
			obj := &dummyObject{BaseObject: NewBaseObject()}
			if !loop.Register(obj, 0) {
				return false
			}
			if seen[obj.UniqueID()] {
				return false
			}
			seen[obj.UniqueID()] = true
		}
		return true
	})
	v, err := fut.GetTimeout(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, true, v)
}
