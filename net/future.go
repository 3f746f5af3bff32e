package net

import (
	"errors"
	"time"
)

var ErrFutureTimeout = errors.New("future wait time out")

// Future carries the result of a task handed to another goroutine.
// It resolves exactly once.
type Future struct {
	done  chan struct{}
	value interface{}
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value interface{}) {
	f.value = value
	close(f.done)
}

func (f *Future) fail(err error) {
	f.err = err
	close(f.done)
}

// Get blocks until the task has run and returns its result, or the error
// captured from a panicking task.
func (f *Future) Get() (interface{}, error) {
	<-f.done
	return f.value, f.err
}

// GetTimeout is Get with an upper bound on the wait.
func (f *Future) GetTimeout(timeout time.Duration) (interface{}, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return f.value, f.err
	case <-t.C:
		return nil, ErrFutureTimeout
	}
}

// Bool reads the result as a bool, false on error or non-bool value.
func (f *Future) Bool() bool {
	v, err := f.Get()
	if err != nil {
		return false
	}
	b, _ := v.(bool)
	return b
}
