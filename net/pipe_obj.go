package net

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pipeObject is the loop's self-pipe: the read end is registered with the
// reactor, the write end is poked from other goroutines to wake the loop.
// The fd fields are immutable after construction, so Notify stays safe
// from any goroutine; closed is flipped once at teardown.
type pipeObject struct {
	BaseObject
	readFd  int
	writeFd int
	closed  int32
}

func newPipeObject() *pipeObject {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		panic(fmt.Sprintf("create pipe error: %v", err))
	}
	return &pipeObject{
		BaseObject: NewBaseObject(),
		readFd:     fds[0],
		writeFd:    fds[1],
	}
}

func (p *pipeObject) Fd() int {
	return p.readFd
}

// HandleReadEvent consumes one byte per wakeup. A spurious wakeup with an
// empty pipe is not an error.
func (p *pipeObject) HandleReadEvent() bool {
	var buf [1]byte
	n, err := unix.Read(p.readFd, buf[:])
	return n == 1 || err == unix.EAGAIN
}

// The notifier never arms write interest.
func (p *pipeObject) HandleWriteEvent() bool {
	panic("pipe notifier got write event")
}

func (p *pipeObject) HandleErrorEvent() {
	panic("pipe notifier got error event")
}

// Notify wakes the loop. Safe from any goroutine; a full pipe already
// guarantees a pending wakeup, so EAGAIN counts as success.
func (p *pipeObject) Notify() bool {
	if atomic.LoadInt32(&p.closed) == 1 {
		return false
	}
	var buf [1]byte
	n, err := unix.Write(p.writeFd, buf[:])
	return n == 1 || err == unix.EAGAIN
}

func (p *pipeObject) release() {
	if atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		_ = unix.Close(p.readFd)
		_ = unix.Close(p.writeFd)
	}
}
