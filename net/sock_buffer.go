package net

import (
	"bytes"
	"io"

	"golang.org/x/sys/unix"
)

// sockBuffer is the buffered-I/O handle around a nonblocking socket: an
// input buffer filled from the fd and an output buffer flushed to it.
// Readiness is surfaced by the reactor; sockBuffer itself never blocks.
type sockBuffer struct {
	fd     int
	input  bytes.Buffer
	output bytes.Buffer
}

func newSockBuffer(fd int) *sockBuffer {
	return &sockBuffer{fd: fd}
}

// fill reads from the socket until EAGAIN, appending to the input buffer.
// Returns the bytes added; io.EOF once the peer has shut down, after any
// preceding data has been buffered.
func (s *sockBuffer) fill() (int, error) {
	if s.fd < 0 {
		return 0, io.EOF
	}
	total := 0
	buf := bytesPool.Get().([]byte)
	defer bytesPool.Put(buf)

	for {
		n, err := unix.Read(s.fd, buf)
		if n > 0 {
			s.input.Write(buf[:n])
			total += n
			continue
		}
		if n == 0 && err == nil {
			return total, io.EOF
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return total, nil
		default:
			return total, err
		}
	}
}

// peek exposes the contiguous unread prefix of the input buffer.
func (s *sockBuffer) peek() []byte {
	return s.input.Bytes()
}

// discard drops n consumed bytes from the front of the input buffer.
func (s *sockBuffer) discard(n int) {
	s.input.Next(n)
}

// queue appends data to the output buffer, first attempting a direct
// write when nothing is pending. Reports whether bytes remain buffered
// and write readiness is therefore needed; a hard write error is left for
// the next flush to surface through the reactor.
func (s *sockBuffer) queue(data []byte) bool {
	if s.fd < 0 {
		return false
	}
	if s.output.Len() > 0 {
		s.output.Write(data)
		return true
	}

	written := 0
	for written < len(data) {
		n, err := unix.Write(s.fd, data[written:])
		if n > 0 {
			written += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		break
	}
	if written < len(data) {
		s.output.Write(data[written:])
		return true
	}
	return false
}

// flush writes buffered output until EAGAIN or empty. Reports whether
// bytes are still pending.
func (s *sockBuffer) flush() (bool, error) {
	if s.fd < 0 {
		return false, io.ErrClosedPipe
	}
	for s.output.Len() > 0 {
		n, err := unix.Write(s.fd, s.output.Bytes())
		if n > 0 {
			s.output.Next(n)
			continue
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return true, nil
		default:
			return true, err
		}
	}
	return false, nil
}

func (s *sockBuffer) pendingOutput() int {
	return s.output.Len()
}

func (s *sockBuffer) close() {
	if s.fd >= 0 {
		_ = unix.Close(s.fd)
		s.fd = -1
	}
}
