package net

import (
	"golang.org/x/sys/unix"

	"redino/util/log"
)

const listenBacklog = 128

// TCPListener accepts inbound connections and promotes each accepted fd
// into a TCPConn on the loop chosen by the selector (its own loop by
// default).
type TCPListener struct {
	BaseObject
	loop *EventLoop
	fd   int

	onNewConn NewConnCallback
	selector  LoopSelector
}

func NewTCPListener(loop *EventLoop) *TCPListener {
	return &TCPListener{
		BaseObject: NewBaseObject(),
		loop:       loop,
		fd:         -1,
	}
}

func (l *TCPListener) SetNewConnCallback(cb NewConnCallback) { l.onNewConn = cb }
func (l *TCPListener) SetLoopSelector(cb LoopSelector)       { l.selector = cb }

func (l *TCPListener) Fd() int { return l.fd }

// SelectLoop picks the loop for the next accepted connection.
func (l *TCPListener) SelectLoop() *EventLoop {
	if l.selector != nil {
		return l.selector()
	}
	return l.loop
}

// Bind creates the listening socket, registers the listener on its loop
// and enables accepting. One-shot; re-binding the same object fails.
func (l *TCPListener) Bind(ip string, port int) bool {
	if l.fd != -1 {
		log.Errorf("repeat bind tcp socket to port %d", port)
		return false
	}

	sa, err := sockaddr4(ip, port)
	if err != nil {
		log.Errorf("bind to %s:%d: %v", ip, port, err)
		return false
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		log.Errorf("create listen socket error: %v", err)
		return false
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		log.Errorf("set reuse addr error: %v", err)
		_ = unix.Close(fd)
		return false
	}
	if err := unix.Bind(fd, sa); err != nil {
		log.Errorf("bind socket to %s:%d error: %v", ip, port, err)
		_ = unix.Close(fd)
		return false
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		log.Errorf("listen fd error: %v", err)
		_ = unix.Close(fd)
		return false
	}

	// track first, then enable: accepting starts only once read
	// interest is armed
	l.fd = fd
	if !l.loop.Register(l, 0) {
		log.Errorf("add tcp listener to loop failed, socket %d", fd)
		_ = unix.Close(fd)
		l.fd = -1
		return false
	}
	if !l.loop.Modify(l, EventRead) {
		log.Errorf("enable tcp listener failed, socket %d", fd)
		l.loop.Unregister(l)
		_ = unix.Close(fd)
		l.fd = -1
		return false
	}

	log.Info("tcp listen on %s:%d", ip, port)
	return true
}

// Port returns the bound local port, useful after binding port 0.
func (l *TCPListener) Port() int {
	if l.fd == -1 {
		return -1
	}
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return -1
	}
	_, port := sockaddrIPPort(sa)
	return port
}

// HandleReadEvent drains the accept queue. Each accepted fd is promoted
// into a TCPConn on the selected loop; construction and OnAccept run
// there via Execute, so the connection is only ever touched by its own
// loop.
func (l *TCPListener) HandleReadEvent() bool {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return l.handleAcceptError(err)
		}

		peerIP, peerPort := sockaddrIPPort(sa)
		if peerIP == "" {
			log.Errorf("invalid peer address for tcp fd %d", nfd)
			_ = unix.Close(nfd)
			continue
		}
		log.Info("new conn fd %d from %s:%d", nfd, peerIP, peerPort)

		if l.onNewConn == nil {
			log.Warn("close new conn fd %d", nfd)
			_ = unix.Close(nfd)
			continue
		}

		target := l.SelectLoop()
		ccb := l.onNewConn
		target.Execute(func() interface{} {
			conn := NewTCPConn(target)
			conn.SetNewConnCallback(ccb)
			if !target.Register(conn, 0) {
				log.Errorf("failed to register socket %d", nfd)
				_ = unix.Close(nfd)
				return nil
			}
			conn.OnAccept(nfd, peerIP, peerPort)
			return nil
		})
	}
}

// handleAcceptError triages accept(2) failures: transient conditions are
// ignored, resource exhaustion keeps the listener alive, anything else is
// a bug.
func (l *TCPListener) handleAcceptError(err error) bool {
	switch err {
	case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED, unix.EPROTO:
		return true
	case unix.EMFILE, unix.ENFILE:
		log.Errorf("not enough file descriptors, error is %v", err)
		return true
	case unix.ENOBUFS, unix.ENOMEM:
		log.Errorf("not enough memory, socket buffer limits")
		return true
	default:
		log.Errorf("BUG: accept error %v", err)
		return false
	}
}

func (l *TCPListener) HandleWriteEvent() bool {
	log.Errorf("BUG: write event on tcp listener fd %d", l.fd)
	return true
}

func (l *TCPListener) HandleErrorEvent() {
	log.Errorf("error event on tcp listener fd %d", l.fd)
}

func (l *TCPListener) release() {
	if l.fd >= 0 {
		log.Info("close tcp listener fd %d", l.fd)
		_ = unix.Close(l.fd)
		l.fd = -1
	}
}
