package net

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"redino/util/log"
)

// NewConnCallback runs once a connection is usable, from ::accept or a
// completed ::connect, on the connection's loop goroutine.
type NewConnCallback func(*TCPConn)

// MessageCallback consumes inbound bytes. The return value means:
// > 0 consumed that many bytes, 0 need more data, < 0 fatal protocol
// error (the connection is torn down).
type MessageCallback func(*TCPConn, []byte) int

// ConnFailCallback runs when an outbound connect fails; usually retry or
// report upstream.
type ConnFailCallback func(loop *EventLoop, peerIP string, peerPort int)

// DisconnectCallback runs once when an established connection goes away.
type DisconnectCallback func(*TCPConn)

// LoopSelector picks the loop that will drive a freshly accepted
// connection, for spreading load over several reactor goroutines.
type LoopSelector func() *EventLoop

// ConnState is the connection lifecycle position. Transitions only move
// forward; Disconnected and Failed are terminal.
type ConnState int32

const (
	StateNone ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected // unrecoverable but once connected before
	StateFailed       // unrecoverable and never connected
)

func (s ConnState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// idleCheckPeriod is the tick of the idle supervision timer; idle timeout
// precision is bounded by it.
const idleCheckPeriod = 100 * time.Millisecond

// TCPConn is a buffered full-duplex connection driven by one loop. All
// mutation happens on that loop's goroutine; foreign goroutines use
// ActiveClose or route through loop.Execute.
type TCPConn struct {
	BaseObject
	loop *EventLoop
	sock *sockBuffer

	peerIP   string
	peerPort int
	state    ConnState

	onMessage    MessageCallback
	onNewConn    NewConnCallback
	onDisconnect DisconnectCallback
	onFail       ConnFailCallback

	idleTimer   TimerID
	idleTimeout time.Duration
	lastActive  time.Time

	context interface{}
}

func NewTCPConn(loop *EventLoop) *TCPConn {
	return &TCPConn{
		BaseObject: NewBaseObject(),
		loop:       loop,
		idleTimer:  InvalidTimerID,
		lastActive: time.Now(),
	}
}

func (c *TCPConn) SetNewConnCallback(cb NewConnCallback) { c.onNewConn = cb }
func (c *TCPConn) SetMessageCallback(cb MessageCallback) { c.onMessage = cb }
func (c *TCPConn) SetOnDisconnect(cb DisconnectCallback) { c.onDisconnect = cb }
func (c *TCPConn) SetFailCallback(cb ConnFailCallback)   { c.onFail = cb }
func (c *TCPConn) SetContext(ctx interface{})            { c.context = ctx }
func (c *TCPConn) Context() interface{}                  { return c.context }

func (c *TCPConn) GetLoop() *EventLoop { return c.loop }
func (c *TCPConn) PeerIP() string      { return c.peerIP }
func (c *TCPConn) PeerPort() int       { return c.peerPort }

func (c *TCPConn) Fd() int {
	if c.sock == nil {
		return -1
	}
	return c.sock.fd
}

func (c *TCPConn) State() ConnState { return c.state }

// Connected reports whether the connection is established and usable.
func (c *TCPConn) Connected() bool { return c.state == StateConnected }

// OnAccept adopts a fd produced by the listener. Must run on the owning
// loop with the connection already registered there, so read interest can
// be armed.
func (c *TCPConn) OnAccept(fd int, peerIP string, peerPort int) {
	c.loop.assertInLoop()
	if c.state != StateNone {
		panic(fmt.Sprintf("accept on conn in state %v", c.state))
	}

	c.peerIP = peerIP
	c.peerPort = peerPort

	_ = unix.SetNonblock(fd, true)
	unix.CloseOnExec(fd)
	c.sock = newSockBuffer(fd)

	c.handleConnect()
}

// Connect starts a nonblocking outbound connect to ip:port. False means
// immediate failure with no state change; otherwise the attempt resolves
// later through the new-conn or fail callback.
func (c *TCPConn) Connect(ip string, port int) bool {
	c.loop.assertInLoop()
	if c.state != StateNone {
		log.Errorf("repeat connect tcp socket to %s:%d", ip, port)
		return false
	}

	sa, err := sockaddr4(ip, port)
	if err != nil {
		log.Errorf("connect to %s:%d: %v", ip, port, err)
		return false
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		log.Errorf("create socket error: %v", err)
		return false
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		log.Errorf("connect to %s:%d error: %v", ip, port, err)
		_ = unix.Close(fd)
		return false
	}

	c.sock = newSockBuffer(fd)
	// write readiness reports the outcome of the in-progress connect
	if !c.loop.Register(c, EventWrite) {
		log.Errorf("add tcp conn to loop failed, fd %d", fd)
		c.sock.close()
		c.sock = nil
		return false
	}

	c.peerIP = ip
	c.peerPort = port
	c.state = StateConnecting
	log.Info("in loop %s, trying connect to %s:%d", c.loop.Name(), ip, port)
	return true
}

// SendPacket queues data on the output buffer. Owning loop only, and only
// in Connected state; an empty payload is a successful no-op.
func (c *TCPConn) SendPacket(data []byte) bool {
	if c.state != StateConnected {
		log.Errorf("send tcp data in wrong state %v", c.state)
		return false
	}
	c.loop.assertInLoop()
	if len(data) == 0 {
		return true
	}
	if c.sock.queue(data) {
		c.loop.Modify(c, EventRead|EventWrite)
	}
	return true
}

// SendPacketVec queues a vector of buffers as one logical packet.
func (c *TCPConn) SendPacketVec(bufs [][]byte) bool {
	if c.state != StateConnected {
		log.Errorf("send tcp data in wrong state %v", c.state)
		return false
	}
	c.loop.assertInLoop()
	pending := false
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		if c.sock.queue(b) {
			pending = true
		}
	}
	if pending {
		c.loop.Modify(c, EventRead|EventWrite)
	}
	return true
}

// ActiveClose requests disconnect. From the owning loop it runs at once,
// otherwise it is posted there; with sync the caller blocks until done.
// A close that arrives after the connection already died is a no-op.
func (c *TCPConn) ActiveClose(sync bool) {
	destroy := func() interface{} {
		// the connection may be gone by the time this runs
		if c.state == StateConnected {
			c.handleDisconnect()
		}
		return nil
	}

	if c.loop.InThisLoop() {
		destroy()
		return
	}
	fut := c.loop.Execute(destroy)
	if sync {
		_, _ = fut.Get()
	}
}

// SetIdleTimeout arms (or replaces) idle supervision: a repeating 100ms
// timer closes the connection once no inbound byte has arrived for the
// given duration. Actual precision is 0.1s.
func (c *TCPConn) SetIdleTimeout(timeout time.Duration) {
	c.loop.assertInLoop()
	if timeout <= 0 {
		return
	}

	c.idleTimeout = timeout
	c.lastActive = time.Now()
	if c.idleTimer != InvalidTimerID {
		c.loop.Cancel(c.idleTimer)
	}
	c.idleTimer = c.loop.ScheduleRepeatedly(idleCheckPeriod, func() {
		if c.state != StateConnected {
			return // connection already lost
		}
		if c.checkIdleTimeout() {
			c.ActiveClose(false)
		}
	})
}

func (c *TCPConn) checkIdleTimeout() bool {
	elapsed := time.Since(c.lastActive)
	if elapsed > c.idleTimeout {
		log.Warn("idle timeout: elapsed %v, limit %v, peer %s:%d", elapsed, c.idleTimeout, c.peerIP, c.peerPort)
		return true
	}
	return false
}

// SetNodelay toggles the Nagle algorithm on the underlying socket.
func (c *TCPConn) SetNodelay(enable bool) {
	if c.sock == nil || c.sock.fd < 0 {
		return
	}
	nodelay := 0
	if enable {
		nodelay = 1
	}
	_ = unix.SetsockoptInt(c.sock.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, nodelay)
}

func (c *TCPConn) HandleReadEvent() bool {
	if c.state != StateConnected {
		log.Info("read event on conn %s:%d in state %v", c.peerIP, c.peerPort, c.state)
		return true
	}

	if c.idleTimer != InvalidTimerID {
		c.lastActive = time.Now()
	}

	n, err := c.sock.fill()
	eof := errors.Is(err, io.EOF)
	if err != nil && !eof {
		log.Errorf("read tcp fd %d error: %v", c.Fd(), err)
		return false
	}

	if n > 0 {
		c.dispatchInput()
	}
	if eof && c.state == StateConnected {
		return false
	}
	return true
}

// dispatchInput feeds the contiguous input prefix to the message callback
// until it stops consuming; the application may have framed several
// messages into one read.
func (c *TCPConn) dispatchInput() {
	data := c.sock.peek()
	total := 0
	fatal := false
	for total < len(data) && c.state == StateConnected {
		if c.onMessage == nil {
			total = len(data)
			break
		}
		consumed := c.onMessage(c, data[total:])
		if consumed > 0 {
			total += consumed
			continue
		}
		if consumed < 0 {
			fatal = true
		}
		break
	}

	if total > 0 {
		c.sock.discard(total)
	}
	if fatal && c.state == StateConnected {
		c.handleDisconnect()
	}
}

func (c *TCPConn) HandleWriteEvent() bool {
	switch c.state {
	case StateConnecting:
		return c.completeConnect()
	case StateConnected:
		pending, err := c.sock.flush()
		if err != nil {
			log.Errorf("write tcp fd %d error: %v", c.Fd(), err)
			return false
		}
		if !pending {
			c.loop.Modify(c, EventRead)
		}
		return true
	default:
		log.Info("write event on conn %s:%d in state %v", c.peerIP, c.peerPort, c.state)
		return true
	}
}

func (c *TCPConn) HandleErrorEvent() {
	switch c.state {
	case StateConnecting:
		c.handleConnectFailed()
	case StateConnected:
		c.handleDisconnect()
	default:
		log.Info("error event on conn %s:%d in state %v", c.peerIP, c.peerPort, c.state)
	}
}

// completeConnect resolves an in-progress connect from the pending socket
// error, per the nonblocking-connect protocol.
func (c *TCPConn) completeConnect() bool {
	soerr, err := unix.GetsockoptInt(c.sock.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soerr != 0 {
		c.handleConnectFailed()
		return true
	}
	c.handleConnect()
	return true
}

func (c *TCPConn) handleConnect() {
	c.loop.assertInLoop()
	if c.state != StateNone && c.state != StateConnecting {
		panic(fmt.Sprintf("connect completion in state %v", c.state))
	}
	log.Info("connected with %s:%d", c.peerIP, c.peerPort)

	c.state = StateConnected
	c.loop.Modify(c, EventRead)
	if c.onNewConn != nil {
		c.onNewConn(c)
	}
}

func (c *TCPConn) handleConnectFailed() {
	c.loop.assertInLoop()
	if c.state != StateConnecting {
		return
	}
	log.Errorf("connect to %s:%d failed", c.peerIP, c.peerPort)

	c.state = StateFailed
	if c.onFail != nil {
		c.onFail(c.loop, c.peerIP, c.peerPort)
	}
	c.loop.Unregister(c)
	c.release()
}

func (c *TCPConn) handleDisconnect() {
	c.loop.assertInLoop()
	if c.state != StateConnected {
		return
	}

	c.state = StateDisconnected
	if c.onDisconnect != nil {
		c.onDisconnect(c)
	}
	c.loop.Unregister(c)
	c.release()
}

// release drops the OS resources: the idle timer and the socket fd.
func (c *TCPConn) release() {
	if c.idleTimer != InvalidTimerID {
		c.loop.Cancel(c.idleTimer)
		c.idleTimer = InvalidTimerID
	}
	if c.sock != nil && c.sock.fd >= 0 {
		log.Info("close tcp fd %d", c.sock.fd)
		c.sock.close()
	}
}
