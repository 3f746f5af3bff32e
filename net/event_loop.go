package net

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"redino/util/log"
)

// loopRegistry maps goroutine id -> *EventLoop, the per-goroutine slot
// behind Self.
var loopRegistry sync.Map

var (
	objIDGen   int32
	timerIDGen int64
)

// releaser is implemented by event objects that own OS resources the loop
// must drop at teardown.
type releaser interface {
	release()
}

// EventLoop owns a reactor and runs its iteration. One goroutine hosts at
// most one EventLoop; every registered object is driven only from that
// goroutine, cross-goroutine callers go through Execute, the Schedule
// methods, Cancel or Stop.
type EventLoop struct {
	reactor  Reactor
	objects  map[int]EventObject
	notifier *pipeObject

	taskMutex sync.Mutex
	tasks     []func()

	name    string
	gid     int64
	running int32
}

// NewEventLoop creates a loop bound to the calling goroutine. That same
// goroutine must call Run. Creating a second loop on a goroutine that
// already has one is a programming error.
func NewEventLoop() *EventLoop {
	gid := curGoroutineID()
	loop := &EventLoop{
		reactor:  newReactor(),
		objects:  make(map[int]EventObject),
		notifier: newPipeObject(),
		gid:      gid,
		running:  1,
	}
	if _, dup := loopRegistry.LoadOrStore(gid, loop); dup {
		panic("there must be only one EventLoop per goroutine")
	}
	return loop
}

// Self returns the loop bound to the calling goroutine, nil if none.
func Self() *EventLoop {
	if v, ok := loopRegistry.Load(curGoroutineID()); ok {
		return v.(*EventLoop)
	}
	return nil
}

func (l *EventLoop) SetName(name string) { l.name = name }
func (l *EventLoop) Name() string        { return l.name }

// InThisLoop reports whether the caller runs on the loop goroutine.
func (l *EventLoop) InThisLoop() bool {
	return curGoroutineID() == l.gid
}

func (l *EventLoop) assertInLoop() {
	if !l.InThisLoop() {
		panic(fmt.Sprintf("loop %q used outside its goroutine", l.name))
	}
}

// Run drives the loop until Stop: drain injected tasks, then one bounded
// reactor poll, repeat. On exit every remaining object is unregistered
// and released, and the reactor is dropped.
func (l *EventLoop) Run() {
	l.assertInLoop()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.Register(l.notifier, EventRead)

	for atomic.LoadInt32(&l.running) == 1 {
		if l.taskMutex.TryLock() {
			tasks := l.tasks
			l.tasks = nil
			l.taskMutex.Unlock()
			for _, f := range tasks {
				f()
			}
		}

		if !l.reactor.Poll() {
			log.Errorf("loop %q: reactor poll failed", l.name)
		}
	}

	for _, obj := range l.objects {
		l.reactor.Unregister(obj)
		obj.SetUniqueID(InvalidUniqueID)
		if res, ok := obj.(releaser); ok {
			res.release()
		}
	}
	l.objects = make(map[int]EventObject)
	l.reactor.Close()
	l.reactor = nil
	loopRegistry.Delete(l.gid)
}

// Stop signals the loop to exit after the current iteration. Safe from
// any goroutine; invoked before Run it makes Run return at once.
func (l *EventLoop) Stop() {
	atomic.StoreInt32(&l.running, 0)
	l.notifier.Notify()
}

// Execute runs fn in the loop goroutine. Called from the loop goroutine
// it runs synchronously and the returned future is already resolved;
// otherwise the task is queued and the notifier pokes the loop. A panic
// inside fn is captured into the future, the loop itself is unaffected.
func (l *EventLoop) Execute(fn func() interface{}) *Future {
	fut := newFuture()
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				fut.fail(fmt.Errorf("task panic: %v", r))
			}
		}()
		fut.resolve(fn())
	}

	if l.InThisLoop() {
		task()
	} else {
		l.taskMutex.Lock()
		l.tasks = append(l.tasks, task)
		l.taskMutex.Unlock()
		l.notifier.Notify()
	}
	return fut
}

// ScheduleRepeatedly runs fn every period. Thread-safe; the id is handed
// back synchronously even when the installation hops goroutines.
func (l *EventLoop) ScheduleRepeatedly(period time.Duration, fn func()) TimerID {
	id := nextTimerID()
	if l.InThisLoop() {
		if l.reactor != nil {
			l.reactor.ScheduleRepeatedly(id, period, fn)
		}
	} else {
		l.Execute(func() interface{} {
			if l.reactor != nil {
				l.reactor.ScheduleRepeatedly(id, period, fn)
			}
			return nil
		})
	}
	return id
}

// ScheduleLater runs fn once after delay. Thread-safe.
func (l *EventLoop) ScheduleLater(delay time.Duration, fn func()) TimerID {
	id := nextTimerID()
	if l.InThisLoop() {
		if l.reactor != nil {
			l.reactor.ScheduleLater(id, delay, fn)
		}
	} else {
		l.Execute(func() interface{} {
			if l.reactor != nil {
				l.reactor.ScheduleLater(id, delay, fn)
			}
			return nil
		})
	}
	return id
}

// Cancel removes a timer. The future resolves to whether the id still
// existed at cancel time; a one-shot whose callback already ran yields
// false.
func (l *EventLoop) Cancel(id TimerID) *Future {
	if l.InThisLoop() {
		fut := newFuture()
		fut.resolve(l.reactor != nil && l.reactor.Cancel(id))
		return fut
	}
	return l.Execute(func() interface{} {
		if l.reactor == nil {
			return false
		}
		ok := l.reactor.Cancel(id)
		log.Debug("cancel timer %d %v", id, ok)
		return ok
	})
}

// Register allocates a unique id for obj and installs it with the given
// event mask. Must run on the loop goroutine; the loop keeps a reference
// until Unregister or teardown.
func (l *EventLoop) Register(obj EventObject, events int) bool {
	if obj == nil {
		return false
	}
	l.assertInLoop()
	if obj.UniqueID() != InvalidUniqueID {
		panic(fmt.Sprintf("object already registered with id %d", obj.UniqueID()))
	}
	if l.reactor == nil {
		return false
	}

	id := l.nextObjectID()
	obj.SetUniqueID(id)
	if l.reactor.Register(obj, events) {
		l.objects[id] = obj
		return true
	}
	obj.SetUniqueID(InvalidUniqueID)
	return false
}

// Modify changes the armed event set of a registered object. Loop
// goroutine only.
func (l *EventLoop) Modify(obj EventObject, events int) bool {
	if obj == nil {
		return false
	}
	l.assertInLoop()
	if obj.UniqueID() == InvalidUniqueID {
		panic("modify on unregistered object")
	}
	if l.reactor == nil {
		return false
	}
	return l.reactor.Modify(obj, events)
}

// Unregister drops the object from the reactor and releases the loop's
// reference. Loop goroutine only; idempotent for unknown objects.
func (l *EventLoop) Unregister(obj EventObject) {
	if obj == nil {
		return
	}
	l.assertInLoop()
	id := obj.UniqueID()
	if id == InvalidUniqueID {
		return
	}
	if l.reactor != nil {
		l.reactor.Unregister(obj)
	}
	delete(l.objects, id)
	obj.SetUniqueID(InvalidUniqueID)
}

// Listen starts a TCP listener on ip:port; ccb fires once per accepted
// connection, on the connection's loop.
func (l *EventLoop) Listen(ip string, port int, ccb NewConnCallback) bool {
	listener := NewTCPListener(l)
	listener.SetNewConnCallback(ccb)
	return listener.Bind(ip, port)
}

// Connect starts an outbound TCP connection. Returns nil on immediate
// failure; otherwise exactly one of ccb or fcb will fire later.
func (l *EventLoop) Connect(ip string, port int, ccb NewConnCallback, fcb ConnFailCallback) *TCPConn {
	conn := NewTCPConn(l)
	conn.SetNewConnCallback(ccb)
	conn.SetFailCallback(fcb)
	if !conn.Connect(ip, port) {
		return nil
	}
	return conn
}

func (l *EventLoop) nextObjectID() int {
	for {
		id := int(atomic.AddInt32(&objIDGen, 1))
		if id < 0 {
			atomic.StoreInt32(&objIDGen, 0)
			continue
		}
		if _, taken := l.objects[id]; !taken {
			return id
		}
	}
}

func nextTimerID() TimerID {
	for {
		id := TimerID(atomic.AddInt64(&timerIDGen, 1))
		if id < 0 {
			atomic.StoreInt64(&timerIDGen, 0)
			continue
		}
		return id
	}
}
