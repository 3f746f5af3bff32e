package net

import (
	"container/heap"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"redino/util/log"
)

// pollCeiling bounds a single Poll, so task injection from other
// goroutines is picked up within 10ms even when no fd is ready.
const pollCeiling = 10 * time.Millisecond

const maxPollEvents = 1024

type epollEntry struct {
	obj    EventObject
	fd     int // captured when the first direction is armed
	events int // currently armed mask
}

type reactorTimer struct {
	id       TimerID
	period   time.Duration
	deadline time.Time
	repeat   bool
	callback func()
	index    int
}

// timerHeap orders timers by deadline. Cancelled timers are deleted from
// the id table only; their heap entries are skipped lazily when popped.
type timerHeap []*reactorTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*reactorTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	t.index = -1
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

func (h timerHeap) peek() *reactorTimer {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// epollReactor is the concrete demuxer: level-triggered epoll for fd
// readiness plus a deadline heap for timers.
type epollReactor struct {
	epfd    int
	objects map[int]*epollEntry // unique id -> entry
	fds     map[int]*epollEntry // armed fd -> entry
	timers  map[TimerID]*reactorTimer
	pending timerHeap
	events  []unix.EpollEvent
}

func newReactor() Reactor {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		panic(fmt.Sprintf("epoll create error: %v", err))
	}
	return &epollReactor{
		epfd:    epfd,
		objects: make(map[int]*epollEntry),
		fds:     make(map[int]*epollEntry),
		timers:  make(map[TimerID]*reactorTimer),
		events:  make([]unix.EpollEvent, maxPollEvents),
	}
}

func (r *epollReactor) Register(obj EventObject, events int) bool {
	if obj == nil {
		return false
	}
	id := obj.UniqueID()
	if id < 0 {
		return false
	}
	if _, ok := r.objects[id]; ok {
		return false
	}
	entry := &epollEntry{obj: obj, fd: -1}
	r.objects[id] = entry
	if events != 0 && !r.applyMask(entry, events) {
		delete(r.objects, id)
		return false
	}
	return true
}

func (r *epollReactor) Modify(obj EventObject, events int) bool {
	if obj == nil {
		return false
	}
	entry, ok := r.objects[obj.UniqueID()]
	if !ok {
		return false
	}
	return r.applyMask(entry, events)
}

func (r *epollReactor) Unregister(obj EventObject) {
	if obj == nil {
		return
	}
	entry, ok := r.objects[obj.UniqueID()]
	if !ok {
		return
	}
	if entry.events != 0 {
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, entry.fd, nil); err != nil {
			log.Errorf("epoll ctl del fd %d error: %v", entry.fd, err)
		}
		delete(r.fds, entry.fd)
	}
	delete(r.objects, obj.UniqueID())
}

// applyMask reconciles the armed event set with epoll: the fd enters
// epoll when the first direction is armed and leaves it when the last is
// disarmed.
func (r *epollReactor) applyMask(entry *epollEntry, events int) bool {
	if events == entry.events {
		return true
	}
	var op int
	switch {
	case entry.events == 0:
		entry.fd = entry.obj.Fd()
		op = unix.EPOLL_CTL_ADD
	case events == 0:
		op = unix.EPOLL_CTL_DEL
	default:
		op = unix.EPOLL_CTL_MOD
	}

	var mask uint32
	if events&EventRead != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	ev := &unix.EpollEvent{Events: mask, Fd: int32(entry.fd)}
	if op == unix.EPOLL_CTL_DEL {
		ev = nil
	}
	if err := unix.EpollCtl(r.epfd, op, entry.fd, ev); err != nil {
		log.Errorf("epoll ctl fd %d events %#x error: %v", entry.fd, events, err)
		return false
	}

	if events == 0 {
		delete(r.fds, entry.fd)
	} else if entry.events == 0 {
		r.fds[entry.fd] = entry
	}
	entry.events = events
	return true
}

func (r *epollReactor) Poll() bool {
	timeout := pollCeiling
	if t := r.pending.peek(); t != nil {
		if until := time.Until(t.deadline); until < timeout {
			timeout = until
		}
	}
	msec := int((timeout + time.Millisecond - 1) / time.Millisecond)
	if msec < 0 {
		msec = 0
	}

	n, err := unix.EpollWait(r.epfd, r.events, msec)
	if err != nil && err != unix.EINTR {
		log.Errorf("epoll wait error: %v", err)
		return false
	}

	for i := 0; i < n; i++ {
		ev := r.events[i]
		fd := int(ev.Fd)
		entry, ok := r.fds[fd]
		if !ok {
			// dropped by an earlier handler in this batch
			continue
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			entry.obj.HandleErrorEvent()
			continue
		}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			if !entry.obj.HandleReadEvent() {
				entry.obj.HandleErrorEvent()
				continue
			}
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			if _, live := r.fds[fd]; !live {
				continue
			}
			if !entry.obj.HandleWriteEvent() {
				entry.obj.HandleErrorEvent()
			}
		}
	}

	r.fireTimers()
	return true
}

func (r *epollReactor) ScheduleRepeatedly(id TimerID, period time.Duration, f func()) {
	r.schedule(id, period, f, true)
}

func (r *epollReactor) ScheduleLater(id TimerID, delay time.Duration, f func()) {
	r.schedule(id, delay, f, false)
}

func (r *epollReactor) schedule(id TimerID, period time.Duration, f func(), repeat bool) {
	if period < minTimerPeriod {
		period = minTimerPeriod
	}
	t := &reactorTimer{
		id:       id,
		period:   period,
		deadline: time.Now().Add(period),
		repeat:   repeat,
		callback: f,
	}
	r.timers[id] = t
	heap.Push(&r.pending, t)
}

func (r *epollReactor) Cancel(id TimerID) bool {
	if _, ok := r.timers[id]; !ok {
		return false
	}
	delete(r.timers, id)
	return true
}

func (r *epollReactor) fireTimers() {
	now := time.Now()
	for {
		t := r.pending.peek()
		if t == nil || t.deadline.After(now) {
			return
		}
		heap.Pop(&r.pending)
		cur, live := r.timers[t.id]
		if !live || cur != t {
			// cancelled, or the id was re-issued to a newer timer
			continue
		}
		t.callback()
		cur, live = r.timers[t.id]
		if t.repeat && live && cur == t {
			t.deadline = time.Now().Add(t.period)
			heap.Push(&r.pending, t)
		} else if !t.repeat && live && cur == t {
			// one-shot timers leave the table right after their callback
			delete(r.timers, t.id)
		}
	}
}

func (r *epollReactor) Close() {
	if r.epfd >= 0 {
		_ = unix.Close(r.epfd)
		r.epfd = -1
	}
	r.objects = nil
	r.fds = nil
	r.timers = nil
	r.pending = nil
}
