// Package reactor implements the single-threaded cooperative event loop
// that drives every I/O callback in the gateway: add/update/remove a file
// descriptor's interest mask, and schedule a deferred callback after a
// delay. It is the Go analogue of a Tornado IOLoop — one goroutine runs
// epoll_wait, and every registered callback is invoked from that goroutine
// only, so callbacks never need to guard against re-entrancy or races with
// each other.
//
// Code that lives off the reactor goroutine (an HTTP handler, a WebSocket
// read loop) must not touch reactor-owned state directly. It calls Post to
// hand a closure to the loop instead.
package reactor

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Mask is a bitmask of readiness interests: READ, WRITE, ERROR.
type Mask uint32

const (
	READ  Mask = unix.EPOLLIN
	WRITE Mask = unix.EPOLLOUT
	ERROR Mask = unix.EPOLLERR | unix.EPOLLHUP
)

// Callback is invoked by the reactor goroutine when fd becomes ready for
// any of the interests in events.
type Callback func(fd int, events Mask)

// CancelFunc cancels a deferred callback scheduled with CallLater. Calling
// it after the callback has already fired is a no-op.
type CancelFunc func()

type opKind int

const (
	opAdd opKind = iota
	opUpdate
	opRemove
	opRun
)

type op struct {
	kind opKind
	fd   int
	mask Mask
	cb   Callback
	run  func()
}

// timer is one entry in the deferred-callback heap.
type timer struct {
	deadline time.Time
	cb       func()
	index    int
	cancelled bool
}

type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Reactor is a single-threaded epoll-backed event loop.
type Reactor struct {
	epfd int

	wakeR int // read end of the self-pipe, registered for READ
	wakeW int // write end; Post() writes a byte here to break epoll_wait

	mu      sync.Mutex
	pending []op
	timers  timerHeap

	callbacks map[int]Callback

	stopped chan struct{}
	once    sync.Once
}

// New creates a Reactor. Call Run to start the event loop; it blocks until
// Stop is called or epoll_wait fails with a fatal error.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("reactor: pipe2: %w", err)
	}

	r := &Reactor{
		epfd:      epfd,
		wakeR:     fds[0],
		wakeW:     fds[1],
		callbacks: make(map[int]Callback),
		stopped:   make(chan struct{}),
	}

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, r.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(r.wakeR),
	}); err != nil {
		_ = unix.Close(r.wakeR)
		_ = unix.Close(r.wakeW)
		_ = unix.Close(r.epfd)
		return nil, fmt.Errorf("reactor: register wake pipe: %w", err)
	}

	return r, nil
}

// Add registers fd with the given initial interest mask. cb is invoked
// from the reactor goroutine whenever fd becomes ready.
func (r *Reactor) Add(fd int, cb Callback, mask Mask) {
	r.enqueue(op{kind: opAdd, fd: fd, mask: mask, cb: cb})
}

// Update changes fd's interest mask without losing queued readiness.
func (r *Reactor) Update(fd int, mask Mask) {
	r.enqueue(op{kind: opUpdate, fd: fd, mask: mask})
}

// Remove deregisters fd. No further callbacks fire for it.
func (r *Reactor) Remove(fd int) {
	r.enqueue(op{kind: opRemove, fd: fd})
}

// Post hands fn to the reactor goroutine for execution, preserving the
// single-threaded-callback invariant for code that lives off the loop
// (HTTP handlers, WebSocket read loops).
func (r *Reactor) Post(fn func()) {
	r.enqueue(op{kind: opRun, run: fn})
}

// CallLater schedules cb to run once after at least d has elapsed,
// executed on the reactor goroutine.
func (r *Reactor) CallLater(d time.Duration, cb func()) CancelFunc {
	t := &timer{deadline: time.Now().Add(d), cb: cb}
	r.mu.Lock()
	heap.Push(&r.timers, t)
	r.mu.Unlock()
	r.wake()
	return func() {
		r.mu.Lock()
		t.cancelled = true
		r.mu.Unlock()
	}
}

func (r *Reactor) enqueue(o op) {
	r.mu.Lock()
	r.pending = append(r.pending, o)
	r.mu.Unlock()
	r.wake()
}

func (r *Reactor) wake() {
	var b [1]byte
	_, _ = unix.Write(r.wakeW, b[:])
}

// Run drives the event loop until Stop is called. It must be invoked from
// the single goroutine that will be "the reactor thread" for the lifetime
// of the process.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, 64)

	for {
		select {
		case <-r.stopped:
			return nil
		default:
		}

		timeout := r.nextTimeout()
		n, err := unix.EpollWait(r.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		r.drainPending()
		r.fireDueTimers()

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == r.wakeR {
				r.drainWake()
				continue
			}

			r.mu.Lock()
			cb, ok := r.callbacks[fd]
			r.mu.Unlock()
			if !ok {
				continue
			}

			var mask Mask
			if ev.Events&unix.EPOLLIN != 0 {
				mask |= READ
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				mask |= WRITE
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				mask |= ERROR
			}
			cb(fd, mask)
		}
	}
}

func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(r.wakeR, buf[:])
		if err != nil {
			return
		}
	}
}

func (r *Reactor) drainPending() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, o := range batch {
		switch o.kind {
		case opAdd:
			r.mu.Lock()
			r.callbacks[o.fd] = o.cb
			r.mu.Unlock()
			_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, o.fd, &unix.EpollEvent{
				Events: uint32(o.mask),
				Fd:     int32(o.fd),
			})
		case opUpdate:
			_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, o.fd, &unix.EpollEvent{
				Events: uint32(o.mask),
				Fd:     int32(o.fd),
			})
		case opRemove:
			_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, o.fd, nil)
			r.mu.Lock()
			delete(r.callbacks, o.fd)
			r.mu.Unlock()
		case opRun:
			o.run()
		}
	}
}

func (r *Reactor) fireDueTimers() {
	now := time.Now()
	for {
		r.mu.Lock()
		if len(r.timers) == 0 || r.timers[0].deadline.After(now) {
			r.mu.Unlock()
			return
		}
		t := heap.Pop(&r.timers).(*timer)
		cancelled := t.cancelled
		r.mu.Unlock()

		if !cancelled {
			t.cb()
		}
	}
}

func (r *Reactor) nextTimeout() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) > 0 {
		return 0
	}
	if len(r.timers) == 0 {
		return -1 // block indefinitely
	}
	d := time.Until(r.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > 1<<30 {
		ms = 1 << 30
	}
	return int(ms)
}

// Stop ends the loop after the current iteration. Safe to call once; later
// calls are no-ops.
func (r *Reactor) Stop() {
	r.once.Do(func() {
		close(r.stopped)
		r.wake()
	})
}

// Close releases the epoll fd and self-pipe. Call after Run returns.
func (r *Reactor) Close() error {
	_ = unix.Close(r.wakeR)
	_ = unix.Close(r.wakeW)
	return unix.Close(r.epfd)
}
