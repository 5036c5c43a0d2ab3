package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() {
		if err := r.Run(); err != nil {
			t.Logf("reactor run: %v", err)
		}
	}()
	t.Cleanup(func() {
		r.Stop()
		_ = r.Close()
	})
	return r
}

func mustPipe(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	return fds[0], fds[1]
}

func TestReactorFiresOnRead(t *testing.T) {
	rx, tx := mustPipe(t)
	defer unix.Close(rx)
	defer unix.Close(tx)

	re := newTestReactor(t)

	fired := make(chan Mask, 1)
	re.Add(rx, func(_ int, events Mask) {
		fired <- events
	}, READ)

	if _, err := unix.Write(tx, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case events := <-fired:
		if events&READ == 0 {
			t.Fatalf("expected READ in events, got %v", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestCallLaterFiresOnce(t *testing.T) {
	re := newTestReactor(t)

	var calls int32
	done := make(chan struct{})
	re.CallLater(10*time.Millisecond, func() {
		atomic.AddInt32(&calls, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestCallLaterCancel(t *testing.T) {
	re := newTestReactor(t)

	fired := make(chan struct{}, 1)
	cancel := re.CallLater(20*time.Millisecond, func() {
		fired <- struct{}{}
	})
	cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestNoConcurrentInvocation registers several fds with a deliberately
// slow callback and asserts the reactor never invokes two callbacks
// concurrently for the same fd — SPEC_FULL.md §8's added testable
// property.
func TestNoConcurrentInvocation(t *testing.T) {
	re := newTestReactor(t)

	const fdCount = 4
	var (
		mu      sync.Mutex
		active  = make(map[int]bool)
		overlap int32
	)

	fds := make([][2]int, fdCount)
	for i := range fds {
		r, w := mustPipe(t)
		fds[i] = [2]int{r, w}
		defer unix.Close(r)
		defer unix.Close(w)
	}

	var wg sync.WaitGroup
	for _, pair := range fds {
		fd := pair[0]
		wg.Add(1)
		re.Add(fd, func(fd int, _ Mask) {
			// Consume the byte so level-triggered epoll does not deliver
			// this fd again and call wg.Done more than once.
			var b [1]byte
			_, _ = unix.Read(fd, b[:])

			mu.Lock()
			if active[fd] {
				atomic.AddInt32(&overlap, 1)
			}
			active[fd] = true
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active[fd] = false
			mu.Unlock()
			wg.Done()
		}, READ)
	}

	for _, pair := range fds {
		go func(w int) {
			_, _ = unix.Write(w, []byte("y"))
		}(pair[1])
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("not all callbacks fired")
	}

	if got := atomic.LoadInt32(&overlap); got != 0 {
		t.Fatalf("detected %d overlapping invocations", got)
	}
}
