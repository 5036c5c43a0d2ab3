package registry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/websoft9/ssh-gateway/internal/metrics"
	"github.com/websoft9/ssh-gateway/internal/reactor"
	"github.com/websoft9/ssh-gateway/internal/session"
)

type stubChannel struct{}

func (stubChannel) Fd() int                  { return -1 }
func (stubChannel) WriteFd() int             { return -2 }
func (stubChannel) Recv(int) ([]byte, error) { return nil, nil }
func (stubChannel) Send([]byte) (int, error) { return 0, nil }
func (stubChannel) Close() error             { return nil }

type stubCloser struct{}

func (stubCloser) Close() error { return nil }

func newTestRegistry(t *testing.T) (*Registry, *reactor.Reactor) {
	t.Helper()
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	go r.Run()
	t.Cleanup(func() {
		r.Stop()
		_ = r.Close()
	})

	m := metrics.New(prometheus.NewRegistry())
	return New(r, m), r
}

func runOnReactor(r *reactor.Reactor, fn func()) {
	done := make(chan struct{})
	r.Post(func() {
		fn()
		close(done)
	})
	<-done
}

func TestInsertThenPop(t *testing.T) {
	reg, r := newTestRegistry(t)
	s := session.New("id-1", r, stubChannel{}, stubCloser{}, "h:22", metrics.New(prometheus.NewRegistry()))

	runOnReactor(r, func() {
		reg.Insert("id-1", s, time.Minute)
	})

	var popped *session.Session
	runOnReactor(r, func() {
		popped = reg.Pop("id-1")
	})
	if popped != s {
		t.Fatal("expected to pop the inserted session")
	}

	var second *session.Session
	runOnReactor(r, func() {
		second = reg.Pop("id-1")
	})
	if second != nil {
		t.Fatal("a popped session must never be re-insertable / re-poppable")
	}
}

func TestRecyclesOrphanAfterWindow(t *testing.T) {
	reg, r := newTestRegistry(t)
	s := session.New("id-2", r, stubChannel{}, stubCloser{}, "h:22", metrics.New(prometheus.NewRegistry()))

	runOnReactor(r, func() {
		reg.Insert("id-2", s, 20*time.Millisecond)
	})

	time.Sleep(150 * time.Millisecond)

	if !s.Closed() {
		t.Fatal("expected orphan session to be recycled (closed)")
	}

	var popped *session.Session
	runOnReactor(r, func() {
		popped = reg.Pop("id-2")
	})
	if popped != nil {
		t.Fatal("recycled session must be removed from the registry")
	}
}

func TestRecycleIsNoopIfAttached(t *testing.T) {
	reg, r := newTestRegistry(t)
	s := session.New("id-3", r, stubChannel{}, stubCloser{}, "h:22", metrics.New(prometheus.NewRegistry()))

	runOnReactor(r, func() {
		reg.Insert("id-3", s, 20*time.Millisecond)
		reg.Pop("id-3")
		s.Attach(&noopHandler{})
	})

	time.Sleep(150 * time.Millisecond)

	if s.Closed() {
		t.Fatal("attached session must survive the recycle timer")
	}
}

type noopHandler struct{}

func (noopHandler) WriteMessage([]byte) error { return nil }
func (noopHandler) Close() error              { return nil }
