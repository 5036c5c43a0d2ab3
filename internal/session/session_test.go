package session

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/websoft9/ssh-gateway/internal/reactor"
	"github.com/websoft9/ssh-gateway/internal/terminal"
)

// fakeChannel is an in-memory stand-in for *terminal.NonBlockingChannel.
type fakeChannel struct {
	mu       sync.Mutex
	recvBuf  []byte
	recvErr  error
	sendCap  int
	sent     []byte
	sendErr  error
	closed   bool
}

func (f *fakeChannel) Fd() int      { return -1 }
func (f *fakeChannel) WriteFd() int { return -2 }

func (f *fakeChannel) Recv(n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recvBuf) == 0 {
		if f.recvErr != nil {
			return nil, f.recvErr
		}
		return nil, terminal.ErrWouldBlock
	}
	take := n
	if take > len(f.recvBuf) {
		take = len(f.recvBuf)
	}
	data := f.recvBuf[:take]
	f.recvBuf = f.recvBuf[take:]
	return data, nil
}

func (f *fakeChannel) Send(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	n := len(p)
	if f.sendCap > 0 && n > f.sendCap {
		n = f.sendCap
	}
	f.sent = append(f.sent, p[:n]...)
	return n, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error { f.closed = true; return nil }

type fakeHandler struct {
	mu       sync.Mutex
	written  [][]byte
	closed   bool
	writeErr error
}

func (h *fakeHandler) WriteMessage(p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeErr != nil {
		return h.writeErr
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	h.written = append(h.written, buf)
	return nil
}

func (h *fakeHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

type fakeObserver struct {
	mu          sync.Mutex
	bytes       map[string]int
	closeReason CloseReason
	detached    bool
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{bytes: make(map[string]int)}
}

func (o *fakeObserver) BytesTransferred(direction string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bytes[direction] += n
}

func (o *fakeObserver) SessionClosed(reason CloseReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeReason = reason
}

func (o *fakeObserver) SessionDetached() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detached = true
}

func newTestSession(t *testing.T, ch *fakeChannel) (*Session, *reactor.Reactor, *fakeObserver) {
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

	obs := newFakeObserver()
	s := New("test-id", r, ch, &fakeCloser{}, "h:22", obs)
	return s, r, obs
}

func runOnReactor(r *reactor.Reactor, fn func()) {
	done := make(chan struct{})
	r.Post(func() {
		fn()
		close(done)
	})
	<-done
}

func TestOnReadForwardsBytes(t *testing.T) {
	ch := &fakeChannel{recvBuf: []byte("hello")}
	s, r, _ := newTestSession(t, ch)
	h := &fakeHandler{}

	runOnReactor(r, func() {
		s.Attach(h)
		s.onRead()
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.written) != 1 || string(h.written[0]) != "hello" {
		t.Fatalf("expected hello forwarded, got %v", h.written)
	}
}

func TestOnReadEOFClosesSession(t *testing.T) {
	ch := &fakeChannel{recvErr: io.EOF}
	s, r, obs := newTestSession(t, ch)
	h := &fakeHandler{}

	runOnReactor(r, func() {
		s.Attach(h)
		s.onRead()
	})

	if !s.Closed() {
		t.Fatal("expected session closed on EOF")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.closeReason != CloseReasonRemoteEOF {
		t.Fatalf("expected remote_eof reason, got %v", obs.closeReason)
	}
}

func TestOnReadWouldBlockIsIgnored(t *testing.T) {
	ch := &fakeChannel{}
	s, r, _ := newTestSession(t, ch)
	h := &fakeHandler{}

	runOnReactor(r, func() {
		s.Attach(h)
		s.onRead()
	})

	if s.Closed() {
		t.Fatal("would-block must not close the session")
	}
}

func TestEnqueueFlushesDirectly(t *testing.T) {
	ch := &fakeChannel{}
	s, r, _ := newTestSession(t, ch)
	h := &fakeHandler{}

	runOnReactor(r, func() {
		s.Attach(h)
		s.Enqueue([]byte("ls\n"))
	})

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if string(ch.sent) != "ls\n" {
		t.Fatalf("expected ls\\n sent, got %q", ch.sent)
	}
	if s.mode != reactor.READ {
		t.Fatalf("expected mode READ after full flush, got %v", s.mode)
	}
}

func TestBackpressureSetsWriteMode(t *testing.T) {
	ch := &fakeChannel{sendCap: 4}
	s, r, _ := newTestSession(t, ch)
	h := &fakeHandler{}

	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = byte('a' + i)
	}

	runOnReactor(r, func() {
		s.Attach(h)
		s.Enqueue(payload)
	})

	if s.mode != reactor.WRITE {
		t.Fatalf("expected mode WRITE after partial send, got %v", s.mode)
	}

	// Drain the rest across repeated on_write calls, as the reactor would
	// on subsequent WRITE-readiness events.
	for i := 0; i < 10 && s.mode != reactor.READ; i++ {
		runOnReactor(r, func() {
			s.onWrite()
		})
	}

	if s.mode != reactor.READ {
		t.Fatalf("expected mode READ once drained, got %v", s.mode)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sent) != len(payload) {
		t.Fatalf("expected all %d bytes sent, got %d", len(payload), len(ch.sent))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ch := &fakeChannel{}
	s, r, obs := newTestSession(t, ch)
	h := &fakeHandler{}

	runOnReactor(r, func() {
		s.Attach(h)
		s.Close(CloseReasonRemoteEOF)
		s.Close(CloseReasonChannelErr)
	})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.closeReason != CloseReasonRemoteEOF {
		t.Fatalf("second close must not override reason, got %v", obs.closeReason)
	}
}

func TestSendErrorClosesSession(t *testing.T) {
	ch := &fakeChannel{sendErr: errors.New("connection reset by peer")}
	s, r, _ := newTestSession(t, ch)
	h := &fakeHandler{}

	runOnReactor(r, func() {
		s.Attach(h)
		s.Enqueue([]byte("x"))
	})

	if !s.Closed() {
		t.Fatal("expected session closed on send error")
	}
}
