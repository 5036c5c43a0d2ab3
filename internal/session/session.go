// Package session implements the bridging engine: the reactor callback
// that relays bytes between one SSH shell channel and its attached
// WebSocket handler, plus the buffering and mode-tracking that make that
// relay non-blocking in both directions.
package session

import (
	"bytes"
	"errors"
	"io"

	"github.com/websoft9/ssh-gateway/internal/reactor"
	"github.com/websoft9/ssh-gateway/internal/terminal"
)

// Handler is the capability a WebSocket attachment must provide, reduced
// to the two operations Session actually calls, so Session is
// unit-testable against a fake.
type Handler interface {
	WriteMessage(p []byte) error
	Close() error
}

// Channel is the capability Session needs from a shell channel. It is
// satisfied by *terminal.NonBlockingChannel; the indirection keeps this
// package testable without real pipes or a real SSH server.
type Channel interface {
	Fd() int
	WriteFd() int
	Recv(n int) ([]byte, error)
	Send(p []byte) (int, error)
	Close() error
}

// Closer is the minimal capability Session needs from the owning SSH
// client — just enough to release it on close.
type Closer interface {
	Close() error
}

// CloseReason records why a Session transitioned to Closed, for metrics
// and logging only; it has no bearing on behavior.
type CloseReason string

const (
	CloseReasonRemoteEOF  CloseReason = "remote_eof"
	CloseReasonChannelErr CloseReason = "channel_error"
	CloseReasonWSClosed   CloseReason = "ws_closed"
	CloseReasonWSGone     CloseReason = "ws_gone"
	CloseReasonRecycled   CloseReason = "recycled"
)

// Observer receives lifecycle and byte-count events for metrics. Its
// methods may be no-ops; Session calls them unconditionally on
// whatever Observer it was given, so pass a no-op implementation rather
// than nil.
type Observer interface {
	BytesTransferred(direction string, n int)
	SessionClosed(reason CloseReason)
	SessionDetached()
}

// Session owns one SSH shell channel, its outbound buffer, and at most
// one attached Handler. Every exported method except Close's idempotence
// guard assumes it is called from the reactor goroutine: Session state is
// mutated only there. Code reached from other goroutines (an HTTP
// handler, a WebSocket read loop) must cross over via reactor.Post.
type Session struct {
	id       string
	destAddr string

	reactor *reactor.Reactor
	channel Channel
	ssh     Closer
	fd      int // recv pipe's read end: registered for READ whenever attached
	writeFd int // send pipe's write end: registered for WRITE only while mode == WRITE

	outbound [][]byte
	handler  Handler
	mode     reactor.Mask // reactor.READ or reactor.WRITE; WRITE iff outbound is backed up
	closed   bool

	observer Observer
}

// New builds a Pending Session: not yet attached, not yet registered with
// the reactor. Attach transitions it to Attached.
func New(id string, r *reactor.Reactor, channel Channel, sshClient Closer, destAddr string, obs Observer) *Session {
	return &Session{
		id:       id,
		destAddr: destAddr,
		reactor:  r,
		channel:  channel,
		ssh:      sshClient,
		fd:       channel.Fd(),
		writeFd:  channel.WriteFd(),
		mode:     reactor.READ,
		observer: obs,
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) DestAddr() string { return s.destAddr }
func (s *Session) Attached() bool   { return s.handler != nil }
func (s *Session) Closed() bool     { return s.closed }

// Attach binds handler to the Session and registers its channel fd with
// the reactor for READ. It is a no-op but still closes h if the Session
// was recycled or otherwise closed before the WebSocket could attach.
func (s *Session) Attach(h Handler) {
	if s.closed {
		_ = h.Close()
		return
	}
	s.handler = h
	s.mode = reactor.READ
	s.reactor.Add(s.fd, s.onEvent, reactor.READ)
	s.reactor.Add(s.writeFd, s.onEvent, 0)
}

// Enqueue appends a WebSocket payload to the outbound queue and attempts
// an immediate opportunistic write: it either flushes directly or arms
// WRITE interest.
func (s *Session) Enqueue(p []byte) {
	if s.closed || len(p) == 0 {
		return
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	s.outbound = append(s.outbound, buf)
	s.onWrite()
}

// onEvent is the reactor callback for the channel fd. READ is always
// drained before WRITE within one delivery; ERROR closes unconditionally.
func (s *Session) onEvent(_ int, events reactor.Mask) {
	if events&reactor.READ != 0 {
		s.onRead()
	}
	if s.closed {
		return
	}
	if events&reactor.WRITE != 0 {
		s.onWrite()
	}
	if s.closed {
		return
	}
	if events&reactor.ERROR != 0 {
		s.Close(CloseReasonChannelErr)
	}
}

func (s *Session) onRead() {
	data, err := s.channel.Recv(terminal.BufSize)
	if err != nil {
		switch {
		case errors.Is(err, terminal.ErrWouldBlock):
			// Transient; the reactor will resurface readiness.
			return
		case errors.Is(err, io.EOF):
			s.Close(CloseReasonRemoteEOF)
		default:
			s.Close(CloseReasonChannelErr)
		}
		return
	}

	if err := s.handler.WriteMessage(data); err != nil {
		s.Close(CloseReasonWSGone)
		return
	}
	s.observer.BytesTransferred("ssh_to_ws", len(data))
}

func (s *Session) onWrite() {
	if len(s.outbound) == 0 {
		s.setMode(reactor.READ)
		return
	}

	data := coalesce(s.outbound)
	sent, err := s.channel.Send(data)
	if err != nil {
		if errors.Is(err, terminal.ErrWouldBlock) {
			s.setMode(reactor.WRITE)
			return
		}
		s.Close(CloseReasonChannelErr)
		return
	}

	s.observer.BytesTransferred("ws_to_ssh", sent)

	remainder := data[sent:]
	if len(remainder) > 0 {
		s.outbound = [][]byte{remainder}
		s.setMode(reactor.WRITE)
	} else {
		s.outbound = nil
		s.setMode(reactor.READ)
	}
}

// setMode touches the reactor only when interest actually changes. WRITE
// interest lives on writeFd (the send pipe's write end becoming writable),
// not on fd (the recv pipe, always armed for READ while attached) — the
// two are different kernel descriptors backed by different pipes, so they
// are tracked as two independent epoll registrations.
func (s *Session) setMode(m reactor.Mask) {
	if s.mode == m {
		return
	}
	s.mode = m
	if m == reactor.WRITE {
		s.reactor.Update(s.writeFd, reactor.WRITE)
	} else {
		s.reactor.Update(s.writeFd, 0)
	}
}

// Close tears the Session down. Idempotent: the second and later calls
// observe nothing, touch neither the reactor nor the SSH layer, and do
// not notify the observer again. Safe to call from the reactor's own
// READ/WRITE/ERROR dispatch, from a WebSocket on_close handler routed
// through reactor.Post, and from a recycle callback.
func (s *Session) Close(reason CloseReason) {
	if s.closed {
		return
	}
	s.closed = true

	if s.handler != nil {
		s.reactor.Remove(s.fd)
		s.reactor.Remove(s.writeFd)
		_ = s.handler.Close()
		s.observer.SessionDetached()
	}
	_ = s.channel.Close()
	_ = s.ssh.Close()

	s.observer.SessionClosed(reason)
}

func coalesce(bufs [][]byte) []byte {
	if len(bufs) == 1 {
		return bufs[0]
	}
	var out bytes.Buffer
	for _, b := range bufs {
		out.Write(b)
	}
	return out.Bytes()
}
