// Package registry implements the Pending-Session Registry: the
// process-wide mapping from opaque session id to Session, holding
// sessions between a successful POST / handshake and the WebSocket
// attach that follows it.
//
// Every exported method assumes it runs on the reactor goroutine — insert
// happens from the POST handler's reactor.Post callback, pop from the
// WebSocket attach handler's, and the recycle timer is itself a reactor
// callback — so no locking is required.
package registry

import (
	"time"

	"github.com/websoft9/ssh-gateway/internal/metrics"
	"github.com/websoft9/ssh-gateway/internal/reactor"
	"github.com/websoft9/ssh-gateway/internal/session"
)

// AttachWindow is the time a Session may sit Pending before it is
// recycled.
const AttachWindow = 3 * time.Second

// Registry holds Pending sessions. It is reactor-owned state passed to
// request handlers by capability rather than reached through a
// process-wide global.
type Registry struct {
	reactor *reactor.Reactor
	metrics *metrics.Metrics

	sessions map[string]*session.Session
}

// New constructs an empty Registry bound to r. The attach window is given
// per Insert call, so tests can shorten T_attach.
func New(r *reactor.Reactor, m *metrics.Metrics) *Registry {
	return &Registry{
		reactor:  r,
		metrics:  m,
		sessions: make(map[string]*session.Session),
	}
}

// Insert adds s as Pending under id and schedules its recycle callback.
// Must be called on the reactor goroutine.
func (reg *Registry) Insert(id string, s *session.Session, attachWindow time.Duration) {
	reg.sessions[id] = s
	reg.metrics.SessionCreated()

	reg.reactor.CallLater(attachWindow, func() {
		reg.recycle(id, s)
	})
}

// Pop removes and returns the Session registered under id, or nil if no
// such Pending Session exists. Once popped, a Session is never
// re-inserted.
func (reg *Registry) Pop(id string) *session.Session {
	s, ok := reg.sessions[id]
	if !ok {
		return nil
	}
	delete(reg.sessions, id)
	reg.metrics.SessionAttached()
	return s
}

// Remove deletes id from the Registry without touching the Session
// itself. Used when a Session closes for reasons other than the normal
// attach/recycle paths.
func (reg *Registry) Remove(id string) {
	if _, ok := reg.sessions[id]; ok {
		delete(reg.sessions, id)
		reg.metrics.SessionLeftPending()
	}
}

// Len reports the number of currently Pending sessions. Diagnostic only.
func (reg *Registry) Len() int {
	return len(reg.sessions)
}

// recycle is the T_attach deferred callback: a no-op if a WebSocket has
// already attached (and therefore already popped s from the map), closing
// and removing s otherwise.
func (reg *Registry) recycle(id string, s *session.Session) {
	if s.Attached() {
		return
	}
	if _, ok := reg.sessions[id]; !ok {
		// Already popped (or removed) by some other path; nothing to do.
		return
	}
	delete(reg.sessions, id)
	reg.metrics.SessionLeftPending()
	reg.metrics.SessionRecycled()
	s.Close(session.CloseReasonRecycled)
}
