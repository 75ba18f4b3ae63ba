// The msrp sessioncontroller package is the process-wide directory of
// live sessions: a map from Session-Id to *session.Session that the
// transport layer consults to route an inbound request (spec.md §4.5)
// and that the application consults to create, look up, or tear down a
// session. Grounded on rtmp.go's Protocol.input.chunks map[chunkID]
// *chunkStream registry, generalized from a per-connection chunk-stream
// table to a process-wide session-id table.
package sessioncontroller

import (
	"fmt"
	"sync"

	"github.com/ossrs-msrp/msrp/session"
	"github.com/ossrs-msrp/msrp/transport"
	"github.com/ossrs-msrp/msrp/uri"
)

// Controller is the directory of sessions by sid. It satisfies
// transport.SessionLookup so a SocketHandler can resolve an inbound
// To-Path without importing session directly.
type Controller struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New constructs an empty Controller.
func New() *Controller {
	return &Controller{sessions: map[string]*session.Session{}}
}

// Session resolves sid to its Session, satisfying transport.SessionLookup.
func (c *Controller) Session(sid string) (transport.SessionRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sid]
	if !ok {
		return nil, false
	}
	return s, true
}

// Get returns the concrete *session.Session for sid, for callers that
// need session-specific methods beyond transport.SessionRef (GetDescription,
// SetDescription, SendMessage, End, ...).
func (c *Controller) Get(sid string) (*session.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sid]
	return s, ok
}

// Create builds a new Session for sid with the caller's events, wrapping
// events.OnEnd so the session is removed from the directory before the
// caller's own OnEnd (if any) runs, and registers it in the directory.
func (c *Controller) Create(sid string, localEndpoint *uri.URI, acceptTypes []string, defaultSetup string, cfg session.Config, events session.Events, nextTid func() string, connector session.Connector) (*session.Session, error) {
	c.mu.Lock()
	if _, exists := c.sessions[sid]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("sessioncontroller: session %s already exists", sid)
	}
	c.mu.Unlock()

	userOnEnd := events.OnEnd
	events.OnEnd = func() {
		c.remove(sid)
		if userOnEnd != nil {
			userOnEnd()
		}
	}

	s := session.New(sid, localEndpoint, acceptTypes, defaultSetup, cfg, events, nextTid, connector)

	c.mu.Lock()
	c.sessions[sid] = s
	c.mu.Unlock()
	return s, nil
}

func (c *Controller) remove(sid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sid)
}

// End terminates and removes sid's session, if any. A no-op if sid is
// unknown.
func (c *Controller) End(sid string) {
	c.mu.RLock()
	s, ok := c.sessions[sid]
	c.mu.RUnlock()
	if !ok {
		return
	}
	s.End()
}

// EndAll terminates every session in the directory, for process
// shutdown.
func (c *Controller) EndAll() {
	c.mu.RLock()
	all := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		all = append(all, s)
	}
	c.mu.RUnlock()

	for _, s := range all {
		s.End()
	}
}

// Len reports how many sessions are currently registered.
func (c *Controller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Deliver routes an application-originated REPORT resolution to sid's
// session, if it still exists. Used by callers that hold a Message-ID
// but not a *session.Session reference.
func (c *Controller) Deliver(sid, messageID string, status uint16) {
	c.mu.RLock()
	s, ok := c.sessions[sid]
	c.mu.RUnlock()
	if !ok {
		return
	}
	s.SendReport(messageID, status)
}

var _ transport.SessionLookup = (*Controller)(nil)
