// The msrp server package is the passive listener and outbound connect
// machinery spec.md §4.7 describes, tying config.Endpoint,
// sessioncontroller.Controller, transport.PortAllocator, and
// transport.Blocklist into one supervised process. Grounded on the
// teacher's single-connection-per-goroutine RTMP handling style
// (rtmp.NewProtocol constructs one Protocol per net.Conn; the caller
// owns the accept loop) generalized into an explicit accept loop this
// core does own, since MSRP's Server component is in scope where
// RTMP's was not.
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ossrs-msrp/msrp/config"
	"github.com/ossrs-msrp/msrp/logger"
	"github.com/ossrs-msrp/msrp/session"
	"github.com/ossrs-msrp/msrp/sessioncontroller"
	"github.com/ossrs-msrp/msrp/transport"
	"github.com/ossrs-msrp/msrp/uri"
)

// auditInterval is how often the pending-association and receive-
// staleness audits run (spec.md §5: every 5s).
const auditInterval = 5 * time.Second

// pendingAssociationTimeout is how long an accepted socket may go
// without any session associating with it before it is dropped
// (spec.md §5: 15s).
const pendingAssociationTimeout = 15 * time.Second

// Endpoint owns one passive TCP listener plus the shared outbound-
// connect collaborators (port allocator, blocklist) every Session
// created against it will use.
type Endpoint struct {
	cfg       *config.Endpoint
	Sessions  *sessioncontroller.Controller
	connector *outboundConnector
	allocator *transport.PortAllocator
	blocklist *transport.Blocklist
	listener  net.Listener

	mu      sync.Mutex
	sockets map[*transport.SocketHandler]struct{}
}

// NewEndpoint wires cfg into a ready-to-Run Endpoint: a fresh Session
// directory, a port allocator scanning cfg's outbound range, and an
// empty ECONNREFUSED blocklist.
func NewEndpoint(cfg *config.Endpoint) *Endpoint {
	e := &Endpoint{
		cfg:     cfg,
		sockets: map[*transport.SocketHandler]struct{}{},
	}
	e.Sessions = sessioncontroller.New()

	finder := newTCPPortFinder(cfg.Host)
	e.allocator = transport.NewPortAllocator(finder, cfg.OutboundBasePort, cfg.OutboundHighestPort)
	e.blocklist = transport.NewBlocklist()
	e.connector = newOutboundConnector(e.allocator, e.blocklist, e.Sessions, NewTid, e.trackSocket, e.untrackSocket, cfg.TraceMsrp)

	return e
}

// CreateSession registers a new Session with this endpoint's shared
// collaborators already wired in (outbound connector, manual-report and
// heartbeat config, local authority for self-talk detection).
func (e *Endpoint) CreateSession(sid string, events session.Events) (*session.Session, error) {
	local := &uri.URI{
		Secure:    false,
		Authority: e.cfg.SignalingHost,
		Port:      e.cfg.Port,
		HasPort:   true,
		SessionId: sid,
		Transport: "tcp",
	}
	cfg := session.Config{
		ManualReports:     e.cfg.ManualReports,
		EnableHeartbeats:  e.cfg.EnableHeartbeats,
		HeartbeatInterval: e.cfg.HeartbeatInterval,
		HeartbeatTimeout:  e.cfg.HeartbeatTimeout,
		LocalAuthority:    e.cfg.Host,
	}
	return e.Sessions.Create(sid, local, e.cfg.AcceptTypes, e.cfg.Setup, cfg, events, NewTid, e.connector)
}

// Run starts the passive listener and the periodic audits, blocking
// until ctx is cancelled or a fatal listener error occurs. Grounded on
// golang.org/x/sync/errgroup's cancel-on-first-error idiom: the accept
// loop and the audit ticker are supervised as one group so either one's
// exit tears down the other.
func (e *Endpoint) Run(ctx context.Context) error {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(int(e.cfg.Port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.acceptLoop(ctx) })
	g.Go(func() error { return e.auditLoop(ctx) })

	<-ctx.Done()
	ln.Close()
	e.Sessions.EndAll()

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Endpoint) acceptLoop(ctx context.Context) error {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		h := transport.New(conn, e.Sessions, NewTid)
		h.SetTrace(e.cfg.TraceMsrp)
		e.trackSocket(h)
		go func() {
			h.ReadLoop()
			e.untrackSocket(h)
		}()
		go h.RunSendLoop()
	}
}

func (e *Endpoint) trackSocket(h *transport.SocketHandler) {
	e.mu.Lock()
	e.sockets[h] = struct{}{}
	e.mu.Unlock()
}

func (e *Endpoint) untrackSocket(h *transport.SocketHandler) {
	e.mu.Lock()
	delete(e.sockets, h)
	e.mu.Unlock()
}

// auditLoop runs the pending-association and receive-staleness audits
// every auditInterval until ctx is cancelled (spec.md §5).
func (e *Endpoint) auditLoop(ctx context.Context) error {
	ticker := time.NewTicker(auditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			e.auditPendingAssociations(now)
			e.auditReceiverStaleness()
			e.auditPendingReports(now)
			e.auditIdleTimeouts(now)
		}
	}
}

func (e *Endpoint) auditIdleTimeouts(now time.Time) {
	e.mu.Lock()
	handlers := make([]*transport.SocketHandler, 0, len(e.sockets))
	for h := range e.sockets {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h.AuditIdleTimeout(now, e.cfg.SocketTimeout)
	}
}

func (e *Endpoint) auditPendingAssociations(now time.Time) {
	e.mu.Lock()
	stale := make([]*transport.SocketHandler, 0)
	for h := range e.sockets {
		if !h.IsAssociated() && now.Sub(h.CreatedAt()) > pendingAssociationTimeout {
			stale = append(stale, h)
		}
	}
	e.mu.Unlock()

	for _, h := range stale {
		logger.W(nil, "server: dropping socket unassociated after", pendingAssociationTimeout)
		h.Close()
	}
}

func (e *Endpoint) auditReceiverStaleness() {
	e.mu.Lock()
	handlers := make([]*transport.SocketHandler, 0, len(e.sockets))
	for h := range e.sockets {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h.AuditReceiverStaleness()
	}
}

func (e *Endpoint) auditPendingReports(now time.Time) {
	e.mu.Lock()
	handlers := make([]*transport.SocketHandler, 0, len(e.sockets))
	for h := range e.sockets {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h.AuditPendingReports(now)
	}
}
