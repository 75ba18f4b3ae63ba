// The msrp session package implements the per-sid state machine that
// SDP offer/answer negotiation drives: role selection, heartbeats,
// socket (re)association, and teardown. Grounded on rtmp.go's
// stream/connection split (Stream wrapping a *Protocol, re-homeable
// across reconnects) generalized from RTMP's publish/play stream roles
// to MSRP's active/passive session roles.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ossrs-msrp/msrp/chunksender"
	"github.com/ossrs-msrp/msrp/logger"
	"github.com/ossrs-msrp/msrp/message"
	"github.com/ossrs-msrp/msrp/sdp"
	"github.com/ossrs-msrp/msrp/transport"
	"github.com/ossrs-msrp/msrp/uri"
)

// Connection modes, mirrored from sdp for callers that only import session.
const (
	SendRecv = "sendrecv"
	SendOnly = "sendonly"
	RecvOnly = "recvonly"
	Inactive = "inactive"
)

// Setup roles.
const (
	Active  = "active"
	Passive = "passive"
	ActPass = "actpass"
)

const heartbeatContentType = "text/x-msrp-heartbeat"

// Connector dials an outbound TCP connection for a session whose
// negotiated role is active, per spec.md §4.7. The port allocator,
// ECONNREFUSED blocklist, and net.Dial mechanics live in the server
// package; Session only needs the result.
type Connector interface {
	Connect(localAuthority string, remote *uri.URI) (*transport.SocketHandler, error)
}

// Events are the application-visible callbacks a Session emits.
type Events struct {
	OnMessage          func(req *message.Request)
	OnEnd              func()
	OnHeartbeatFailure func(status uint16)
	OnSocketSet        func()
	OnSocketClose      func(hadError bool)
}

// Config bundles the negotiable/injectable knobs spec.md §6 lists.
type Config struct {
	ManualReports     bool
	EnableHeartbeats  bool
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	LocalAuthority    string
}

// Session is the per-sid MSRP state machine.
type Session struct {
	mu sync.Mutex

	sid             string
	localEndpoint   *uri.URI
	remoteEndpoints []*uri.URI
	localSdp        *sdp.Description
	remoteSdp       *sdp.Description

	remoteConnectionMode string
	connectionSetup      string
	acceptTypes          []string

	socket         *transport.SocketHandler
	pendingSockets []*transport.SocketHandler
	ended          bool
	heartbeatsEnabled bool

	getHasNotRan bool
	setHasNotRan bool

	cfg      Config
	events   Events
	nextTid  func() string
	connector Connector

	heartbeatTimer  *time.Timer
	heartbeatAwait  *time.Timer
	afterFunc       func(d time.Duration, f func()) *time.Timer
}

// New constructs a Session for sid with a local SDP description offering
// localEndpoint and acceptTypes at the given default setup role.
func New(sid string, localEndpoint *uri.URI, acceptTypes []string, defaultSetup string, cfg Config, events Events, nextTid func() string, connector Connector) *Session {
	return &Session{
		sid:              sid,
		localEndpoint:    localEndpoint,
		acceptTypes:      acceptTypes,
		connectionSetup:  defaultSetup,
		remoteConnectionMode: SendRecv,
		getHasNotRan:     true,
		setHasNotRan:     true,
		cfg:              cfg,
		events:           events,
		nextTid:          nextTid,
		connector:        connector,
		afterFunc: func(d time.Duration, f func()) *time.Timer {
			return time.AfterFunc(d, f)
		},
	}
}

// SetClock overrides the timer constructor, for deterministic heartbeat tests.
func (s *Session) SetClock(afterFunc func(d time.Duration, f func()) *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterFunc = afterFunc
}

func (s *Session) Sid() string { return s.sid }

// RemoteFrom satisfies transport.SessionRef: the expected From-Path of
// any request this session's socket should accept.
func (s *Session) RemoteFrom() *uri.URI {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.remoteEndpoints) == 0 {
		return nil
	}
	return s.remoteEndpoints[0]
}

func (s *Session) RemoteConnectionMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteConnectionMode
}

func (s *Session) ManualReports() bool { return s.cfg.ManualReports }

// AssociateSocket binds h as this session's active socket, or parks it
// as pending if one is already active (spec.md §4.6 socket replacement).
func (s *Session) AssociateSocket(h *transport.SocketHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adoptSocketLocked(h)
}

func (s *Session) adoptSocketLocked(h *transport.SocketHandler) {
	if s.ended {
		h.DetachSession(s.sid)
		return
	}
	if s.socket == nil {
		s.setActiveSocketLocked(h)
		return
	}
	if s.socket == h {
		return
	}
	s.pendingSockets = append(s.pendingSockets, h)
}

// setActiveSocketLocked installs h as the active socket and arranges for
// promoteNextSocketLocked to run the moment h closes, so socket
// replacement (spec.md §4.6) keeps advancing on its own.
func (s *Session) setActiveSocketLocked(h *transport.SocketHandler) {
	s.socket = h
	h.SetOnClose(func(hadError bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.socket != h {
			return
		}
		s.promoteNextSocketLocked(hadError)
	})
	if s.events.OnSocketSet != nil {
		s.events.OnSocketSet()
	}
}

// promoteNextSocketLocked is called when the active socket closes: the
// next pending socket, if any, is promoted to active.
func (s *Session) promoteNextSocketLocked(hadError bool) {
	if s.events.OnSocketClose != nil {
		s.events.OnSocketClose(hadError)
	}
	if len(s.pendingSockets) == 0 {
		s.socket = nil
		return
	}
	next := s.pendingSockets[0]
	s.pendingSockets = s.pendingSockets[1:]
	s.setActiveSocketLocked(next)
}

// HeartbeatReset marks heartbeat liveness observed; called by the
// transport layer on a 200 OK REPORT.
func (s *Session) HeartbeatReset() {
	// The heartbeat round-trip itself is tracked by the ChunkSender the
	// heartbeat ticker created (see sendHeartbeat); an incoming 200 OK
	// REPORT is separate end-to-end confirmation and needs no extra
	// bookkeeping here beyond what the logger already records.
	logger.T(nil, "session", s.sid, "heartbeat reset")
}

// Deliver hands a fully-received application message to the registered
// OnMessage callback, per spec.md §4.5.
func (s *Session) Deliver(req *message.Request) {
	s.mu.Lock()
	cb := s.events.OnMessage
	s.mu.Unlock()
	if cb != nil {
		cb(req)
	}
}

// GetDescription returns the local SDP offer/answer as a string,
// marking the local half of the negotiation latch as run.
func (s *Session) GetDescription() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &sdp.Description{
		Host:           s.cfg.LocalAuthority,
		SessionName:    "msrp session",
		Port:           s.localEndpoint.Port,
		Path:           []*uri.URI{s.localEndpoint},
		AcceptTypes:    s.acceptTypes,
		Setup:          s.connectionSetup,
		ConnectionMode: SendRecv,
	}
	s.localSdp = d
	s.getHasNotRan = false
	s.maybeNegotiateLocked()
	return d.String()
}

// SetDescription ingests a remote SDP body, deriving remoteEndpoints,
// remoteConnectionMode, and acceptTypes from it.
func (s *Session) SetDescription(raw string) error {
	d, err := sdp.Parse(raw)
	if err != nil {
		return fmt.Errorf("session %s: %w", s.sid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteSdp = d
	s.remoteEndpoints = d.Path
	s.remoteConnectionMode = d.ConnectionMode
	s.acceptTypes = d.AcceptTypes
	s.setHasNotRan = false
	s.maybeNegotiateLocked()
	return nil
}

// maybeNegotiateLocked runs role selection and post-negotiation actions
// once both halves of the offer/answer exchange have completed.
func (s *Session) maybeNegotiateLocked() {
	if s.getHasNotRan || s.setHasNotRan || s.remoteSdp == nil {
		return
	}

	switch s.remoteSdp.Setup {
	case Active, ActPass:
		s.connectionSetup = Passive
	case Passive:
		s.connectionSetup = Active
	default:
		logger.W(nil, "session", s.sid, "negotiation failed: unusable remote setup", s.remoteSdp.Setup)
		return
	}

	s.heartbeatsEnabled = s.cfg.EnableHeartbeats

	if s.connectionSetup == Active && s.connector != nil {
		go s.dialActive()
	}
	if s.heartbeatsEnabled {
		s.scheduleHeartbeatLocked()
	}
}

func (s *Session) dialActive() {
	s.mu.Lock()
	if len(s.remoteEndpoints) == 0 {
		s.mu.Unlock()
		return
	}
	remote := s.remoteEndpoints[0]
	localAuthority := s.cfg.LocalAuthority
	s.mu.Unlock()

	if strings.EqualFold(localAuthority, remote.Authority) {
		logger.W(nil, "session", s.sid, "refusing to self-connect")
		return
	}

	h, err := s.connector.Connect(localAuthority, remote)
	if err != nil {
		logger.W(nil, "session", s.sid, "outbound connect failed:", err)
		return
	}

	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		h.Close()
		return
	}

	s.AssociateSocket(h)
	s.sendLivenessProbe(h)
}

// sendLivenessProbe emits a bodiless SEND to prove the new outbound
// connection to the peer, per spec.md §4.7.
func (s *Session) sendLivenessProbe(h *transport.SocketHandler) {
	s.mu.Lock()
	to := s.remoteEndpoints
	from := []*uri.URI{s.localEndpoint}
	s.mu.Unlock()

	sender := chunksender.New("probe-"+s.nextTid(), s.nextTid, chunksender.RoutePaths{ToPath: to, FromPath: from}, chunksender.OutgoingMessage{}, nil)
	h.EnqueueSender(sender, nil)
}

// CanSend reports whether this session may currently emit contentType.
func (s *Session) CanSend(contentType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket == nil || s.socket.IsClosed() {
		return false
	}
	if s.remoteConnectionMode == SendOnly || s.remoteConnectionMode == Inactive {
		return false
	}
	return matchesAcceptType(s.acceptTypes, contentType)
}

func matchesAcceptType(acceptTypes []string, contentType string) bool {
	if len(acceptTypes) == 0 {
		return true
	}
	wantType := contentType
	if slash := strings.IndexByte(contentType, '/'); slash >= 0 {
		wantType = contentType[:slash]
	}
	for _, accepted := range acceptTypes {
		if accepted == "*" || accepted == contentType || accepted == wantType+"/*" {
			return true
		}
	}
	return false
}

// SendMessage constructs a ChunkSender for body and enqueues it on the
// active socket. onSent fires once every chunk has been written;
// onReport fires once the final REPORT (or response) status is known.
func (s *Session) SendMessage(body, contentType string, onSent func(), onReport func(status uint16)) (*chunksender.ChunkSender, error) {
	if !s.CanSend(contentType) {
		return nil, fmt.Errorf("session %s: cannot send %s right now", s.sid, contentType)
	}

	s.mu.Lock()
	socket := s.socket
	to := s.remoteEndpoints
	from := []*uri.URI{s.localEndpoint}
	s.mu.Unlock()

	messageID := message.NewMessageID()
	sender := chunksender.New(messageID, s.nextTid, chunksender.RoutePaths{ToPath: to, FromPath: from}, chunksender.OutgoingMessage{Body: body, ContentType: contentType}, onReport)
	socket.RegisterChunkSender(messageID, sender)
	socket.EnqueueSender(sender, onSent)
	return sender, nil
}

// SendReport flushes a pending manual Success REPORT for messageID, per
// spec.md §4.6's sendReport contract (only meaningful when ManualReports
// is configured).
func (s *Session) SendReport(messageID string, status uint16) {
	s.mu.Lock()
	socket := s.socket
	s.mu.Unlock()
	if socket == nil {
		return
	}
	socket.ResolveManualReport(messageID, status)
}

// scheduleHeartbeatLocked arms the next heartbeat tick. Must hold s.mu.
func (s *Session) scheduleHeartbeatLocked() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
	}
	s.heartbeatTimer = s.afterFunc(s.cfg.HeartbeatInterval, s.sendHeartbeat)
}

func (s *Session) sendHeartbeat() {
	s.mu.Lock()
	if s.ended || !s.heartbeatsEnabled {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var once sync.Once
	fire := func(f func()) { once.Do(f) }

	_, err := s.SendMessage("", heartbeatContentType, nil, func(status uint16) {
		fire(func() {
			if status != 200 && s.events.OnHeartbeatFailure != nil {
				s.events.OnHeartbeatFailure(status)
			}
		})
	})
	if err != nil {
		logger.W(nil, "session", s.sid, "heartbeat send failed:", err)
	} else {
		s.mu.Lock()
		s.heartbeatAwait = s.afterFunc(s.cfg.HeartbeatTimeout, func() {
			fire(func() {
				if s.events.OnHeartbeatFailure != nil {
					s.events.OnHeartbeatFailure(408)
				}
			})
		})
		s.mu.Unlock()
	}

	s.mu.Lock()
	if !s.ended && s.heartbeatsEnabled {
		s.scheduleHeartbeatLocked()
	}
	s.mu.Unlock()
}

// End terminates the session: stops heartbeats, detaches from the
// active and any pending sockets, and emits End exactly once. Idempotent.
// A socket multiplexing other sessions (spec.md §4.6, §5 shared resource
// policy) is only actually closed once every session sharing it has
// detached; SocketHandler.DetachSession tracks that.
func (s *Session) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.heartbeatsEnabled = false
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
	}
	if s.heartbeatAwait != nil {
		s.heartbeatAwait.Stop()
	}
	sid := s.sid
	socket := s.socket
	pending := s.pendingSockets
	s.socket = nil
	s.pendingSockets = nil
	cb := s.events.OnEnd
	s.mu.Unlock()

	if socket != nil {
		socket.DetachSession(sid)
	}
	for _, p := range pending {
		p.DetachSession(sid)
	}
	if cb != nil {
		cb()
	}
}

// Ended reports whether End has already run.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

var _ transport.SessionRef = (*Session)(nil)
