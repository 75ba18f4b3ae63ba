package transport

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ossrs-msrp/msrp/chunkreceiver"
	"github.com/ossrs-msrp/msrp/chunksender"
	"github.com/ossrs-msrp/msrp/logger"
	"github.com/ossrs-msrp/msrp/message"
	"github.com/ossrs-msrp/msrp/metrics"
	"github.com/ossrs-msrp/msrp/uri"
	"github.com/ossrs-msrp/msrp/wire"
)

// maxBufferedData is the receive-side backpressure guard: a connection
// that accumulates this many bytes without yielding one complete frame
// is dropped (spec.md §4.5).
const maxBufferedData = 1 << 20 // 1 MiB

// reportDeadline is how long a manually-confirmed Success REPORT may sit
// in pendingReports before this handler gives up and emits 408 on its
// own (spec.md §4.5).
const reportDeadline = 30 * time.Second

// sendBatchSize bounds how many chunks a single drain of activeSenders
// writes before rotating to the next sender, for fairness.
const sendBatchSize = 5

// SessionLookup resolves a Session-Id to the session that owns it. A
// SocketHandler never imports the session package directly; it is
// handed this interface and a matching SessionRef, keeping the
// transport/session dependency one-directional (session depends on
// transport, not the reverse), the same split rtmp.go draws between
// Protocol (connection mechanics) and its caller (stream bookkeeping).
type SessionLookup interface {
	Session(sid string) (SessionRef, bool)
}

// SessionRef is everything a SocketHandler needs from a Session to
// dispatch a frame.
type SessionRef interface {
	RemoteFrom() *uri.URI
	RemoteConnectionMode() string
	ManualReports() bool
	AssociateSocket(h *SocketHandler)
	HeartbeatReset()
	Deliver(req *message.Request)
}

type pendingReport struct {
	report   *message.Request
	deadline time.Time
}

type activeSenderEntry struct {
	sender *chunksender.ChunkSender
	onSent func()
}

// sentChunk remembers what byte-range a given tid carried, so that the
// transaction Response eventually returned for it can be folded back
// into the originating ChunkSender's acked-prefix bookkeeping.
type sentChunk struct {
	messageID string
	byteRange message.ByteRange
}

// SocketHandler owns one TCP connection and demultiplexes it into the
// sessions sharing it, per spec.md §4.5. Grounded on rtmp.NewProtocol's
// construction (a bufio.Reader/Writer pair guarded by a handful of
// mutex-protected lookup tables) generalized from RTMP chunk-stream
// bookkeeping to MSRP tid/Message-ID bookkeeping.
type SocketHandler struct {
	conn    net.Conn
	lookup  SessionLookup
	nextTid func() string

	mu             sync.Mutex
	sessions       map[string]struct{}
	bufferedData   []byte
	activeSenders  []*activeSenderEntry
	requestsSent   map[string]sentChunk // tid -> originating chunk
	chunkReceivers map[string]*chunkreceiver.ChunkReceiver
	chunkSenders   map[string]*chunksender.ChunkSender
	pendingReports map[string]*pendingReport
	closed         bool
	onClose        func(hadError bool)
	wake           chan struct{}
	createdAt      time.Time
	trace          bool
	lastActivity   time.Time

	writeMu sync.Mutex
}

// SetTrace turns on per-frame logging of this handler's traffic. Frames
// are logged via logger.Info, never logger.Trace, so tracing stays
// silent unless the caller has switched the Info level on (spec.md §6's
// traceMsrp configuration option).
func (h *SocketHandler) SetTrace(trace bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trace = trace
}

// SetOnClose registers a callback invoked exactly once, the first time
// this handler closes. hadError reports whether the closure was
// triggered by a read/write failure rather than a clean shutdown. A
// Session uses this to promote its next pending socket (spec.md §4.6).
func (h *SocketHandler) SetOnClose(onClose func(hadError bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = onClose
}

// New constructs a SocketHandler over conn. lookup resolves inbound
// Session-Ids; nextTid generates fresh transaction identifiers for
// REPORTs this handler originates.
func New(conn net.Conn, lookup SessionLookup, nextTid func() string) *SocketHandler {
	metrics.ActiveConnections.Inc()
	return &SocketHandler{
		conn:           conn,
		lookup:         lookup,
		nextTid:        nextTid,
		sessions:       map[string]struct{}{},
		requestsSent:   map[string]sentChunk{},
		chunkReceivers: map[string]*chunkreceiver.ChunkReceiver{},
		chunkSenders:   map[string]*chunksender.ChunkSender{},
		pendingReports: map[string]*pendingReport{},
		wake:           make(chan struct{}, 1),
		createdAt:      time.Now(),
		lastActivity:   time.Now(),
	}
}

// AuditIdleTimeout closes this handler if it has exchanged no frames for
// longer than timeout (spec.md §5/§6's configured idle socket timeout).
// timeout <= 0 disables the check.
func (h *SocketHandler) AuditIdleTimeout(now time.Time, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	h.mu.Lock()
	idle := now.Sub(h.lastActivity) > timeout
	h.mu.Unlock()
	if idle {
		logger.W(nil, "socket handler: idle timeout exceeded, closing")
		h.closeWithError(true)
	}
}

func (h *SocketHandler) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

// IsAssociated reports whether any session has claimed this socket yet
// (spec.md §4.5's Connected -> Associated transition).
func (h *SocketHandler) IsAssociated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions) > 0
}

// DetachSession removes sid from this handler's set of associated
// sessions and closes the underlying connection only once no session
// references it anymore, per spec.md §4.6/§5's shared-resource policy:
// a socket multiplexing several sessions survives any single one of
// them ending.
func (h *SocketHandler) DetachSession(sid string) {
	h.mu.Lock()
	delete(h.sessions, sid)
	empty := len(h.sessions) == 0
	h.mu.Unlock()
	if empty {
		h.Close()
	}
}

// CreatedAt is when this handler was constructed, for the pending-
// association audit (spec.md §5: drop sockets unassociated after 15s).
func (h *SocketHandler) CreatedAt() time.Time {
	return h.createdAt
}

// AuditReceiverStaleness aborts and drops any ChunkReceiver silent for
// longer than chunkreceiver.StaleAfter (spec.md §5, every 5s).
func (h *SocketHandler) AuditReceiverStaleness() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, recv := range h.chunkReceivers {
		if recv.CheckStale() {
			delete(h.chunkReceivers, id)
		}
	}
}

// Close tears down the underlying connection. Idempotent.
func (h *SocketHandler) Close() error {
	return h.closeWithError(false)
}

func (h *SocketHandler) closeWithError(hadError bool) error {
	h.mu.Lock()
	already := h.closed
	h.closed = true
	onClose := h.onClose
	h.mu.Unlock()
	if already {
		return nil
	}
	metrics.ActiveConnections.Dec()
	err := h.conn.Close()
	select {
	case h.wake <- struct{}{}:
	default:
	}
	if onClose != nil {
		onClose(hadError)
	}
	return err
}

func (h *SocketHandler) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// RegisterChunkSender associates an outbound ChunkSender's Message-ID
// with this handler, so inbound REPORTs can be routed to it.
func (h *SocketHandler) RegisterChunkSender(messageID string, s *chunksender.ChunkSender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chunkSenders[messageID] = s
}

// EnqueueSender appends sender to the fair-scheduled outbound queue and
// wakes RunSendLoop if it is blocked waiting for work.
func (h *SocketHandler) EnqueueSender(sender *chunksender.ChunkSender, onSent func()) {
	h.mu.Lock()
	h.activeSenders = append(h.activeSenders, &activeSenderEntry{sender: sender, onSent: onSent})
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// RunSendLoop is the cooperative scheduling loop spec.md §5 describes
// for the send path: it blocks until EnqueueSender signals new work,
// drains one batch via PumpSenders, and repeats until the handler
// closes. Intended to run in its own goroutine, one per connection,
// alongside ReadLoop.
func (h *SocketHandler) RunSendLoop() {
	for !h.IsClosed() {
		<-h.wake
		if h.IsClosed() {
			return
		}
		h.PumpSenders()
		h.mu.Lock()
		pending := len(h.activeSenders) > 0
		h.mu.Unlock()
		if pending {
			select {
			case h.wake <- struct{}{}:
			default:
			}
		}
	}
}

// PumpSenders drains activeSenders in batches of up to sendBatchSize,
// per spec.md §4.5's send path. Call this directly in tests, or run it
// continuously via RunSendLoop.
func (h *SocketHandler) PumpSenders() {
	for i := 0; i < sendBatchSize; i++ {
		entry := h.popSender()
		if entry == nil {
			return
		}
		if h.IsClosed() {
			return
		}

		chunk := entry.sender.GetNextChunk()
		if chunk == nil {
			continue
		}
		h.writeRequest(chunk)
		if chunk.Method == "SEND" && chunk.ByteRange != nil {
			h.mu.Lock()
			h.requestsSent[chunk.Tid] = sentChunk{messageID: chunk.MessageID, byteRange: *chunk.ByteRange}
			h.mu.Unlock()
		}

		if entry.sender.IsSendComplete() {
			if entry.onSent != nil {
				entry.onSent()
			}
			continue
		}
		h.pushSender(entry)
	}
}

func (h *SocketHandler) popSender() *activeSenderEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.activeSenders) == 0 {
		return nil
	}
	entry := h.activeSenders[0]
	h.activeSenders = h.activeSenders[1:]
	return entry
}

func (h *SocketHandler) pushSender(entry *activeSenderEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activeSenders = append(h.activeSenders, entry)
}

// Feed accumulates newly read bytes and drains every complete frame it
// can find, dispatching each. It closes the connection and returns
// false if bufferedData grows past maxBufferedData without yielding a
// frame.
func (h *SocketHandler) Feed(data []byte) bool {
	h.touch()
	h.mu.Lock()
	h.bufferedData = append(h.bufferedData, data...)
	buf := h.bufferedData
	h.mu.Unlock()

	frames, errs, rest := wire.Drain(buf)

	h.mu.Lock()
	h.bufferedData = rest
	overflow := len(h.bufferedData) > maxBufferedData && len(frames) == 0
	h.mu.Unlock()

	for range errs {
		metrics.ParseErrors.Inc()
	}
	for _, f := range frames {
		h.dispatch(f)
	}

	if overflow {
		logger.W(nil, "socket handler: bufferedData exceeded 1MiB without a frame, closing")
		h.closeWithError(true)
		return false
	}
	return true
}

func (h *SocketHandler) dispatch(frame interface{}) {
	if h.isTracing() {
		switch f := frame.(type) {
		case *message.Request:
			logger.I(nil, fmt.Sprintf("recv %s tid=%s message-id=%s", f.Method, f.Tid, f.MessageID))
		case *message.Response:
			logger.I(nil, fmt.Sprintf("recv %d tid=%s", f.Status, f.Tid))
		}
	}
	switch f := frame.(type) {
	case *message.Request:
		metrics.FramesParsed.WithLabelValues("request").Inc()
		h.dispatchRequest(f)
	case *message.Response:
		metrics.FramesParsed.WithLabelValues("response").Inc()
		h.dispatchResponse(f)
	}
}

func (h *SocketHandler) isTracing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trace
}

func (h *SocketHandler) dispatchRequest(req *message.Request) {
	if len(req.ToPath) == 0 {
		h.writeResponse(req, 400, "Bad Request")
		return
	}
	sid := req.ToPath[0].SessionId

	session, ok := h.lookup.Session(sid)
	if !ok {
		h.writeResponse(req, 481, "Session Does Not Exist")
		return
	}
	if len(req.FromPath) == 0 || !req.FromPath[0].Equal(session.RemoteFrom()) {
		h.writeResponse(req, 481, "Invalid From-Path")
		return
	}

	h.mu.Lock()
	h.sessions[sid] = struct{}{}
	h.mu.Unlock()
	session.AssociateSocket(h)

	switch req.Method {
	case "REPORT":
		h.handleReport(req, session)
	case "SEND":
		h.handleSend(req, session)
	default:
		h.writeResponse(req, 501, "Not Implemented")
	}
}

func (h *SocketHandler) handleReport(req *message.Request, session SessionRef) {
	if req.Status != nil && req.Status.Code == 200 {
		session.HeartbeatReset()
	}
	h.mu.Lock()
	sender, ok := h.chunkSenders[req.MessageID]
	h.mu.Unlock()
	if !ok || req.ByteRange == nil || req.Status == nil {
		return
	}
	_ = sender.ProcessReport(chunksender.Report{
		MessageID: req.MessageID,
		ByteRange: *req.ByteRange,
		Status:    req.Status.Code,
	})
}

func (h *SocketHandler) handleSend(req *message.Request, session SessionRef) {
	mode := session.RemoteConnectionMode()
	if mode == "recvonly" || mode == "inactive" {
		h.writeResponse(req, 403, "Forbidden")
		h.maybeFailureReport(session, req, 403)
		return
	}

	if req.IsComplete() {
		h.writeResponse(req, 200, "OK")
		if !isHeartbeat(req) && req.HasBody {
			session.Deliver(req)
		}
		h.maybeSuccessReport(session, req)
		return
	}

	if req.MessageID == "" || req.ByteRange == nil {
		h.writeResponse(req, 400, "Bad Request")
		return
	}

	h.mu.Lock()
	recv, ok := h.chunkReceivers[req.MessageID]
	if !ok {
		recv = chunkreceiver.New(req.MessageID)
		h.chunkReceivers[req.MessageID] = recv
	}
	h.mu.Unlock()

	if !recv.ProcessChunk(req) {
		h.writeResponse(req, 413, "Stop Sending Message")
		h.mu.Lock()
		delete(h.chunkReceivers, req.MessageID)
		h.mu.Unlock()
		h.maybeFailureReport(session, req, 413)
		return
	}

	if !recv.IsComplete() {
		h.writeResponse(req, 200, "OK")
		return
	}

	h.writeResponse(req, 200, "OK")
	h.mu.Lock()
	delete(h.chunkReceivers, req.MessageID)
	h.mu.Unlock()

	full := *req
	full.ContinuationFlag = message.FlagComplete
	full.Body = string(recv.Buffer())
	full.HasBody = true
	full.ByteRange = &message.ByteRange{Start: 1, End: int64(len(recv.Buffer())), Total: recv.TotalBytes()}
	if !isHeartbeat(&full) {
		session.Deliver(&full)
	}
	h.maybeSuccessReport(session, &full)
}

func isHeartbeat(req *message.Request) bool {
	return req.ContentType == "text/x-msrp-heartbeat"
}

func (h *SocketHandler) dispatchResponse(resp *message.Response) {
	h.mu.Lock()
	sent, ok := h.requestsSent[resp.Tid]
	if ok {
		delete(h.requestsSent, resp.Tid)
	}
	var sender *chunksender.ChunkSender
	var hasSender bool
	if ok {
		sender, hasSender = h.chunkSenders[sent.messageID]
	}
	h.mu.Unlock()
	if !ok || !hasSender {
		return
	}
	_ = sender.ProcessReport(chunksender.Report{MessageID: sent.messageID, ByteRange: sent.byteRange, Status: resp.Status})
}

// maybeSuccessReport emits, parks, or skips a Success REPORT for a
// fully-received request per spec.md §4.5.
func (h *SocketHandler) maybeSuccessReport(session SessionRef, req *message.Request) {
	if !req.WantSuccessReport {
		return
	}
	report := h.buildReport(req, 200)
	if session.ManualReports() {
		h.mu.Lock()
		h.pendingReports[req.MessageID] = &pendingReport{report: report, deadline: time.Now().Add(reportDeadline)}
		h.mu.Unlock()
		return
	}
	h.writeRequest(report)
	metrics.ReportsSent.WithLabelValues("success").Inc()
}

// maybeFailureReport emits a Failure REPORT for a request this handler
// could not honor, unless the request opted out via Failure-Report: no.
func (h *SocketHandler) maybeFailureReport(session SessionRef, req *message.Request, status uint16) {
	if !req.WantFailureReport {
		return
	}
	report := h.buildReport(req, status)
	h.writeRequest(report)
	metrics.ReportsSent.WithLabelValues("failure").Inc()
}

// buildReport constructs a REPORT request for req with the given
// status, per spec.md §4.5's Byte-Range rules: the success case copies
// the request's own byte-range; the failure case keeps start/total from
// the request but recomputes end from the actual body length received.
func (h *SocketHandler) buildReport(req *message.Request, status uint16) *message.Request {
	br := message.ByteRange{Start: 1, End: int64(len(req.Body)), Total: -1}
	if req.ByteRange != nil {
		br = *req.ByteRange
		if status != 200 {
			br.End = int64(len(req.Body))
		}
	}
	return &message.Request{
		Message: message.Message{
			Tid:      h.nextTid(),
			ToPath:   req.FromPath,
			FromPath: req.ToPath,
			Headers:  message.NewHeaders(),
		},
		Method:    "REPORT",
		MessageID: req.MessageID,
		ByteRange: &br,
		Status:    &message.ForwardStatus{Namespace: "000", Code: status},
	}
}

// ResolveManualReport fulfils a parked pendingReport for messageID with
// the application-supplied status, as driven by Session.sendReport.
func (h *SocketHandler) ResolveManualReport(messageID string, status uint16) {
	h.mu.Lock()
	pending, ok := h.pendingReports[messageID]
	if ok {
		delete(h.pendingReports, messageID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	pending.report.Status.Code = status
	h.writeRequest(pending.report)
	metrics.ReportsSent.WithLabelValues("success").Inc()
}

// AuditPendingReports flushes any manual-report slot that has sat
// unresolved past reportDeadline, emitting 408 in place of the
// application's decision (spec.md §4.5).
func (h *SocketHandler) AuditPendingReports(now time.Time) {
	var stale []*pendingReport
	h.mu.Lock()
	for id, p := range h.pendingReports {
		if now.After(p.deadline) {
			stale = append(stale, p)
			delete(h.pendingReports, id)
		}
	}
	h.mu.Unlock()

	for _, p := range stale {
		p.report.Status.Code = 408
		h.writeRequest(p.report)
		metrics.ReportsSent.WithLabelValues("failure").Inc()
	}
}

func (h *SocketHandler) writeRequest(req *message.Request) {
	if h.isTracing() {
		logger.I(nil, fmt.Sprintf("send %s tid=%s message-id=%s", req.Method, req.Tid, req.MessageID))
	}
	frame := wire.EncodeRequest(req, h.nextTid)
	h.write(frame)
	if req.Method == "SEND" {
		metrics.ChunkBytesSent.Add(float64(len(req.Body)))
	}
}

// writeResponse answers req with a Response frame. Per RFC4975 §7.2 a
// response's To-Path/From-Path are the request's From-Path/To-Path
// reversed, and its end-line carries a complete continuation flag (a
// Response is never chunked).
func (h *SocketHandler) writeResponse(req *message.Request, status uint16, comment string) {
	if h.isTracing() {
		logger.I(nil, fmt.Sprintf("send %d tid=%s", status, req.Tid))
	}
	resp := &message.Response{
		Message: message.Message{
			Tid:              req.Tid,
			ToPath:           req.FromPath,
			FromPath:         req.ToPath,
			Headers:          message.NewHeaders(),
			ContinuationFlag: message.FlagComplete,
		},
		Status:  status,
		Comment: comment,
	}
	h.write(wire.EncodeResponse(resp))
}

func (h *SocketHandler) write(b []byte) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.IsClosed() {
		return
	}
	h.touch()
	if _, err := h.conn.Write(b); err != nil {
		logger.W(nil, fmt.Sprintf("socket handler: write failed: %v", err))
		h.closeWithError(true)
	}
}

// ReadLoop blocks reading from conn and feeding each read into Feed,
// until the connection closes or a read error occurs. Intended to run
// in its own goroutine, one per accepted or dialed connection.
func (h *SocketHandler) ReadLoop() {
	buf := make([]byte, bytes.MinRead)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			if !h.Feed(buf[:n]) {
				return
			}
		}
		if err != nil {
			h.closeWithError(err != io.EOF)
			return
		}
	}
}
