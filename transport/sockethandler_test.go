package transport_test

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ossrs-msrp/msrp/message"
	"github.com/ossrs-msrp/msrp/transport"
	"github.com/ossrs-msrp/msrp/uri"
)

type fakeSession struct {
	mu            sync.Mutex
	remoteFrom    *uri.URI
	mode          string
	manualReports bool
	delivered     []*message.Request
	socket        *transport.SocketHandler
	heartbeats    int
}

func (s *fakeSession) RemoteFrom() *uri.URI          { return s.remoteFrom }
func (s *fakeSession) RemoteConnectionMode() string  { return s.mode }
func (s *fakeSession) ManualReports() bool           { return s.manualReports }
func (s *fakeSession) AssociateSocket(h *transport.SocketHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.socket = h
}
func (s *fakeSession) HeartbeatReset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
}
func (s *fakeSession) Deliver(req *message.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, req)
}

func (s *fakeSession) deliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

type fakeLookup struct {
	sessions map[string]*fakeSession
}

func (l *fakeLookup) Session(sid string) (transport.SessionRef, bool) {
	s, ok := l.sessions[sid]
	return s, ok
}

func sequentialTids() func() string {
	n := 0
	return func() string {
		n++
		return "atid" + string(rune('a'+n))
	}
}

func newHandler(t *testing.T, lookup *fakeLookup) (*transport.SocketHandler, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	h := transport.New(serverConn, lookup, sequentialTids())
	go h.ReadLoop()
	t.Cleanup(func() { h.Close(); clientConn.Close() })
	return h, clientConn
}

func writeAsync(t *testing.T, conn net.Conn, frame string) {
	t.Helper()
	go func() {
		conn.Write([]byte(frame))
	}()
}

func readResponseLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

const crlf = "\r\n"

func sendFrame(tid, method, toPath, fromPath string, extraHeaders string, body string) string {
	b := "MSRP " + tid + " " + method + crlf +
		"To-Path: " + toPath + crlf +
		"From-Path: " + fromPath + crlf +
		extraHeaders
	if body != "" {
		b += crlf + body + crlf
	}
	b += "-------" + tid + "$" + crlf
	return b
}

func TestSocketHandlerRoutesSessionNotFound(t *testing.T) {
	lookup := &fakeLookup{sessions: map[string]*fakeSession{}}
	h, conn := newHandler(t, lookup)

	frame := sendFrame("tid1", "SEND", "msrp://s.example.com:7654/ghost;tcp", "msrp://c.example.com:9/c1;tcp", "", "hi")
	writeAsync(t, conn, frame)

	line := readResponseLine(t, conn)
	if !strings.HasPrefix(line, "MSRP tid1 481") {
		t.Fatalf("got %q, want a 481 status line", line)
	}
	_ = h
}

func TestSocketHandlerRejectsFromPathMismatch(t *testing.T) {
	remote, _ := uri.Parse("msrp://client.example.com:9/c1;tcp")
	lookup := &fakeLookup{sessions: map[string]*fakeSession{
		"s1": {remoteFrom: remote, mode: "sendrecv"},
	}}
	h, conn := newHandler(t, lookup)

	frame := sendFrame("tid1", "SEND", "msrp://s.example.com:7654/s1;tcp", "msrp://impostor.example.com:9/c1;tcp", "", "hi")
	writeAsync(t, conn, frame)

	line := readResponseLine(t, conn)
	if !strings.Contains(line, "481") || !strings.Contains(line, "Invalid From-Path") {
		t.Fatalf("got %q, want 481 Invalid From-Path", line)
	}
	_ = h
}

func TestSocketHandlerRejectsSendWhenRecvonly(t *testing.T) {
	remote, _ := uri.Parse("msrp://client.example.com:9/c1;tcp")
	lookup := &fakeLookup{sessions: map[string]*fakeSession{
		"s1": {remoteFrom: remote, mode: "recvonly"},
	}}
	h, conn := newHandler(t, lookup)

	frame := sendFrame("tid1", "SEND", "msrp://s.example.com:7654/s1;tcp", "msrp://client.example.com:9/c1;tcp", "", "hi")
	writeAsync(t, conn, frame)

	line := readResponseLine(t, conn)
	if !strings.Contains(line, "403") {
		t.Fatalf("got %q, want 403", line)
	}
	_ = h
}

func TestSocketHandlerDeliversCompleteSend(t *testing.T) {
	remote, _ := uri.Parse("msrp://client.example.com:9/c1;tcp")
	sess := &fakeSession{remoteFrom: remote, mode: "sendrecv"}
	lookup := &fakeLookup{sessions: map[string]*fakeSession{"s1": sess}}
	h, conn := newHandler(t, lookup)

	frame := sendFrame("tid1", "SEND", "msrp://s.example.com:7654/s1;tcp", "msrp://client.example.com:9/c1;tcp",
		"Message-ID: m1"+crlf+"Byte-Range: 1-11/11"+crlf, "Hello World")
	writeAsync(t, conn, frame)

	line := readResponseLine(t, conn)
	if !strings.Contains(line, "200") {
		t.Fatalf("got %q, want 200 OK", line)
	}
	time.Sleep(10 * time.Millisecond)
	if sess.deliveredCount() != 1 {
		t.Fatalf("expected exactly one delivered message, got %d", sess.deliveredCount())
	}
	_ = h
}

func TestSocketHandlerUnknownMethod(t *testing.T) {
	remote, _ := uri.Parse("msrp://client.example.com:9/c1;tcp")
	lookup := &fakeLookup{sessions: map[string]*fakeSession{
		"s1": {remoteFrom: remote, mode: "sendrecv"},
	}}
	h, conn := newHandler(t, lookup)

	frame := sendFrame("tid1", "WIGGLE", "msrp://s.example.com:7654/s1;tcp", "msrp://client.example.com:9/c1;tcp", "", "")
	writeAsync(t, conn, frame)

	line := readResponseLine(t, conn)
	if !strings.Contains(line, "501") {
		t.Fatalf("got %q, want 501", line)
	}
	_ = h
}

func TestAuditIdleTimeoutClosesStaleHandler(t *testing.T) {
	lookup := &fakeLookup{sessions: map[string]*fakeSession{}}
	h, _ := newHandler(t, lookup)

	h.AuditIdleTimeout(time.Now(), time.Hour)
	if h.IsClosed() {
		t.Fatal("handler closed despite being within the timeout window")
	}

	h.AuditIdleTimeout(time.Now().Add(time.Hour), time.Minute)
	if !h.IsClosed() {
		t.Fatal("handler should have closed once idle past the timeout")
	}
}

func TestAuditIdleTimeoutDisabledWhenNonPositive(t *testing.T) {
	lookup := &fakeLookup{sessions: map[string]*fakeSession{}}
	h, _ := newHandler(t, lookup)

	h.AuditIdleTimeout(time.Now().Add(24*time.Hour), 0)
	if h.IsClosed() {
		t.Fatal("handler closed even though timeout <= 0 disables the check")
	}
}
