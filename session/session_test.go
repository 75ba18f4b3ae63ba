package session_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/ossrs-msrp/msrp/session"
	"github.com/ossrs-msrp/msrp/transport"
	"github.com/ossrs-msrp/msrp/uri"
)

func mustURI(t *testing.T, s string) *uri.URI {
	t.Helper()
	u, err := uri.Parse(s)
	if err != nil {
		t.Fatalf("uri.Parse(%q): %v", s, err)
	}
	return u
}

func sequentialTids() func() string {
	n := 0
	return func() string {
		n++
		return "stid" + string(rune('a'+n))
	}
}

type discardingLookup struct{}

func (discardingLookup) Session(string) (transport.SessionRef, bool) { return nil, false }

func describeSDP(remote *uri.URI) string {
	return "v=0\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.9\r\n" +
		"t=0 0\r\n" +
		"m=message 9 TCP/MSRP *\r\n" +
		"a=path:" + remote.String() + "\r\n" +
		"a=accept-types:text/plain\r\n" +
		"a=setup:active\r\n" +
		"a=sendrecv\r\n"
}

func TestCanSendFalseWithoutSocket(t *testing.T) {
	local := mustURI(t, "msrp://local.example.com:7654/s1;tcp")
	sess := session.New("s1", local, []string{"text/plain"}, session.Passive, session.Config{}, session.Events{}, sequentialTids(), nil)

	if sess.CanSend("text/plain") {
		t.Fatalf("no socket yet, CanSend must be false")
	}
}

func TestEndIsIdempotentAndEmitsOnce(t *testing.T) {
	local := mustURI(t, "msrp://local.example.com:7654/s1;tcp")
	var mu sync.Mutex
	count := 0
	sess := session.New("s1", local, []string{"text/plain"}, session.Passive, session.Config{}, session.Events{
		OnEnd: func() {
			mu.Lock()
			count++
			mu.Unlock()
		},
	}, sequentialTids(), nil)

	sess.End()
	sess.End()
	sess.End()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("OnEnd fired %d times, want 1", count)
	}
	if !sess.Ended() {
		t.Fatalf("expected Ended() true")
	}
}

func TestNegotiationPicksPassiveWhenRemoteIsActive(t *testing.T) {
	local := mustURI(t, "msrp://local.example.com:7654/s1;tcp")
	sess := session.New("s1", local, []string{"text/plain"}, session.Active, session.Config{}, session.Events{}, sequentialTids(), nil)

	sess.GetDescription()
	remote := mustURI(t, "msrp://remote.example.com:9/s1;tcp")
	if err := sess.SetDescription(describeSDP(remote)); err != nil {
		t.Fatalf("SetDescription: %v", err)
	}

	if mode := sess.RemoteConnectionMode(); mode != session.SendRecv {
		t.Fatalf("RemoteConnectionMode = %q, want sendrecv", mode)
	}
	if got := sess.RemoteFrom(); got == nil || got.SessionId != "s1" {
		t.Fatalf("RemoteFrom = %+v", got)
	}
	if desc := sess.GetDescription(); !strings.Contains(desc, "a=setup:passive\r\n") {
		t.Fatalf("local description after negotiation = %q, want a=setup:passive", desc)
	}
}
