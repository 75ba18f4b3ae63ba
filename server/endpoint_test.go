package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ossrs-msrp/msrp/config"
	"github.com/ossrs-msrp/msrp/session"
)

func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	cfg := config.NewEndpoint("127.0.0.1", 0)
	return NewEndpoint(cfg)
}

func TestCreateSessionRegistersInDirectory(t *testing.T) {
	ep := newTestEndpoint(t)

	s, err := ep.CreateSession("abc123", session.Events{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s == nil {
		t.Fatal("CreateSession returned nil session")
	}
	if got, ok := ep.Sessions.Get("abc123"); !ok || got != s {
		t.Fatalf("session not registered in directory: got=%v ok=%v", got, ok)
	}
	if ep.Sessions.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", ep.Sessions.Len())
	}
}

func TestCreateSessionRejectsDuplicateSid(t *testing.T) {
	ep := newTestEndpoint(t)

	if _, err := ep.CreateSession("dup", session.Events{}); err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	if _, err := ep.CreateSession("dup", session.Events{}); err == nil {
		t.Fatal("expected error creating duplicate sid")
	}
}

func TestRunListensAndStopsOnCancel(t *testing.T) {
	cfg := config.NewEndpoint("127.0.0.1", 0)
	ep := NewEndpoint(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- ep.Run(ctx) }()

	var addr net.Addr
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ep.mu.Lock()
		ln := ep.listener
		ep.mu.Unlock()
		if ln != nil {
			addr = ln.Addr()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("listener never came up")
	}

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	conn.Close()

	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
