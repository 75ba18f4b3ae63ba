package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/ossrs-msrp/msrp/logger"
	"github.com/ossrs-msrp/msrp/session"
	"github.com/ossrs-msrp/msrp/transport"
	"github.com/ossrs-msrp/msrp/uri"
)

// dialTimeout bounds a single outbound connect attempt.
const dialTimeout = 10 * time.Second

// outboundConnector implements session.Connector: it turns a negotiated
// active role into a real TCP connection, honoring the port allocator
// and ECONNREFUSED blocklist spec.md §4.7 requires.
type outboundConnector struct {
	allocator *transport.PortAllocator
	blocklist *transport.Blocklist
	lookup    transport.SessionLookup
	nextTid   func() string
	track     func(*transport.SocketHandler)
	untrack   func(*transport.SocketHandler)
	trace     bool
}

func newOutboundConnector(allocator *transport.PortAllocator, blocklist *transport.Blocklist, lookup transport.SessionLookup, nextTid func() string, track, untrack func(*transport.SocketHandler), trace bool) *outboundConnector {
	return &outboundConnector{allocator: allocator, blocklist: blocklist, lookup: lookup, nextTid: nextTid, track: track, untrack: untrack, trace: trace}
}

// Connect dials remote from a freshly allocated local port, starts the
// new SocketHandler's read and send loops, and returns it.
func (c *outboundConnector) Connect(localAuthority string, remote *uri.URI) (*transport.SocketHandler, error) {
	remoteAddr := net.JoinHostPort(remote.Authority, strconv.Itoa(int(remote.Port)))

	if c.blocklist.IsBlocked(remoteAddr) {
		return nil, fmt.Errorf("server: %s is blocklisted", remoteAddr)
	}

	port, err := c.allocator.Allocate(context.Background())
	if err != nil {
		return nil, fmt.Errorf("server: port allocation: %w", err)
	}

	var localIP net.IP
	if localAuthority != "" {
		localIP = net.ParseIP(localAuthority)
	}
	dialer := net.Dialer{
		LocalAddr: &net.TCPAddr{IP: localIP, Port: int(port)},
		Timeout:   dialTimeout,
	}

	conn, err := dialer.Dial("tcp", remoteAddr)
	if err != nil && errors.Is(err, syscall.EADDRINUSE) {
		// The probed port was taken before the dial: retry once with a
		// fresh allocation.
		if port, err = c.allocator.Allocate(context.Background()); err != nil {
			return nil, fmt.Errorf("server: port allocation: %w", err)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: localIP, Port: int(port)}
		conn, err = dialer.Dial("tcp", remoteAddr)
	}
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			if c.blocklist.RecordRefusal(remoteAddr) {
				logger.W(nil, "server: blocklisting", remoteAddr, "after repeated ECONNREFUSED")
			}
		}
		return nil, fmt.Errorf("server: dial %s: %w", remoteAddr, err)
	}

	h := transport.New(conn, c.lookup, c.nextTid)
	h.SetTrace(c.trace)
	c.track(h)
	go func() {
		h.ReadLoop()
		c.untrack(h)
	}()
	go h.RunSendLoop()
	return h, nil
}

var _ session.Connector = (*outboundConnector)(nil)
