package server

import (
	"fmt"
	"net"
	"strconv"
)

// tcpPortFinder discovers a free local port by briefly listening on it,
// satisfying transport.PortFinder. It is the injected local-port
// allocator spec.md §1 explicitly scopes out of the protocol core
// itself; this is the concrete implementation the demo binary wires in.
type tcpPortFinder struct {
	host string
}

func newTCPPortFinder(host string) *tcpPortFinder {
	return &tcpPortFinder{host: host}
}

// FindPort scans [base, high] for a port that can be bound right now.
// There is an inherent TOCTOU race between this probe and the eventual
// outbound Dial; the outbound connector retries the dial once with a
// fresh allocation when it fails with EADDRINUSE.
func (f *tcpPortFinder) FindPort(base, high uint16) (uint16, error) {
	for port := int(base); port <= int(high); port++ {
		addr := net.JoinHostPort(f.host, strconv.Itoa(port))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}
		l.Close()
		return uint16(port), nil
	}
	return 0, fmt.Errorf("server: no free port in [%d, %d]", base, high)
}
