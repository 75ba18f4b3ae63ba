// The msrp transport package owns everything a single TCP connection
// needs: the per-connection dispatcher (SocketHandler), the outbound
// ephemeral-port allocator, and the ECONNREFUSED blocklist. Grounded on
// rtmp.go's NewProtocol construction (a bufio.Reader/Writer pair plus a
// mutex-guarded lookup table, rtmp.go's input.ltransactions) generalized
// from RTMP's AMF transaction table to MSRP's tid/session routing
// tables.
package transport

import (
	"context"
	"errors"
	"syscall"

	"golang.org/x/sync/semaphore"
)

// PortFinder allocates a free local port in [base, high]. It is an
// injected collaborator per spec.md §1 (the local-port allocator is
// explicitly out of scope for this core).
type PortFinder interface {
	FindPort(base, high uint16) (uint16, error)
}

// PortAllocator serializes access to a PortFinder: at most one
// in-flight allocation globally, requests queue FIFO (spec.md §4.7).
// The FIFO ordering and one-at-a-time admission are provided by a
// weighted semaphore of weight 1, the same primitive the pack uses
// elsewhere (golang.org/x/sync) for single-admission gates.
type PortAllocator struct {
	finder PortFinder
	sem    *semaphore.Weighted
	base   uint16
	high   uint16
}

// NewPortAllocator constructs an allocator over the inclusive range
// [base, high] using finder to actually discover a free port.
func NewPortAllocator(finder PortFinder, base, high uint16) *PortAllocator {
	return &PortAllocator{finder: finder, sem: semaphore.NewWeighted(1), base: base, high: high}
}

// Allocate blocks until it is this caller's turn, then asks the
// PortFinder for a port. When the finder's error wraps
// syscall.EADDRINUSE it asks the finder once more.
func (a *PortAllocator) Allocate(ctx context.Context) (uint16, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer a.sem.Release(1)

	port, err := a.finder.FindPort(a.base, a.high)
	if err == nil {
		return port, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return 0, err
	}
	return a.finder.FindPort(a.base, a.high)
}
