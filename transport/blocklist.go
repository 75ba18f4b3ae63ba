package transport

import (
	"sync"
	"time"

	"github.com/ossrs-msrp/msrp/metrics"
)

// refusalWindow is the sliding window within which repeated ECONNREFUSED
// results against the same remote are counted (spec.md §4.7).
const refusalWindow = 100 * time.Millisecond

// refusalThreshold is the most refusals inside refusalWindow that are
// tolerated; one more trips the blocklist.
const refusalThreshold = 10

// blocklistDuration is how long a remote stays blocklisted once tripped.
const blocklistDuration = 1000 * time.Millisecond

// Blocklist tracks outbound connection refusals per remote address and
// temporarily refuses to dial remotes that refuse too quickly in
// succession. A standalone collaborator so SocketHandler and the
// outbound connector can share it.
type Blocklist struct {
	mu        sync.Mutex
	now       func() time.Time
	refusals  map[string][]time.Time
	blocked   map[string]time.Time
	onTripped func(remote string)
}

// NewBlocklist constructs an empty Blocklist.
func NewBlocklist() *Blocklist {
	return &Blocklist{
		now:      time.Now,
		refusals: map[string][]time.Time{},
		blocked:  map[string]time.Time{},
	}
}

// SetClock overrides the time source, for deterministic tests.
func (b *Blocklist) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// IsBlocked reports whether remote is currently serving out its
// blocklist penalty.
func (b *Blocklist) IsBlocked(remote string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.blocked[remote]
	if !ok {
		return false
	}
	if b.now().After(until) {
		delete(b.blocked, remote)
		return false
	}
	return true
}

// RecordRefusal folds one ECONNREFUSED result for remote into the
// sliding window, trips the blocklist once more than refusalThreshold
// refusals land inside refusalWindow, and reports whether it just tripped.
func (b *Blocklist) RecordRefusal(remote string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-refusalWindow)
	kept := b.refusals[remote][:0]
	for _, t := range b.refusals[remote] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	b.refusals[remote] = kept

	if len(kept) <= refusalThreshold {
		return false
	}

	b.blocked[remote] = now.Add(blocklistDuration)
	b.refusals[remote] = nil
	metrics.RefusalsBlocklisted.Inc()
	if b.onTripped != nil {
		b.onTripped(remote)
	}
	return true
}
