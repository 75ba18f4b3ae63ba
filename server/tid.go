package server

import "github.com/rs/xid"

// NewTid returns an 8-character alphanumeric transaction identifier,
// matching spec.md §3's tid shape. The random-identifier source itself
// is explicitly out of core scope (spec.md §1); this is the concrete
// generator the demo binary and outbound connector inject, reusing
// rs/xid (already pulled in for message.NewMessageID) instead of a
// second random-id dependency.
func NewTid() string {
	return xid.New().String()[:8]
}
