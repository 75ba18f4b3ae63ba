// The msrp config package is a plain Endpoint configuration struct
// mirroring spec.md §6's configuration table, defaulted the way teacher
// constructors default their settings objects (rtmp.go's newSettings,
// logger.NewLoggerPlus). It is the one place host/port/timeout knobs
// live; every other package takes them as explicit constructor
// arguments instead of reading this struct directly.
package config

import "time"

// Endpoint is every knob spec.md §6 names for one MSRP listener plus
// its outbound-connect behavior.
type Endpoint struct {
	// Host is the local bind address for the passive listener.
	Host string
	// SignalingHost is the address advertised in SDP/path URIs, which
	// may differ from Host under NAT.
	SignalingHost string
	// Port is the listen port. Zero lets the operating system pick a
	// free port when the listener starts; the chosen port is not written
	// back here.
	Port uint16

	// OutboundBasePort and OutboundHighestPort bound the ephemeral
	// range used for outbound connects (spec.md §4.7).
	OutboundBasePort    uint16
	OutboundHighestPort uint16

	// Setup is the default local role offered when no remote SDP has
	// been seen yet: one of session.Active, session.Passive, session.ActPass.
	Setup string
	// SessionName populates the "s=" line of the local SDP.
	SessionName string
	// AcceptTypes is the space-separated wildcard list advertised in
	// "a=accept-types".
	AcceptTypes []string

	EnableHeartbeats  bool
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// SocketTimeout idles out a connection with no traffic for this long.
	SocketTimeout time.Duration

	// ManualReports defers Success REPORTs until the application calls
	// Session.SendReport.
	ManualReports bool

	// TraceMsrp logs every frame at Info level when true (spec.md §1
	// ambient stack: traceMsrp never uses logger.Trace, so it stays
	// silent unless the level itself is raised).
	TraceMsrp bool
}

// NewEndpoint returns an Endpoint with the defaults spec.md §6 implies
// for an endpoint that isn't told otherwise: passive role, accepting
// text/plain and message/cpim, heartbeats on with RFC 4975-typical intervals, a
// generous idle timeout, and immediate (non-manual) reports.
func NewEndpoint(host string, port uint16) *Endpoint {
	return &Endpoint{
		Host:                host,
		SignalingHost:       host,
		Port:                port,
		OutboundBasePort:    49152,
		OutboundHighestPort: 65535,
		Setup:               "passive",
		SessionName:         "-",
		AcceptTypes:         []string{"text/plain", "message/cpim"},
		EnableHeartbeats:    true,
		HeartbeatInterval:   30 * time.Second,
		HeartbeatTimeout:    10 * time.Second,
		SocketTimeout:       5 * time.Minute,
		ManualReports:       false,
		TraceMsrp:           false,
	}
}
