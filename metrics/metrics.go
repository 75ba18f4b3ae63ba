// The msrp metrics package declares the prometheus collectors this core
// exposes. Grounded on m-lab-tcp-info/metrics's package-scope
// prometheus.NewCounterVec/NewGaugeVec declaration style.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// FramesParsed counts successfully parsed wire frames, by kind
	// ("request" or "response").
	FramesParsed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msrp",
		Name:      "frames_parsed_total",
		Help:      "MSRP frames successfully parsed off the wire, by kind.",
	}, []string{"kind"})

	// ParseErrors counts frames dropped for being malformed.
	ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "msrp",
		Name:      "parse_errors_total",
		Help:      "MSRP frames dropped for being malformed.",
	})

	// ReportsSent counts REPORT requests emitted, by disposition
	// ("success" or "failure").
	ReportsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msrp",
		Name:      "reports_sent_total",
		Help:      "REPORT requests emitted by this endpoint, by disposition.",
	}, []string{"disposition"})

	// ChunkBytesSent counts body bytes emitted in outbound SEND chunks.
	ChunkBytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "msrp",
		Name:      "chunk_bytes_sent_total",
		Help:      "Body bytes emitted in outbound SEND chunks.",
	})

	// ChunkBytesAcked is declared for bytes folded into a ChunkSender's
	// acked prefix by incoming REPORTs; no code in this module increments
	// it, so it stays at zero.
	ChunkBytesAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "msrp",
		Name:      "chunk_bytes_acked_total",
		Help:      "Body bytes acknowledged via REPORT.",
	})

	// RefusalsBlocklisted counts remotes placed on the ECONNREFUSED
	// blocklist (spec.md §4.7).
	RefusalsBlocklisted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "msrp",
		Name:      "econnrefused_blocklist_trips_total",
		Help:      "Remote endpoints placed on the ECONNREFUSED blocklist.",
	})

	// ActiveConnections is a live gauge of SocketHandlers currently open.
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "msrp",
		Name:      "active_connections",
		Help:      "Currently open MSRP TCP connections.",
	})
)

// MustRegister registers every collector in this package with reg. Call
// once at process start; tests construct their own registry so repeated
// package-level registration in the global default registry never happens
// implicitly.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(FramesParsed, ParseErrors, ReportsSent, ChunkBytesSent, ChunkBytesAcked, RefusalsBlocklisted, ActiveConnections)
}
