// The msrp message package is the Request/Response value model shared by
// the parser, the ChunkSender and the ChunkReceiver. It mirrors the shape
// of rtmp.go's Message/MessageHeader pair (header fields plus a payload)
// but for MSRP's line-oriented grammar instead of RTMP's binary
// chunk-stream grammar.
package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/xid"

	"github.com/ossrs-msrp/msrp/uri"
)

// ContinuationFlag is the single byte ending a frame's end-line.
type ContinuationFlag byte

const (
	FlagMore     ContinuationFlag = '+'
	FlagComplete ContinuationFlag = '$'
	FlagAbort    ContinuationFlag = '#'
)

func (f ContinuationFlag) Valid() bool {
	switch f {
	case FlagMore, FlagComplete, FlagAbort:
		return true
	}
	return false
}

// ByteRange is the parsed form of the "start-end/total" wire token.
// End or Total of -1 encodes the wire "*" (unknown).
type ByteRange struct {
	Start uint64
	End   int64
	Total int64
}

const Unknown int64 = -1

// String renders the wire form, e.g. "1-11/11" or "1-*/*".
func (b ByteRange) String() string {
	end := "*"
	if b.End != Unknown {
		end = strconv.FormatInt(b.End, 10)
	}
	total := "*"
	if b.Total != Unknown {
		total = strconv.FormatInt(b.Total, 10)
	}
	return fmt.Sprintf("%d-%s/%s", b.Start, end, total)
}

// ParseByteRange parses the "start-end/total" wire token.
func ParseByteRange(s string) (ByteRange, error) {
	dash := strings.IndexByte(s, '-')
	slash := strings.IndexByte(s, '/')
	if dash < 0 || slash < 0 || slash < dash {
		return ByteRange{}, fmt.Errorf("malformed byte-range %q", s)
	}
	startStr := s[:dash]
	endStr := s[dash+1 : slash]
	totalStr := s[slash+1:]

	start, err := strconv.ParseUint(startStr, 10, 64)
	if err != nil {
		return ByteRange{}, fmt.Errorf("malformed byte-range start %q: %v", s, err)
	}

	end := Unknown
	if endStr != "*" {
		v, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return ByteRange{}, fmt.Errorf("malformed byte-range end %q: %v", s, err)
		}
		end = v
	}

	total := Unknown
	if totalStr != "*" {
		v, err := strconv.ParseInt(totalStr, 10, 64)
		if err != nil {
			return ByteRange{}, fmt.Errorf("malformed byte-range total %q: %v", s, err)
		}
		total = v
	}

	return ByteRange{Start: start, End: end, Total: total}, nil
}

// ContentDisposition is "type;name=value..." with RFC-822 quoted-string values.
type ContentDisposition struct {
	Type   string
	Params map[string]string
}

// Headers is a mapping from normalized header name to the ordered list
// of raw values received for it, so duplicate non-strict headers and
// emission order both survive a parse/encode round trip.
type Headers struct {
	order  []string
	values map[string][]string
}

// NewHeaders returns an empty Headers ready to use.
func NewHeaders() *Headers {
	return &Headers{values: map[string][]string{}}
}

// Normalize canonicalizes a header name the way "To-Path"/"Content-Type"
// are canonicalized: each hyphen-separated segment capitalized.
func Normalize(name string) string {
	segs := strings.Split(name, "-")
	for i, s := range segs {
		if s == "" {
			continue
		}
		segs[i] = strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	}
	return strings.Join(segs, "-")
}

// Add appends a value under name, preserving insertion order.
func (h *Headers) Add(name, value string) {
	key := Normalize(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = append(h.values[key], value)
}

// Get returns the first value for name, if any.
func (h *Headers) Get(name string) (string, bool) {
	vs, ok := h.values[Normalize(name)]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Values returns all values for name in insertion order.
func (h *Headers) Values(name string) []string {
	return h.values[Normalize(name)]
}

// Names returns header names in the order they were first added.
func (h *Headers) Names() []string {
	return h.order
}

// Message is the data shared by every Request and Response.
type Message struct {
	Tid              string
	ToPath           []*uri.URI
	FromPath         []*uri.URI
	Headers          *Headers
	ContinuationFlag ContinuationFlag
}

// Request is an MSRP request frame (SEND, REPORT, ...).
type Request struct {
	Message

	Method string

	ContentType        string
	Body               string
	HasBody            bool
	ByteRange          *ByteRange
	MessageID          string
	WantSuccessReport  bool
	WantFailureReport  bool
	ContentDisposition *ContentDisposition
	ContentDescription string
	// Status is only meaningful on a REPORT-carried forwarding status,
	// format "000 <code> <comment>"; the 000 namespace is mandatory.
	Status *ForwardStatus
}

// ForwardStatus is the parsed form of a request's "Status" header.
type ForwardStatus struct {
	Namespace string // always "000"
	Code      uint16
	Comment   string
}

// IsComplete holds iff this request carries (or completes) a whole
// message in one frame: either there is no byte-range, or the range
// starts at 1 (the first and only chunk), and the flag says "$".
func (r *Request) IsComplete() bool {
	if r.ContinuationFlag != FlagComplete {
		return false
	}
	if r.ByteRange == nil {
		return true
	}
	return r.ByteRange.Start == 1
}

// Response is an MSRP response frame.
type Response struct {
	Message

	Status  uint16
	Comment string
}

// ParseFailureReport maps the wire "Failure-Report" header value onto
// the two derived booleans this core tracks, per spec.md §4.1:
//   yes     -> (success=yes, failure=yes)
//   no      -> (success=no,  failure=no)
//   partial -> (success=no,  failure=yes)
// Any other value fails the frame.
func ParseFailureReport(value string) (wantSuccess, wantFailure bool, err error) {
	switch value {
	case "yes":
		return true, true, nil
	case "no":
		return false, false, nil
	case "partial":
		return false, true, nil
	default:
		return false, false, fmt.Errorf("invalid Failure-Report value %q", value)
	}
}

// NewMessageID returns a fresh globally-unique Message-ID using xid,
// a compact, sortable, lock-free id generator.
func NewMessageID() string {
	return xid.New().String()
}
