// The msrp sdp package implements just enough of SDP (RFC 4566) to carry
// an MSRP media description: the `m=message` line and the `a=path`,
// `a=accept-types`, `a=setup`, and connection-mode attributes a Session
// needs out of an offer/answer exchange. General SDP parsing (session-
// level lines, ICE, other media types) is out of scope; this is the
// thin slice the session state machine actually consumes.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ossrs-msrp/msrp/uri"
)

// connectionModes are the bare attribute lines RFC 4566 §6 defines for
// a media description's direction.
var connectionModes = map[string]bool{
	"sendrecv": true,
	"sendonly": true,
	"recvonly": true,
	"inactive": true,
}

// Description is the parsed or to-be-serialized MSRP media description
// carried in one SDP body.
type Description struct {
	SessionName    string
	Host           string
	Port           uint16
	Path           []*uri.URI
	AcceptTypes    []string
	Setup          string // active, passive, actpass
	ConnectionMode string // sendrecv, sendonly, recvonly, inactive; defaults to sendrecv
}

// Parse reads a raw SDP body and extracts the MSRP media description.
// Session-level lines other than "s=" and "c=" are ignored; any media
// line other than "m=message ... TCP/MSRP *" is ignored too.
func Parse(raw string) (*Description, error) {
	d := &Description{ConnectionMode: "sendrecv"}
	sawMessage := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		key, value := line[0], line[2:]

		switch key {
		case 's':
			d.SessionName = value
		case 'c':
			if host, ok := parseConnectionLine(value); ok {
				d.Host = host
			}
		case 'm':
			port, ok := parseMessageLine(value)
			if !ok {
				continue
			}
			d.Port = port
			sawMessage = true
		case 'a':
			if !sawMessage {
				continue
			}
			parseAttribute(d, value)
		}
	}

	if !sawMessage {
		return nil, fmt.Errorf("sdp: no m=message TCP/MSRP media line")
	}
	if len(d.Path) == 0 {
		return nil, fmt.Errorf("sdp: missing a=path attribute")
	}
	return d, nil
}

func parseConnectionLine(value string) (string, bool) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return "", false
	}
	return fields[2], true
}

func parseMessageLine(value string) (uint16, bool) {
	fields := strings.Fields(value)
	if len(fields) < 4 || fields[0] != "message" || fields[2] != "TCP/MSRP" {
		return 0, false
	}
	p, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(p), true
}

func parseAttribute(d *Description, value string) {
	if connectionModes[value] {
		d.ConnectionMode = value
		return
	}
	name, rest, hasColon := strings.Cut(value, ":")
	if !hasColon {
		return
	}
	switch name {
	case "path":
		for _, tok := range strings.Fields(rest) {
			u, err := uri.Parse(tok)
			if err == nil {
				d.Path = append(d.Path, u)
			}
		}
	case "accept-types":
		d.AcceptTypes = strings.Fields(rest)
	case "setup":
		d.Setup = rest
	}
}

// String serializes d into an SDP body suitable for an offer or answer.
func (d *Description) String() string {
	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=- 0 0 IN IP4 %s\r\n", orDefault(d.Host, "0.0.0.0"))
	fmt.Fprintf(&b, "s=%s\r\n", orDefault(d.SessionName, "-"))
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", orDefault(d.Host, "0.0.0.0"))
	b.WriteString("t=0 0\r\n")
	fmt.Fprintf(&b, "m=message %d TCP/MSRP *\r\n", d.Port)

	parts := make([]string, len(d.Path))
	for i, u := range d.Path {
		parts[i] = u.String()
	}
	fmt.Fprintf(&b, "a=path:%s\r\n", strings.Join(parts, " "))
	fmt.Fprintf(&b, "a=accept-types:%s\r\n", strings.Join(d.AcceptTypes, " "))
	if d.Setup != "" {
		fmt.Fprintf(&b, "a=setup:%s\r\n", d.Setup)
	}
	fmt.Fprintf(&b, "a=%s\r\n", orDefault(d.ConnectionMode, "sendrecv"))
	return b.String()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
