// The msrp wire package turns a byte stream into Request/Response values
// and serializes them back to the wire. It is the MSRP analogue of
// rtmp.go's Protocol.ReadMessage loop: a basic-header scan, a
// message-header scan, then a payload-accumulation step, except MSRP's
// frame boundary is a line-grammar end-line keyed by the transaction id
// rather than RTMP's fixed-size binary chunk header.
package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ossrs-msrp/msrp/message"
	"github.com/ossrs-msrp/msrp/uri"
)

const crlf = "\r\n"

// ParseError reports a malformed frame. It is fatal to the frame that
// produced it, never to the connection (spec.md §7.1).
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "msrp parse error: " + e.Reason
}

func parseErrf(format string, a ...interface{}) *ParseError {
	return &ParseError{Reason: fmt.Sprintf(format, a...)}
}

// ParseFrame looks for exactly one complete MSRP frame at the start of
// buf. It returns:
//   - (nil, 0, nil)            not enough data yet; caller keeps buf as-is
//   - (nil, n, *ParseError)    a complete but malformed frame was found
//     and consumed (n bytes); the caller drops it and keeps scanning
//   - (msg, n, nil)            a well-formed *message.Request or
//     *message.Response was parsed, consuming n bytes
func ParseFrame(buf []byte) (msg interface{}, consumed int, err error) {
	firstLineEnd := bytes.Index(buf, []byte(crlf))
	if firstLineEnd < 0 {
		return nil, 0, nil
	}

	firstLine := string(buf[:firstLineEnd])
	tokens := strings.Split(firstLine, " ")
	if len(tokens) < 3 {
		// The line is already CRLF-terminated, so it can never gain tokens.
		return nil, firstLineEnd + len(crlf), parseErrf("first line has %d tokens, want at least 3: %q", len(tokens), firstLine)
	}
	if tokens[0] != "MSRP" {
		// Consume up to and including this line; it can never become valid.
		return nil, firstLineEnd + len(crlf), parseErrf("first line does not start with MSRP: %q", firstLine)
	}
	tid := tokens[1]
	if tid == "" {
		return nil, firstLineEnd + len(crlf), parseErrf("empty transaction id")
	}

	endLinePrefix := []byte("-------" + tid)
	searchFrom := firstLineEnd
	var crlfPos = -1
	for {
		rel := bytes.Index(buf[searchFrom:], endLinePrefix)
		if rel < 0 {
			return nil, 0, nil // end-line not seen yet; need more data
		}
		abs := searchFrom + rel
		if abs < 2 || buf[abs-2] != '\r' || buf[abs-1] != '\n' {
			searchFrom = abs + 1
			continue
		}
		flagPos := abs + len(endLinePrefix)
		if flagPos+3 > len(buf) {
			return nil, 0, nil // need more data to see flag+CRLF
		}
		flag := message.ContinuationFlag(buf[flagPos])
		if !flag.Valid() || buf[flagPos+1] != '\r' || buf[flagPos+2] != '\n' {
			searchFrom = abs + 1
			continue
		}
		crlfPos = abs - 2
		consumed = flagPos + 3
		break
	}

	middle := buf[firstLineEnd:crlfPos]
	flag := message.ContinuationFlag(buf[crlfPos+2+len(endLinePrefix)])

	headerLines, body, hasBody, perr := splitHeadersBody(middle)
	if perr != nil {
		return nil, consumed, perr
	}

	headers, specials, perr := parseHeaderLines(headerLines)
	if perr != nil {
		return nil, consumed, perr
	}

	base := message.Message{
		Tid:              tid,
		ToPath:           specials.toPath,
		FromPath:         specials.fromPath,
		Headers:          headers,
		ContinuationFlag: flag,
	}
	if len(base.ToPath) == 0 || len(base.FromPath) == 0 {
		return nil, consumed, parseErrf("missing To-Path or From-Path")
	}

	if status, comment, isResponse := classifyThirdToken(tokens[2], tokens[3:]); isResponse {
		return &message.Response{Message: base, Status: status, Comment: comment}, consumed, nil
	}

	method := tokens[2]
	if len(tokens) > 3 {
		return nil, consumed, parseErrf("unexpected trailing tokens on request first line: %v", tokens[3:])
	}

	req := &message.Request{
		Message:            base,
		Method:             method,
		ContentType:        specials.contentType,
		ByteRange:          specials.byteRange,
		MessageID:          specials.messageID,
		WantSuccessReport:  specials.wantSuccessReport,
		WantFailureReport:  specials.wantFailureReport,
		ContentDisposition: specials.contentDisposition,
		ContentDescription: specials.contentDescription,
		Status:             specials.forwardStatus,
	}
	req.HasBody = hasBody
	if hasBody {
		req.Body = body
	}
	return req, consumed, nil
}

// classifyThirdToken decides whether the first line names a response
// status (3 ASCII digits) or a request method.
func classifyThirdToken(token string, rest []string) (status uint16, comment string, isResponse bool) {
	if len(token) == 3 && isAllDigits(token) {
		v, err := strconv.ParseUint(token, 10, 16)
		if err == nil {
			return uint16(v), strings.Join(rest, " "), true
		}
	}
	return 0, "", false
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// splitHeadersBody splits the region between the first line and the
// end-line into header lines and an optional body, per spec.md §4.1:
// the region always begins with the first line's own CRLF; a body is
// present iff a blank line (two consecutive CRLFs) separates headers
// from it.
func splitHeadersBody(middle []byte) (headerLines []string, body string, hasBody bool, err *ParseError) {
	s := string(middle)
	s = strings.TrimPrefix(s, crlf)
	if s == "" {
		return nil, "", false, nil
	}

	segments := strings.Split(s, crlf)
	for i, seg := range segments {
		if seg == "" {
			return segments[:i], strings.Join(segments[i+1:], crlf), true, nil
		}
	}
	return segments, "", false, nil
}

type specialHeaders struct {
	toPath              []*uri.URI
	fromPath            []*uri.URI
	contentType         string
	byteRange           *message.ByteRange
	messageID           string
	wantSuccessReport   bool
	wantFailureReport   bool
	contentDisposition  *message.ContentDisposition
	contentDescription  string
	forwardStatus       *message.ForwardStatus
}

// parseHeaderLines recognizes the standard headers named in spec.md
// §4.1 and routes everything else into the generic Headers map.
func parseHeaderLines(lines []string) (*message.Headers, *specialHeaders, *ParseError) {
	headers := message.NewHeaders()
	sp := &specialHeaders{wantSuccessReport: true, wantFailureReport: true}

	seen := map[string]bool{}
	strictSingle := map[string]bool{
		"Content-Type": true, "Byte-Range": true, "Message-Id": true,
		"Failure-Report": true, "Status": true, "Content-Disposition": true,
	}

	for _, line := range lines {
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, nil, parseErrf("header without colon: %q", line)
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		if name == "" || value == "" {
			return nil, nil, parseErrf("header with empty name or value: %q", line)
		}
		norm := message.Normalize(name)

		if strictSingle[norm] && seen[norm] {
			return nil, nil, parseErrf("header %q appears more than once", norm)
		}
		seen[norm] = true

		switch norm {
		case "To-Path":
			uris, perr := parseUriList(value)
			if perr != nil {
				return nil, nil, perr
			}
			sp.toPath = uris
		case "From-Path":
			uris, perr := parseUriList(value)
			if perr != nil {
				return nil, nil, perr
			}
			sp.fromPath = uris
		case "Content-Type":
			sp.contentType = value
		case "Byte-Range":
			br, perr := message.ParseByteRange(value)
			if perr != nil {
				return nil, nil, parseErrf("byte-range: %v", perr)
			}
			sp.byteRange = &br
		case "Message-Id":
			sp.messageID = value
		case "Failure-Report":
			ws, wf, perr := message.ParseFailureReport(value)
			if perr != nil {
				return nil, nil, parseErrf("%v", perr)
			}
			sp.wantSuccessReport, sp.wantFailureReport = ws, wf
		case "Status":
			fs, perr := parseForwardStatus(value)
			if perr != nil {
				return nil, nil, perr
			}
			sp.forwardStatus = fs
		case "Content-Disposition":
			cd, cerr := message.ParseContentDisposition(value)
			if cerr != nil {
				return nil, nil, parseErrf("content-disposition: %v", cerr)
			}
			sp.contentDisposition = cd
		case "Content-Description":
			sp.contentDescription = value
		default:
			headers.Add(norm, value)
		}
	}

	return headers, sp, nil
}

func parseUriList(value string) ([]*uri.URI, *ParseError) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return nil, parseErrf("empty path list")
	}
	out := make([]*uri.URI, 0, len(fields))
	for _, f := range fields {
		u, err := uri.Parse(f)
		if err != nil {
			return nil, parseErrf("invalid uri %q: %v", f, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// parseForwardStatus parses "000 <code> <comment>"; the 000 namespace
// is mandatory per spec.md §4.1.
func parseForwardStatus(value string) (*message.ForwardStatus, *ParseError) {
	fields := strings.SplitN(value, " ", 3)
	if len(fields) < 2 {
		return nil, parseErrf("malformed Status header: %q", value)
	}
	if fields[0] != "000" {
		return nil, parseErrf("Status namespace must be 000, got %q", fields[0])
	}
	code, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return nil, parseErrf("malformed Status code: %q", fields[1])
	}
	comment := ""
	if len(fields) == 3 {
		comment = fields[2]
	}
	return &message.ForwardStatus{Namespace: fields[0], Code: uint16(code), Comment: comment}, nil
}

// Drain repeatedly calls ParseFrame, returning every frame found (skipping
// and discarding malformed ones per spec.md §7.1) and the unconsumed
// trailing bytes.
func Drain(buf []byte) (frames []interface{}, errs []error, rest []byte) {
	for {
		msg, n, err := ParseFrame(buf)
		if n == 0 && err == nil && msg == nil {
			return frames, errs, buf
		}
		if err != nil {
			errs = append(errs, err)
		} else {
			frames = append(frames, msg)
		}
		buf = buf[n:]
	}
}
