package wire

import (
	"strconv"
	"strings"

	"github.com/ossrs-msrp/msrp/message"
	"github.com/ossrs-msrp/msrp/uri"
)

// EncodeRequest serializes r into its wire frame, regenerating the tid
// via regen if the body happens to contain the literal end-line for the
// current tid (spec.md §6: "the end-line never appears inside the
// body"). regen may be nil if the caller already guarantees a safe tid.
func EncodeRequest(r *message.Request, regen func() string) []byte {
	for regen != nil && strings.Contains(r.Body, endLineLiteral(r.Tid, r.ContinuationFlag)) {
		r.Tid = regen()
	}

	var b strings.Builder
	b.WriteString("MSRP ")
	b.WriteString(r.Tid)
	b.WriteByte(' ')
	b.WriteString(r.Method)
	b.WriteString(crlf)

	writePath(&b, "To-Path", r.ToPath)
	writePath(&b, "From-Path", r.FromPath)

	if r.MessageID != "" {
		writeHeader(&b, "Message-ID", r.MessageID)
	}
	if r.ByteRange != nil {
		writeHeader(&b, "Byte-Range", r.ByteRange.String())
	}
	if r.ContentDisposition != nil {
		writeHeader(&b, "Content-Disposition", r.ContentDisposition.String())
	}
	if r.ContentDescription != "" {
		writeHeader(&b, "Content-Description", r.ContentDescription)
	}
	// Both headers go on the wire per spec.md §4.3, but only Failure-Report
	// is a recognized header on the parse side (spec.md §4.1); Success-Report
	// round-trips as a generic header and WantSuccessReport is reconstructed
	// from Failure-Report's value alone (see ParseFailureReport).
	writeHeader(&b, "Success-Report", encodeBool(r.WantSuccessReport))
	writeHeader(&b, "Failure-Report", encodeFailureReport(r.WantSuccessReport, r.WantFailureReport))
	if r.Status != nil {
		writeHeader(&b, "Status", "000 "+strconv.FormatUint(uint64(r.Status.Code), 10)+" "+r.Status.Comment)
	}
	if r.ContentType != "" {
		writeHeader(&b, "Content-Type", r.ContentType)
	}
	for _, name := range r.Headers.Names() {
		for _, v := range r.Headers.Values(name) {
			writeHeader(&b, name, v)
		}
	}

	if r.HasBody {
		b.WriteString(crlf)
		b.WriteString(r.Body)
		b.WriteString(crlf)
	}

	writeEndLine(&b, r.Tid, r.ContinuationFlag)
	return []byte(b.String())
}

// EncodeResponse serializes a response frame.
func EncodeResponse(r *message.Response) []byte {
	var b strings.Builder
	b.WriteString("MSRP ")
	b.WriteString(r.Tid)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(uint64(r.Status), 10))
	if r.Comment != "" {
		b.WriteByte(' ')
		b.WriteString(r.Comment)
	}
	b.WriteString(crlf)

	writePath(&b, "To-Path", r.ToPath)
	writePath(&b, "From-Path", r.FromPath)
	for _, name := range r.Headers.Names() {
		for _, v := range r.Headers.Values(name) {
			writeHeader(&b, name, v)
		}
	}

	writeEndLine(&b, r.Tid, r.ContinuationFlag)
	return []byte(b.String())
}

func writePath(b *strings.Builder, name string, uris []*uri.URI) {
	parts := make([]string, len(uris))
	for i, u := range uris {
		parts[i] = u.String()
	}
	writeHeader(b, name, strings.Join(parts, " "))
}

func writeHeader(b *strings.Builder, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString(crlf)
}

func writeEndLine(b *strings.Builder, tid string, flag message.ContinuationFlag) {
	b.WriteString("-------")
	b.WriteString(tid)
	b.WriteByte(byte(flag))
	b.WriteString(crlf)
}

func endLineLiteral(tid string, flag message.ContinuationFlag) string {
	return "-------" + tid + string(flag) + crlf
}

func encodeBool(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func encodeFailureReport(wantSuccess, wantFailure bool) string {
	switch {
	case wantSuccess && wantFailure:
		return "yes"
	case !wantSuccess && wantFailure:
		return "partial"
	default:
		return "no"
	}
}
