package wire_test

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/ossrs-msrp/msrp/message"
	"github.com/ossrs-msrp/msrp/uri"
	"github.com/ossrs-msrp/msrp/wire"
)

func mustURI(t *testing.T, s string) *uri.URI {
	t.Helper()
	u, err := uri.Parse(s)
	if err != nil {
		t.Fatalf("uri.Parse(%q): %v", s, err)
	}
	return u
}

// TestBasicRoundTrip pins spec.md §8 scenario 1.
func TestBasicRoundTrip(t *testing.T) {
	to := mustURI(t, "msrp://alice.example.com:2855/iau39soe2843z;tcp")
	from := mustURI(t, "msrp://bob.example.com:7654/9di4eae923wzd;tcp")

	br := message.ByteRange{Start: 1, End: 11, Total: 11}
	req := &message.Request{
		Message: message.Message{
			Tid:              "a786hjs2",
			ToPath:           []*uri.URI{to},
			FromPath:         []*uri.URI{from},
			Headers:          message.NewHeaders(),
			ContinuationFlag: message.FlagComplete,
		},
		Method:            "SEND",
		ContentType:       "text/plain",
		Body:              "Hello World",
		HasBody:           true,
		ByteRange:         &br,
		MessageID:         "abc123",
		WantSuccessReport: true,
		WantFailureReport: true,
	}

	encoded := wire.EncodeRequest(req, nil)

	msg, n, err := wire.ParseFrame(encoded)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("consumed %d, want %d", n, len(encoded))
	}
	got, ok := msg.(*message.Request)
	if !ok {
		t.Fatalf("expected *message.Request, got %T", msg)
	}

	if got.Method != "SEND" || got.Body != "Hello World" || got.ContinuationFlag != message.FlagComplete {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.ByteRange == nil || *got.ByteRange != br {
		t.Fatalf("byte-range = %+v, want %+v", got.ByteRange, br)
	}
	if len(got.ToPath) != 1 || !got.ToPath[0].Equal(to) {
		t.Fatalf("to-path mismatch: %+v", got.ToPath)
	}
	if len(got.FromPath) != 1 || !got.FromPath[0].Equal(from) {
		t.Fatalf("from-path mismatch: %+v", got.FromPath)
	}
}

func TestPartialFrameNeedsMoreData(t *testing.T) {
	partial := []byte("MSRP a786hjs2 SEND\r\nTo-Path: msrp://a/b;tcp\r\n")
	msg, n, err := wire.ParseFrame(partial)
	if msg != nil || n != 0 || err != nil {
		t.Fatalf("expected (nil,0,nil) for a partial frame, got (%v,%d,%v)", msg, n, err)
	}
}

func TestEndLineInsideBodyDoesNotConfuseParser(t *testing.T) {
	// Body text mentions a *different* tid's end-line marker; parsing
	// must not stop early on it.
	frame := "MSRP xyz SEND\r\n" +
		"To-Path: msrp://a.example.com/s;tcp\r\n" +
		"From-Path: msrp://b.example.com/t;tcp\r\n" +
		"Byte-Range: 1-30/30\r\n" +
		"\r\n" +
		"see -------other$\r\n embedded in body\r\n" +
		"-------xyz$\r\n"

	msg, n, err := wire.ParseFrame([]byte(frame))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d, want %d", n, len(frame))
	}
	req := msg.(*message.Request)
	if req.Body != "see -------other$\r\n embedded in body" {
		t.Fatalf("body = %q", req.Body)
	}
}

func TestResponseParsing(t *testing.T) {
	frame := "MSRP xyz 200 OK\r\n" +
		"To-Path: msrp://a.example.com/s;tcp\r\n" +
		"From-Path: msrp://b.example.com/t;tcp\r\n" +
		"-------xyz$\r\n"
	msg, n, err := wire.ParseFrame([]byte(frame))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed %d, want %d", n, len(frame))
	}
	resp, ok := msg.(*message.Response)
	if !ok {
		t.Fatalf("expected *message.Response, got %T", msg)
	}
	if resp.Status != 200 || resp.Comment != "OK" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestDuplicateStrictHeaderRejected(t *testing.T) {
	frame := "MSRP xyz SEND\r\n" +
		"To-Path: msrp://a.example.com/s;tcp\r\n" +
		"From-Path: msrp://b.example.com/t;tcp\r\n" +
		"Message-ID: one\r\n" +
		"Message-ID: two\r\n" +
		"-------xyz$\r\n"
	_, n, err := wire.ParseFrame([]byte(frame))
	if err == nil {
		t.Fatalf("expected ParseError for duplicate Message-ID")
	}
	if n != len(frame) {
		t.Fatalf("consumed %d, want %d (frame should still be fully consumed)", n, len(frame))
	}
}

func TestDrainMultipleFrames(t *testing.T) {
	to := mustURI(t, "msrp://a.example.com/s;tcp")
	from := mustURI(t, "msrp://b.example.com/t;tcp")
	resp := &message.Response{
		Message: message.Message{
			Tid: "tid0001", ToPath: []*uri.URI{to}, FromPath: []*uri.URI{from},
			Headers: message.NewHeaders(), ContinuationFlag: message.FlagComplete,
		},
		Status: 200,
	}
	resp2 := &message.Response{
		Message: message.Message{
			Tid: "tid0002", ToPath: []*uri.URI{to}, FromPath: []*uri.URI{from},
			Headers: message.NewHeaders(), ContinuationFlag: message.FlagComplete,
		},
		Status: 200,
	}

	buf := append(wire.EncodeResponse(resp), wire.EncodeResponse(resp2)...)
	buf = append(buf, []byte("MSRP tid0003 SEND\r\nTo-Path")...) // trailing partial

	frames, errs, rest := wire.Drain(buf)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if diff := deep.Equal(frames[0].(*message.Response).Tid, "tid0001"); diff != nil {
		t.Fatalf("diff: %v", diff)
	}
	if string(rest) != "MSRP tid0003 SEND\r\nTo-Path" {
		t.Fatalf("rest = %q", rest)
	}
}
