package chunksender_test

import (
	"strconv"
	"strings"
	"testing"

	"github.com/go-test/deep"

	"github.com/ossrs-msrp/msrp/chunksender"
	"github.com/ossrs-msrp/msrp/message"
	"github.com/ossrs-msrp/msrp/uri"
)

func mustURI(t *testing.T, s string) *uri.URI {
	t.Helper()
	u, err := uri.Parse(s)
	if err != nil {
		t.Fatalf("uri.Parse(%q): %v", s, err)
	}
	return u
}

func sequentialTids() func() string {
	n := 0
	return func() string {
		n++
		return "tid" + strconv.Itoa(n)
	}
}

func routes(t *testing.T) chunksender.RoutePaths {
	return chunksender.RoutePaths{
		ToPath:   []*uri.URI{mustURI(t, "msrp://a.example.com/s;tcp")},
		FromPath: []*uri.URI{mustURI(t, "msrp://b.example.com/t;tcp")},
	}
}

// TestSingleChunk pins spec.md §8 scenario 1: a short body fits in one
// SEND with byte-range 1-11/11 and flag '$'.
func TestSingleChunk(t *testing.T) {
	s := chunksender.New("m1", sequentialTids(), routes(t), chunksender.OutgoingMessage{Body: "Hello World"}, nil)

	chunk := s.GetNextChunk()
	if chunk.ContinuationFlag != message.FlagComplete {
		t.Fatalf("flag = %q, want $", chunk.ContinuationFlag)
	}
	if chunk.Body != "Hello World" {
		t.Fatalf("body = %q", chunk.Body)
	}
	if diff := deep.Equal(chunk.ByteRange, &message.ByteRange{Start: 1, End: 11, Total: 11}); diff != nil {
		t.Errorf("byte-range diff: %v", diff)
	}
	if !s.IsSendComplete() {
		t.Fatalf("expected send complete")
	}
	if s.IsComplete() {
		t.Fatalf("expected not yet acked")
	}
}

// TestChunkedMessage pins spec.md §8 scenario 2.
func TestChunkedMessage(t *testing.T) {
	body := strings.Repeat("A", 3000)
	s := chunksender.New("m1", sequentialTids(), routes(t), chunksender.OutgoingMessage{Body: body}, nil)

	c1 := s.GetNextChunk()
	if c1.ContinuationFlag != message.FlagMore {
		t.Fatalf("first chunk flag = %q, want +", c1.ContinuationFlag)
	}
	if diff := deep.Equal(c1.ByteRange, &message.ByteRange{Start: 1, End: 2048, Total: 3000}); diff != nil {
		t.Errorf("first chunk byte-range diff: %v", diff)
	}

	c2 := s.GetNextChunk()
	if c2.ContinuationFlag != message.FlagComplete {
		t.Fatalf("second chunk flag = %q, want $", c2.ContinuationFlag)
	}
	if diff := deep.Equal(c2.ByteRange, &message.ByteRange{Start: 2049, End: 3000, Total: 3000}); diff != nil {
		t.Errorf("second chunk byte-range diff: %v", diff)
	}
	if !s.IsSendComplete() {
		t.Fatalf("expected send complete")
	}

	if err := s.ProcessReport(chunksender.Report{MessageID: "m1", ByteRange: message.ByteRange{Start: 1, End: 2048, Total: 3000}, Status: 200}); err != nil {
		t.Fatalf("ProcessReport: %v", err)
	}
	if s.IsComplete() {
		t.Fatalf("should not be complete after first report")
	}

	if err := s.ProcessReport(chunksender.Report{MessageID: "m1", ByteRange: message.ByteRange{Start: 2049, End: 3000, Total: 3000}, Status: 200}); err != nil {
		t.Fatalf("ProcessReport: %v", err)
	}
	if !s.IsComplete() {
		t.Fatalf("expected complete after second report")
	}
}

// TestOutOfOrderReports pins spec.md §8 scenario 3.
func TestOutOfOrderReports(t *testing.T) {
	finalStatus := -1
	s := chunksender.New("m1", sequentialTids(), routes(t), chunksender.OutgoingMessage{Body: strings.Repeat("x", 11)},
		func(status uint16) { finalStatus = int(status) })
	s.GetNextChunk() // single chunk, 1-11/11, $

	report := func(start uint64, end int64) {
		if err := s.ProcessReport(chunksender.Report{MessageID: "m1", ByteRange: message.ByteRange{Start: start, End: end, Total: 11}, Status: 200}); err != nil {
			t.Fatalf("ProcessReport(%d-%d): %v", start, end, err)
		}
	}

	report(8, 11)
	if s.IsComplete() {
		t.Fatalf("should be parked as incontiguous, not complete")
	}
	report(6, 7)
	if s.IsComplete() {
		t.Fatalf("still incomplete: [1-5] missing")
	}
	report(1, 5)
	if !s.IsComplete() {
		t.Fatalf("expected complete once the gap is filled")
	}
	if finalStatus != 200 {
		t.Fatalf("finalStatus = %d, want 200", finalStatus)
	}
}

func TestProcessReportRejectsMismatchedMessageID(t *testing.T) {
	s := chunksender.New("m1", sequentialTids(), routes(t), chunksender.OutgoingMessage{Body: "hi"}, nil)
	s.GetNextChunk()
	if err := s.ProcessReport(chunksender.Report{MessageID: "other", ByteRange: message.ByteRange{Start: 1, End: 2, Total: 2}, Status: 200}); err == nil {
		t.Fatalf("expected error for mismatched message id")
	}
	if s.IsComplete() {
		t.Fatalf("state must not advance on a rejected report")
	}
}

func TestAbortEmitsHashFlagAndNoBody(t *testing.T) {
	s := chunksender.New("m1", sequentialTids(), routes(t), chunksender.OutgoingMessage{Body: strings.Repeat("A", 5000)}, nil)
	s.GetNextChunk()
	s.Abort()

	chunk := s.GetNextChunk()
	if chunk.ContinuationFlag != message.FlagAbort {
		t.Fatalf("flag = %q, want #", chunk.ContinuationFlag)
	}
	if chunk.HasBody {
		t.Fatalf("abort chunk must carry no body")
	}
	if !s.IsSendComplete() || !s.IsComplete() {
		t.Fatalf("aborted sender must report both send-complete and complete")
	}
}

func TestNonOKReportAbortsAndFinalizes(t *testing.T) {
	var gotStatus uint16
	s := chunksender.New("m1", sequentialTids(), routes(t), chunksender.OutgoingMessage{Body: "hi"},
		func(status uint16) { gotStatus = status })
	s.GetNextChunk()
	if err := s.ProcessReport(chunksender.Report{MessageID: "m1", ByteRange: message.ByteRange{Start: 1, End: 2, Total: 2}, Status: 403}); err != nil {
		t.Fatalf("ProcessReport: %v", err)
	}
	if gotStatus != 403 {
		t.Fatalf("gotStatus = %d, want 403", gotStatus)
	}
	if !s.IsComplete() {
		t.Fatalf("a remote-abort must count as complete")
	}
}
