// The msrp chunkreceiver package reassembles an inbound message from
// possibly-reordered, possibly-overlapping, possibly-duplicated
// byte-range chunks. It is grounded on rtmp.go's readMessagePayload
// accumulator (which appends chunk bytes until
// chunk.message.payloadLength is reached) and on the per-chunk
// reassembly buffer shape of other_examples'
// e2b68fb9_alxayo-rtmp-go__chunk-reader.go, generalized from a single
// append-only accumulator to one that tolerates gaps and overlaps.
package chunkreceiver

import (
	"sync"
	"time"

	"github.com/ossrs-msrp/msrp/message"
)

// MaxSize is the largest message this core will reassemble.
const MaxSize = 1 << 20 // 1 MiB

// StaleAfter is how long a receiver may go without a new chunk before
// the staleness audit aborts it (spec.md §5).
const StaleAfter = 30 * time.Second

// ChunkReceiver reassembles one inbound chunked message.
type ChunkReceiver struct {
	mu sync.Mutex

	messageID string

	totalBytes int64 // -1 until known
	contig     []byte
	gaps       map[uint64][]byte // expected start offset (1-indexed) -> bytes

	lastReceive time.Time
	aborted     bool
	remoteAbort bool
	isFile      bool

	now func() time.Time
}

// New constructs a ChunkReceiver expecting chunks for messageID. The
// receiver holds no reference to the chunk that first announced the
// message; the caller is expected to feed that same chunk through
// ProcessChunk like any other.
func New(messageID string) *ChunkReceiver {
	return &ChunkReceiver{
		messageID:  messageID,
		totalBytes: -1,
		gaps:       map[uint64][]byte{},
		now:        time.Now,
	}
}

// SetClock overrides the time source, for deterministic staleness tests.
func (r *ChunkReceiver) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// IsFile reports whether the first chunk carried a Content-Disposition
// of attachment or render.
func (r *ChunkReceiver) IsFile() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isFile
}

// RemoteAbort reports whether the sender aborted this message ('#').
func (r *ChunkReceiver) RemoteAbort() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteAbort
}

// TotalBytes returns the advertised total, or -1 if not yet known.
func (r *ChunkReceiver) TotalBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalBytes
}

// Buffer returns the contiguous prefix reassembled so far. The slice
// is owned by the receiver and must not be mutated by the caller.
func (r *ChunkReceiver) Buffer() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contig
}

// IsComplete holds iff the receiver was aborted, or the full message
// has been reassembled contiguously.
func (r *ChunkReceiver) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isCompleteLocked()
}

func (r *ChunkReceiver) isCompleteLocked() bool {
	return r.aborted || (r.totalBytes >= 0 && int64(len(r.contig)) == r.totalBytes)
}

// Abort clears all buffered state and pre-empts further chunks.
func (r *ChunkReceiver) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortLocked()
}

func (r *ChunkReceiver) abortLocked() {
	r.aborted = true
	r.contig = nil
	r.gaps = map[uint64][]byte{}
}

// CheckStale aborts the receiver if it has gone silent for longer than
// StaleAfter, and reports whether it did so. Driven by the transport
// layer's periodic receive-staleness audit (spec.md §5).
func (r *ChunkReceiver) CheckStale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted || r.lastReceive.IsZero() {
		return false
	}
	if r.now().Sub(r.lastReceive) <= StaleAfter {
		return false
	}
	r.abortLocked()
	return true
}

// ProcessChunk folds one inbound SEND request into the reassembly
// state per spec.md §4.4. It returns false when the chunk is rejected
// or the message is aborted.
func (r *ChunkReceiver) ProcessChunk(req *message.Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.ByteRange == nil || req.MessageID != r.messageID || r.aborted {
		return false
	}

	if req.ByteRange.Start == 1 && req.ContentDisposition != nil {
		if req.ContentDisposition.Type == "attachment" || req.ContentDisposition.Type == "render" {
			r.isFile = true
		}
	}

	if req.ByteRange.Total > 0 {
		r.totalBytes = req.ByteRange.Total
		if r.totalBytes > MaxSize {
			r.abortLocked()
			return false
		}
	}

	r.lastReceive = r.now()
	chunkBytes := []byte(req.Body)

	switch req.ContinuationFlag {
	case message.FlagMore:
		// normal continuation, nothing special to do
	case message.FlagComplete:
		r.totalBytes = int64(req.ByteRange.Start) + int64(len(chunkBytes)) - 1
	case message.FlagAbort:
		r.aborted = true
		r.remoteAbort = true
		return false
	default:
		return false
	}

	nextStart := uint64(len(r.contig)) + 1
	start := req.ByteRange.Start

	switch {
	case start == nextStart:
		r.contig = append(r.contig, chunkBytes...)
		r.drainGapsLocked()
		if int64(len(r.contig)) > MaxSize {
			r.abortLocked()
			return false
		}
	case start > nextStart:
		r.gaps[start] = chunkBytes
	default:
		r.applyOverlapLocked(start, chunkBytes)
	}

	return true
}

// drainGapsLocked pulls any parked chunk that now aligns with the
// advancing contiguous prefix.
func (r *ChunkReceiver) drainGapsLocked() {
	for {
		next := uint64(len(r.contig)) + 1
		b, ok := r.gaps[next]
		if !ok {
			return
		}
		delete(r.gaps, next)
		r.contig = append(r.contig, b...)
	}
}

// applyOverlapLocked implements RFC4975 §7.3.1: a newly received chunk
// that overlaps or duplicates already-buffered bytes replaces that
// region ("last received wins") and never interacts with gaps parked
// in r.gaps.
func (r *ChunkReceiver) applyOverlapLocked(start uint64, chunkBytes []byte) {
	end := start + uint64(len(chunkBytes)) - 1
	if end > uint64(len(r.contig)) {
		end = uint64(len(r.contig))
	}
	usable := int64(end) - int64(start) + 1
	if usable < 0 {
		usable = 0
	}
	if usable > int64(len(chunkBytes)) {
		usable = int64(len(chunkBytes))
	}

	before := r.contig[:start-1]
	after := r.contig[end:]

	replaced := make([]byte, 0, len(before)+int(usable)+len(after))
	replaced = append(replaced, before...)
	replaced = append(replaced, chunkBytes[:usable]...)
	replaced = append(replaced, after...)
	r.contig = replaced
}
