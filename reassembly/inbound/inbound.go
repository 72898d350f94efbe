// Package inbound implements per-direction reassembly of an offset-indexed
// byte stream from out-of-order, possibly-overlapping segments.
package inbound

import (
	"github.com/flowcap/flowcap/reassembly/rangeset"
	"github.com/flowcap/flowcap/reassembly/ringbuffer"
)

// Result reports what receiving a segment did to the stream state.
type Result int

const (
	// Received means the segment (or the new part of it) was copied in.
	Received Result = iota
	// Duplicate means the whole segment was already in the received set.
	Duplicate
	// ExceedsWindow means the segment extends past window_limit; it was
	// not copied in.
	ExceedsWindow
)

// maxBufferSpan is the largest window_limit-buffer_offset span this
// implementation is willing to allocate a ring buffer for.
const maxBufferSpan = 1<<63 - 1

// State is the per-direction reassembly state: an offset-indexed byte arena,
// the set of absolute offsets already received, the current acceptance
// window, and an optional final offset marking stream end.
type State struct {
	buffer       *ringbuffer.RingBuffer
	bufferOffset uint64
	received     *rangeset.Set
	windowLimit  uint64
	finalOffset  *uint64

	// Unreliable, when true, makes finished() report true as soon as
	// finalOffset is set, without requiring the received range to reach
	// it. Nothing in this repository sets it; the TCP pipeline always
	// leaves this false.
	Unreliable bool
}

// New returns an empty State with no acceptance window yet.
func New() *State {
	return &State{
		buffer:   ringbuffer.New(),
		received: rangeset.New(),
	}
}

// BufferOffset returns the absolute offset corresponding to ring-buffer
// index 0.
func (s *State) BufferOffset() uint64 {
	return s.bufferOffset
}

// WindowLimit returns the highest absolute offset currently acceptable,
// exclusive.
func (s *State) WindowLimit() uint64 {
	return s.windowLimit
}

// ReceiveSegment attempts to fold [offset, offset+len(data)) into the
// stream.
func (s *State) ReceiveSegment(offset uint64, data []byte) Result {
	length := uint64(len(data))
	tail := offset + length
	if tail > s.windowLimit {
		return ExceedsWindow
	}
	segment := rangeset.Range{Start: offset, End: tail}
	if length == 0 {
		return Duplicate
	}
	if s.received.ContainsRange(segment) {
		return Duplicate
	}

	if need := tail - s.bufferOffset; need > uint64(s.buffer.Len()) {
		s.buffer.PushBack(make([]byte, int(need)-s.buffer.Len()))
	}

	for _, gap := range s.received.Complement(segment) {
		start := gap.Start - offset
		end := gap.End - offset
		bufIdx := int(gap.Start - s.bufferOffset)
		s.writeAt(bufIdx, data[start:end])
	}

	if err := s.received.Insert(segment); err != nil {
		panic(err)
	}
	return Received
}

// writeAt overwrites buffer contents starting at logical index idx by
// copying data into the one or two backing-array spans that Spans returns
// for that already-reserved range.
func (s *State) writeAt(idx int, data []byte) {
	spans := s.buffer.Spans(idx, idx+len(data))
	off := 0
	for _, span := range spans {
		n := copy(span, data[off:])
		off += n
	}
}

// SetLimit raises window_limit. newLimit must be >= the current limit.
func (s *State) SetLimit(newLimit uint64) {
	if newLimit < s.windowLimit {
		panic("inbound: window_limit must not retreat")
	}
	if newLimit-s.bufferOffset > maxBufferSpan {
		panic("inbound: window span exceeds implementation maximum")
	}
	s.windowLimit = newLimit
}

// SetFinalOffset records the stream's final absolute offset. Returns true
// on the first call and on later calls with the same value (a no-op);
// a different value returns false and does not replace the recorded one.
func (s *State) SetFinalOffset(offset uint64) bool {
	if s.finalOffset == nil {
		s.finalOffset = &offset
		return true
	}
	return *s.finalOffset == offset
}

// FinalOffset returns the recorded final offset, if any.
func (s *State) FinalOffset() (uint64, bool) {
	if s.finalOffset == nil {
		return 0, false
	}
	return *s.finalOffset, true
}

// AdvanceBuffer drops bytes before newBase from the front of the ring
// buffer and advances buffer_offset, preserving invariant 2 (received
// covers [0, buffer_offset)) by inserting [0, newBase) into received.
func (s *State) AdvanceBuffer(newBase uint64) {
	if newBase < s.bufferOffset {
		panic("inbound: advance_buffer must not move backward")
	}
	delta := newBase - s.bufferOffset
	if delta > uint64(s.buffer.Len()) {
		s.buffer.Clear()
	} else {
		s.buffer.PopFront(int(delta))
	}
	s.bufferOffset = newBase
	if newBase > 0 {
		must(s.received.Insert(rangeset.Range{Start: 0, End: newBase}))
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// ReadSegment returns a copy of [offset, end) if it is fully received,
// within the buffer, and in bounds; ok is false otherwise.
func (s *State) ReadSegment(offset, end uint64) (data []byte, ok bool) {
	if offset < s.bufferOffset || end > s.bufferOffset+uint64(s.buffer.Len()) {
		return nil, false
	}
	if !s.received.ContainsRange(rangeset.Range{Start: offset, End: end}) {
		return nil, false
	}
	start := int(offset - s.bufferOffset)
	stop := int(end - s.bufferOffset)
	return s.buffer.Slice(start, stop), true
}

// MaxContiguousOffset returns the end of the first received range, if any.
func (s *State) MaxContiguousOffset() (uint64, bool) {
	r, ok := s.received.PeekFirst()
	if !ok {
		return 0, false
	}
	return r.End, true
}

// Finished reports whether the stream is logically complete: a final
// offset is known, and either the stream is unreliable or the end of the
// first received range has reached it.
func (s *State) Finished() bool {
	if s.finalOffset == nil {
		return false
	}
	if s.Unreliable {
		return true
	}
	end, ok := s.MaxContiguousOffset()
	return ok && end >= *s.finalOffset
}

// ReadableBufferedLength returns the number of contiguous bytes available
// for readout, starting at buffer_offset.
func (s *State) ReadableBufferedLength() uint64 {
	first, ok := s.received.PeekFirst()
	if !ok || first.Start > s.bufferOffset || first.End <= s.bufferOffset {
		return 0
	}
	return first.End - s.bufferOffset
}

// TotalBufferedLength returns the physical ring-buffer length.
func (s *State) TotalBufferedLength() int {
	return s.buffer.Len()
}

// Received exposes the received-range set for callers that need to
// enumerate gaps (Stream.ReadGapsUntil) without duplicating bookkeeping.
func (s *State) Received() *rangeset.Set {
	return s.received
}
