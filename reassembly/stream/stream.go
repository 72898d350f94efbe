// Package stream implements the TCP-aware layer over InboundState: mapping
// 32-bit wrapping sequence numbers onto a 64-bit absolute offset space,
// window-scale handling, segment-metadata ordering, retransmit detection,
// and reset validation.
package stream

import (
	"container/heap"

	"github.com/flowcap/flowcap/reassembly/inbound"
	"github.com/flowcap/flowcap/reassembly/rangeset"
)

const (
	// seqWindowSize (W) is the width of the sliding window used to
	// disambiguate 32-bit sequence number wraparound: about 1 GiB of
	// look-ahead.
	seqWindowSize uint32 = 1 << 30
	// seqWindowAdvanceThreshold (T) triggers a slide once n has moved
	// this far past the window start.
	seqWindowAdvanceThreshold uint32 = 1 << 29
	// seqWindowAdvanceBy (A) is how far the window start jumps on slide.
	seqWindowAdvanceBy uint32 = 1 << 28

	// maxWindowScale is the highest TCP window-scale shift accepted.
	maxWindowScale uint8 = 14
	// maxBuffer (MAX_BUFFER) caps window_limit - buffer_offset.
	maxBuffer uint64 = 128 << 20
	// maxSegmentsInfoCount caps the segment-metadata heap.
	maxSegmentsInfoCount = 128 << 10

	// resetMaxLookahead / resetMaxLookbehind bound plausible RST offsets
	// relative to highest_acked.
	resetMaxLookahead  uint64 = 16 << 20
	resetMaxLookbehind uint64 = 256 << 10
)

// InRangeWrapping reports whether value lies in [base-before, base+after]
// on the 32-bit sequence circle. This is the only correct way to compare
// TCP sequence numbers; a plain < comparison of raw values is always a
// bug once wraparound is possible.
func InRangeWrapping(base, before, after, value uint32) bool {
	span := before + after
	diff := value - (base - before)
	return diff <= span
}

// seqOffsetKind distinguishes whether a Stream has only ever seen
// sequence numbers within the original 32-bit epoch (Initial) or has
// already crossed one or more wraps (Subsequent).
type seqOffsetKind int

const (
	seqOffsetInitial seqOffsetKind = iota
	seqOffsetSubsequent
)

type seqOffset struct {
	kind  seqOffsetKind
	value uint64 // isn for Initial, accumulated base for Subsequent
}

func (o seqOffset) toAbsolute(n uint32) uint64 {
	switch o.kind {
	case seqOffsetInitial:
		return uint64(n - uint32(o.value))
	default:
		return uint64(n) + o.value
	}
}

// Stream reassembles one direction of a TCP connection.
type Stream struct {
	isn            uint32
	haveISN        bool
	offset         seqOffset
	windowScale    uint8
	gotWindowScale bool

	inbound *inbound.State

	seqWindowStart, seqWindowEnd uint32

	highestAcked uint64
	reverseAcked uint64

	hadReset  bool
	hasEnded  bool
	hasFin    bool

	gapsLength          uint64
	retransmitCount     uint64
	segmentsInfoDropped uint64

	heap segmentHeap
}

// New returns a Stream with no initial sequence number set yet; call SetISN
// before feeding packets.
func New() *Stream {
	return &Stream{inbound: inbound.New()}
}

// Inbound exposes the underlying reassembly state for readout operations.
func (s *Stream) Inbound() *inbound.State {
	return s.inbound
}

// HadReset reports whether a validated RST was ever accepted.
func (s *Stream) HadReset() bool { return s.hadReset }

// HasEnded reports whether this direction's data has been fully
// acknowledged past its final offset.
func (s *Stream) HasEnded() bool { return s.hasEnded }

// HighestAcked returns the highest absolute offset acknowledged so far.
func (s *Stream) HighestAcked() uint64 { return s.highestAcked }

// ReverseAcked returns the snapshot of the opposite stream's HighestAcked
// most recently stamped by the owning Connection.
func (s *Stream) ReverseAcked() uint64 { return s.reverseAcked }

// SetReverseAcked is called by the owning Connection whenever the opposite
// stream's HighestAcked advances, so outgoing segment-info entries can be
// stamped with it. Kept as a one-way dependency to avoid the two Streams
// holding references to each other.
func (s *Stream) SetReverseAcked(v uint64) { s.reverseAcked = v }

// RetransmitCount returns the number of fully-duplicated segments seen.
func (s *Stream) RetransmitCount() uint64 { return s.retransmitCount }

// GapsLength returns the accumulated length of gap regions reported via
// ReadGapsUntil.
func (s *Stream) GapsLength() uint64 { return s.gapsLength }

// WindowScale returns the currently recorded window-scale shift.
func (s *Stream) WindowScale() uint8 { return s.windowScale }

// SetISN initializes the sequence window from an observed or synthesized
// initial sequence number, seeding window_limit from the handshake's
// advertised (unscaled) window so a data packet arriving before the first
// ACK still has a sane acceptance bound. A window_limit already set higher
// is kept.
func (s *Stream) SetISN(isn uint32, windowSize uint16) {
	s.isn = isn
	s.haveISN = true
	s.offset = seqOffset{kind: seqOffsetInitial, value: uint64(isn)}
	s.seqWindowStart = isn
	s.seqWindowEnd = isn + seqWindowSize

	limit := uint64(windowSize) << s.windowScale
	if seeded := min64(limit, maxBuffer); seeded > s.inbound.WindowLimit() {
		s.inbound.SetLimit(seeded)
	}
}

// SetWindowScale records a window-scale option observed on the handshake.
// Shifts above 14 are rejected as implausible.
func (s *Stream) SetWindowScale(scale uint8) bool {
	if scale > maxWindowScale {
		return false
	}
	s.windowScale = scale
	s.gotWindowScale = true
	return true
}

// updateOffset resolves a 32-bit sequence number to a 64-bit absolute
// offset, sliding the disambiguation window forward when shouldAdvance is
// true and the number has moved far enough past the window start. Returns
// ok=false if n lies outside the current window (a true protocol anomaly,
// not wraparound — the window is ~1 GiB wide).
func (s *Stream) updateOffset(n uint32, shouldAdvance bool) (uint64, bool) {
	if !InRangeWrapping(s.seqWindowStart, 0, seqWindowSize-1, n) {
		return 0, false
	}

	wasWrapped := s.seqWindowStart > s.seqWindowEnd

	if shouldAdvance {
		distance := n - s.seqWindowStart
		if distance > seqWindowAdvanceThreshold {
			s.seqWindowStart = n - seqWindowAdvanceBy
			s.seqWindowEnd = s.seqWindowStart + seqWindowSize

			nowWrapped := s.seqWindowStart > s.seqWindowEnd
			if wasWrapped && !nowWrapped {
				switch s.offset.kind {
				case seqOffsetInitial:
					s.offset = seqOffset{kind: seqOffsetSubsequent, value: (uint64(1) << 32) - uint64(s.isn)}
				default:
					s.offset.value += uint64(1) << 32
				}
			}
		}
	}

	return s.offset.toAbsolute(n), true
}

// estimateWindowScale searches shifts from the current window_scale up to
// 14 for one under which highest_acked plus the unscaled window available
// under the stream's current window_limit would cover fitEnd. On success it
// records the scale, extends window_limit to the new fit (capped at
// buffer_offset + maxBuffer) and returns true. The available window is derived from window_limit, not from any
// packet's own advertised window field: a data packet's window advertises
// the sender's receive capacity, which has nothing to do with the limit
// this stream grants the peer.
func (s *Stream) estimateWindowScale(fitEnd uint64) bool {
	windowAvailable := s.inbound.WindowLimit() - s.highestAcked
	if windowAvailable < 8 {
		return false
	}
	unscaled := windowAvailable >> s.windowScale
	if unscaled == 0 {
		return false
	}
	for try := s.windowScale; ; try++ {
		newLimit := s.highestAcked + (unscaled << try)
		if newLimit >= fitEnd {
			s.windowScale = try
			s.gotWindowScale = true
			limitCap := s.inbound.BufferOffset() + maxBuffer
			if capped := min64(newLimit, limitCap); capped > s.inbound.WindowLimit() {
				s.inbound.SetLimit(capped)
			}
			return true
		}
		if try >= maxWindowScale {
			return false
		}
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// extendLimitForData grows the acceptance window to admit a segment
// reaching tail, estimating the peer's window scale on the first
// out-of-window segment if it was never observed on the handshake. It
// returns the number of trailing payload bytes that must be truncated (0
// if the whole segment now fits).
func (s *Stream) extendLimitForData(tail uint64) int {
	estimated := !s.gotWindowScale && s.estimateWindowScale(tail)
	if !estimated {
		limitCap := s.inbound.BufferOffset() + maxBuffer
		if newLimit := min64(tail, limitCap); newLimit > s.inbound.WindowLimit() {
			s.inbound.SetLimit(newLimit)
		}
	}

	limit := s.inbound.WindowLimit()
	if tail <= limit {
		return 0
	}
	return int(tail - limit)
}

// HandleData ingests a data segment. Returns true iff new (non-retransmit)
// bytes were accepted.
func (s *Stream) HandleData(seq uint32, payload []byte, extra interface{}) bool {
	offset, ok := s.updateOffset(seq, true)
	if !ok {
		return false
	}

	tail := offset + uint64(len(payload))
	if tail > s.inbound.WindowLimit() {
		if truncate := s.extendLimitForData(tail); truncate > 0 {
			if truncate >= len(payload) {
				return false
			}
			payload = payload[:len(payload)-truncate]
			tail = offset + uint64(len(payload))
		}
	}

	result := s.inbound.ReceiveSegment(offset, payload)
	isRetransmit := false
	switch result {
	case inbound.Duplicate:
		isRetransmit = true
		s.retransmitCount++
	case inbound.ExceedsWindow:
		panic("stream: segment exceeds window after limit extension")
	}

	s.pushSegment(segmentInfo{
		offset:       offset,
		reverseAcked: s.reverseAcked,
		extra:        extra,
		kind:         kindData,
		dataLen:      tail - offset,
		isRetransmit: isRetransmit,
	})

	return result != inbound.Duplicate
}

// HandleAck applies an observed ACK of this direction's data (the ack
// number is in this stream's own sequence space; the packet carrying it
// travels the opposite way), advancing this stream's highest_acked and
// raising this stream's own window_limit by the advertised window.
// advertisedWindow is the raw (unscaled) window field from that packet.
func (s *Stream) HandleAck(ack uint32, advertisedWindow uint16, extra interface{}) bool {
	offset, ok := s.updateOffset(ack, true)
	if !ok {
		return false
	}

	advanced := false
	if offset > s.highestAcked {
		s.highestAcked = offset
		advanced = true
	}
	if final, has := s.inbound.FinalOffset(); has && s.highestAcked > final {
		s.hasEnded = true
	}

	realWindow := uint64(advertisedWindow) << s.windowScale
	newLimit := offset + realWindow
	if newLimit > s.inbound.WindowLimit() {
		limitCap := s.inbound.BufferOffset() + maxBuffer
		s.inbound.SetLimit(min64(newLimit, limitCap))
	}

	s.pushSegment(segmentInfo{
		offset:       offset,
		reverseAcked: s.reverseAcked,
		extra:        extra,
		kind:         kindAck,
		window:       realWindow,
	})
	return advanced
}

// HandleFin ingests a FIN (optionally carrying trailing payload bytes,
// already counted into payloadLen).
func (s *Stream) HandleFin(seq uint32, payloadLen int, extra interface{}) bool {
	offset, ok := s.updateOffset(seq, true)
	if !ok {
		return false
	}
	finOffset := offset + uint64(payloadLen)

	if !s.inbound.SetFinalOffset(finOffset) {
		// Different offset than previously recorded: a warning-worthy
		// anomaly, but the original offset is authoritative.
	}
	s.hasFin = true

	s.pushSegment(segmentInfo{
		offset:       offset,
		reverseAcked: s.reverseAcked,
		extra:        extra,
		kind:         kindFin,
		finEnd:       finOffset,
	})
	return true
}

// HandleRst validates and, if plausible, accepts a reset. should_advance is
// always false for resets: they must never slide the disambiguation
// window.
func (s *Stream) HandleRst(seq uint32, extra interface{}) bool {
	offset, ok := s.updateOffset(seq, false)
	if !ok {
		return false
	}

	// Upper bound is inclusive here (source treats it as exclusive); a RST
	// landing exactly on upper is still within the lookahead window.
	lower := saturatingSub(s.highestAcked, resetMaxLookbehind)
	upper := saturatingAdd(s.highestAcked, resetMaxLookahead)
	if offset < lower || offset > upper {
		return false
	}

	s.hadReset = true
	s.pushSegment(segmentInfo{
		offset:       offset,
		reverseAcked: s.reverseAcked,
		extra:        extra,
		kind:         kindRst,
	})
	return true
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func saturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}

func (s *Stream) pushSegment(info segmentInfo) {
	if len(s.heap) >= maxSegmentsInfoCount {
		s.segmentsInfoDropped++
		return
	}
	heap.Push(&s.heap, info)
}

// SegmentsInfoDropped returns the number of segment-metadata entries
// discarded because the heap was at capacity.
func (s *Stream) SegmentsInfoDropped() uint64 { return s.segmentsInfoDropped }

// ReadableBufferedLength returns the number of contiguous bytes available
// for readout.
func (s *Stream) ReadableBufferedLength() uint64 {
	return s.inbound.ReadableBufferedLength()
}

// TotalBufferedLength returns the physical ring-buffer length.
func (s *Stream) TotalBufferedLength() int {
	return s.inbound.TotalBufferedLength()
}

// PopSegmentsUntil drains the segment-metadata heap, removing and
// returning entries with Offset strictly less than end (or all entries if
// end is nil), in ascending order.
func (s *Stream) PopSegmentsUntil(end *uint64) []SegmentInfo {
	var out []SegmentInfo
	for len(s.heap) > 0 {
		if end != nil && s.heap[0].offset >= *end {
			break
		}
		info := heap.Pop(&s.heap).(segmentInfo)
		out = append(out, info.exported())
	}
	return out
}

// ReadGapsUntil appends the gap ranges within [buffer_offset, end) to out,
// accumulating GapsLength.
func (s *Stream) ReadGapsUntil(end uint64, out []rangeset.Range) []rangeset.Range {
	start := s.inbound.BufferOffset()
	if end <= start {
		return out
	}
	gaps := s.inbound.Received().Complement(rangeset.Range{Start: start, End: end})
	for _, g := range gaps {
		s.gapsLength += g.Len()
		out = append(out, g)
	}
	return out
}

// ReadBufferUntil returns the byte view of [buffer_offset, end), marking
// that span as received (so subsequent calls don't re-report the same
// gaps) without yet advancing the buffer. Call ConsumeUntil separately to
// advance.
func (s *Stream) ReadBufferUntil(end uint64) ([]byte, bool) {
	start := s.inbound.BufferOffset()
	if end < start {
		return nil, false
	}
	if end > start {
		must(s.inbound.Received().Insert(rangeset.Range{Start: start, End: end}))
	}
	return s.inbound.ReadSegment(start, end)
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// ConsumeUntil advances the buffer past end, releasing the corresponding
// backing storage.
func (s *Stream) ConsumeUntil(end uint64) {
	s.inbound.AdvanceBuffer(end)
}

// ReadNext composes ReadBufferUntil, PopSegmentsUntil, and ReadGapsUntil
// for the contiguous data currently available, then advances the buffer
// past it.
func (s *Stream) ReadNext() (data []byte, segments []SegmentInfo, gaps []rangeset.Range) {
	end, ok := s.inbound.MaxContiguousOffset()
	if !ok {
		return nil, nil, nil
	}
	start := s.inbound.BufferOffset()
	gaps = s.ReadGapsUntil(end, nil)
	data, _ = s.ReadBufferUntil(end)
	segments = s.PopSegmentsUntil(&end)
	s.ConsumeUntil(end)
	_ = start
	return data, segments, gaps
}

// Finished reports whether this direction is logically complete.
func (s *Stream) Finished() bool {
	return s.inbound.Finished()
}
