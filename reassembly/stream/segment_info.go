package stream

// Kind identifies which sort of event a SegmentInfo records.
type Kind int

const (
	KindData Kind = iota
	KindAck
	KindFin
	KindRst
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindAck:
		return "ack"
	case KindFin:
		return "fin"
	case KindRst:
		return "rst"
	default:
		return "unknown"
	}
}

// SegmentInfo is one entry of the per-direction segment-metadata record,
// exposed to callers draining PopSegmentsUntil.
type SegmentInfo struct {
	Offset       uint64
	ReverseAcked uint64
	Extra        interface{}
	Kind         Kind

	// Data
	Len          uint64
	IsRetransmit bool

	// Ack
	Window uint64

	// Fin
	EndOffset uint64
}

// internal aliases matching the unexported construction sites in stream.go
const (
	kindData = KindData
	kindAck  = KindAck
	kindFin  = KindFin
	kindRst  = KindRst
)

type segmentInfo struct {
	offset       uint64
	reverseAcked uint64
	extra        interface{}
	kind         Kind

	dataLen      uint64
	isRetransmit bool
	window       uint64
	finEnd       uint64
}

func (s segmentInfo) exported() SegmentInfo {
	return SegmentInfo{
		Offset:       s.offset,
		ReverseAcked: s.reverseAcked,
		Extra:        s.extra,
		Kind:         s.kind,
		Len:          s.dataLen,
		IsRetransmit: s.isRetransmit,
		Window:       s.window,
		EndOffset:    s.finEnd,
	}
}

// segmentHeap is a min-heap ordered by ascending offset, tie-broken by
// ascending reverse_acked, giving a stable ordering for entries sharing
// an offset.
type segmentHeap []segmentInfo

func (h segmentHeap) Len() int { return len(h) }

func (h segmentHeap) Less(i, j int) bool {
	if h[i].offset != h[j].offset {
		return h[i].offset < h[j].offset
	}
	return h[i].reverseAcked < h[j].reverseAcked
}

func (h segmentHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *segmentHeap) Push(x interface{}) {
	*h = append(*h, x.(segmentInfo))
}

func (h *segmentHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
