package pcap

// Extra is the opaque per-packet token this capture source round-trips
// through the core into stream.SegmentInfo.Extra: the capture index and
// packet timestamp. The directory handler flattens it into each JSONL
// record instead of nesting it under its own key.
type Extra struct {
	Index  uint64 `json:"index"`
	TsSec  uint32 `json:"ts_sec"`
	TsUsec uint32 `json:"ts_usec"`
}

// FlattenJSON lets a JSONL writer merge these fields into the same object
// as the record's own fields instead of nesting them under an "extra" key.
func (e Extra) FlattenJSON() map[string]interface{} {
	return map[string]interface{}{
		"index":   e.Index,
		"ts_sec":  e.TsSec,
		"ts_usec": e.TsUsec,
	}
}
