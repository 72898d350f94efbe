// Package dirwriter implements the directory output handler: one
// {id}.f.data/{id}.f.jsonl/{id}.r.data/{id}.r.jsonl quadruple per
// connection, plus a shared connections.json index. Handler methods may
// run on different goroutines for different connections but never
// concurrently for the same connection, so only the shared index needs
// its own lock.
package dirwriter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/flowcap/flowcap/reassembly/connection"
	"github.com/flowcap/flowcap/reassembly/flow"
	"github.com/flowcap/flowcap/reassembly/rangeset"
	"github.com/flowcap/flowcap/reassembly/stream"
)

// Init is the shared, cloneable handle passed to every Connection's
// Handler constructor: a pointer to the output directory's shared index
// state. Grounded on tcp_conn_tracker.collector's single mutex-guarded map
// shared across every packet; here the shared state is the connections.json
// index rather than a timeout-driven summary map, since this package's
// retirement is core-driven (WillRetire), not wall-clock-driven.
type Init struct {
	shared *shared
}

// New prepares dir as an output directory: creates it if missing, and
// loads any connections.json index already present so a resumed run keeps
// its prior entries instead of losing them.
func New(dir string) (Init, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Init{}, fmt.Errorf("dirwriter: creating %s: %w", dir, err)
	}
	sh := &shared{
		dir:     dir,
		entries: []indexEntry{},
		cache:   gocache.New(gocache.NoExpiration, gocache.NoExpiration),
	}
	if err := sh.loadExisting(); err != nil {
		return Init{}, err
	}
	return Init{shared: sh}, nil
}

type indexEntry struct {
	ID      string `json:"id"`
	SrcAddr string `json:"src_addr"`
	SrcPort uint16 `json:"src_port"`
	DstAddr string `json:"dst_addr"`
	DstPort uint16 `json:"dst_port"`
}

type shared struct {
	dir string

	mu      sync.Mutex
	entries []indexEntry
	// cache remembers which connection IDs have already been folded into
	// entries this process, so a handler that is (re)constructed for the
	// same ID never double-indexes it.
	cache *gocache.Cache
}

func (sh *shared) loadExisting() error {
	path := filepath.Join(sh.dir, "connections.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dirwriter: reading %s: %w", path, err)
	}
	var existing []indexEntry
	if err := json.Unmarshal(data, &existing); err != nil {
		return fmt.Errorf("dirwriter: parsing %s: %w", path, err)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries = existing
	for _, e := range existing {
		sh.cache.SetDefault(e.ID, struct{}{})
	}
	return nil
}

func (sh *shared) addConnection(e indexEntry) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, found := sh.cache.Get(e.ID); found {
		return nil
	}
	sh.cache.SetDefault(e.ID, struct{}{})
	sh.entries = append(sh.entries, e)
	return sh.writeIndexLocked()
}

func (sh *shared) writeIndexLocked() error {
	data, err := json.Marshal(sh.entries)
	if err != nil {
		return fmt.Errorf("dirwriter: marshaling index: %w", err)
	}
	path := filepath.Join(sh.dir, "connections.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("dirwriter: writing %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

type perDirection struct {
	data *os.File
	meta *os.File
}

// handler is the per-Connection Handler instance; it owns four open files
// (two per direction) and drains both Streams' readout API into them
// whenever the Connection reports new bytes, an ack, a FIN, or a reset.
type handler struct {
	sh    *shared
	conn  *connection.Connection
	files [2]perDirection
}

var _ connection.Handler = (*handler)(nil)

// Factory is a connection.HandlerFactory bound to a dirwriter Init; pass it
// to flowtable.New (or connection.New directly) to make every connection a
// FlowTable creates write out to the same directory and index.
func Factory(init interface{}, c *connection.Connection) (connection.Handler, error) {
	in, ok := init.(Init)
	if !ok {
		return nil, fmt.Errorf("dirwriter: Factory requires a dirwriter.Init, got %T", init)
	}

	h := &handler{sh: in.shared, conn: c}
	id := c.ID().String()

	for _, dir := range []flow.Direction{flow.Forward, flow.Reverse} {
		suffix := "f"
		if dir == flow.Reverse {
			suffix = "r"
		}
		dataFile, err := os.Create(filepath.Join(h.sh.dir, fmt.Sprintf("%s.%s.data", id, suffix)))
		if err != nil {
			return nil, fmt.Errorf("dirwriter: creating data file: %w", err)
		}
		metaFile, err := os.Create(filepath.Join(h.sh.dir, fmt.Sprintf("%s.%s.jsonl", id, suffix)))
		if err != nil {
			dataFile.Close()
			return nil, fmt.Errorf("dirwriter: creating metadata file: %w", err)
		}
		h.files[dir] = perDirection{data: dataFile, meta: metaFile}
	}

	f := c.Forward()
	if err := h.sh.addConnection(indexEntry{
		ID:      id,
		SrcAddr: f.A.Addr.String(),
		SrcPort: f.A.Port,
		DstAddr: f.B.Addr.String(),
		DstPort: f.B.Port,
	}); err != nil {
		return nil, err
	}
	return h, nil
}

// drain writes whatever contiguous data, segment metadata, and gaps are
// currently available for dir, then advances past it.
func (h *handler) drain(dir flow.Direction) {
	st := h.conn.Stream(dir)
	data, segments, gaps := st.ReadNext()
	if len(data) == 0 && len(segments) == 0 && len(gaps) == 0 {
		return
	}
	files := h.files[dir]
	if len(data) > 0 {
		files.data.Write(data)
	}
	writeInterleaved(files.meta, segments, gaps)
}

func writeInterleaved(w io.Writer, segments []stream.SegmentInfo, gaps []rangeset.Range) {
	si, gi := 0, 0
	for si < len(segments) || gi < len(gaps) {
		writeSegmentNext := gi >= len(gaps) || (si < len(segments) && segments[si].Offset <= gaps[gi].Start)
		if writeSegmentNext {
			writeSegment(w, segments[si])
			si++
		} else {
			writeGap(w, gaps[gi])
			gi++
		}
	}
}

// extraFlattener lets a capture source's per-packet extra data flatten
// its own fields directly into a JSONL record instead of nesting under
// an "extra" key.
type extraFlattener interface {
	FlattenJSON() map[string]interface{}
}

func writeSegment(w io.Writer, s stream.SegmentInfo) {
	rec := map[string]interface{}{
		"offset":        s.Offset,
		"reverse_acked": s.ReverseAcked,
	}
	switch s.Kind {
	case stream.KindData:
		rec["type"] = "data"
		rec["len"] = s.Len
		rec["is_retransmit"] = s.IsRetransmit
	case stream.KindAck:
		rec["type"] = "ack"
		rec["window"] = s.Window
	case stream.KindFin:
		rec["type"] = "fin"
	case stream.KindRst:
		rec["type"] = "rst"
	}
	if fl, ok := s.Extra.(extraFlattener); ok {
		for k, v := range fl.FlattenJSON() {
			rec[k] = v
		}
	}
	encodeLine(w, rec)
}

func writeGap(w io.Writer, r rangeset.Range) {
	encodeLine(w, map[string]interface{}{
		"type":   "gap",
		"offset": r.Start,
		"len":    r.Len(),
	})
}

func encodeLine(w io.Writer, rec map[string]interface{}) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	data = append(data, '\n')
	w.Write(data)
}

func (h *handler) HandshakeDone(*connection.Connection) {}

func (h *handler) DataReceived(_ *connection.Connection, dir flow.Direction) {
	h.drain(dir)
}

func (h *handler) AckReceived(_ *connection.Connection, dir flow.Direction) {
	h.drain(dir)
}

func (h *handler) FinReceived(_ *connection.Connection, dir flow.Direction) {
	h.drain(dir)
}

func (h *handler) RstReceived(_ *connection.Connection, dir flow.Direction, _ interface{}) {
	h.drain(dir)
}

func (h *handler) StreamEnd(_ *connection.Connection, dir flow.Direction) {
	h.drain(dir)
}

func (h *handler) ConnectionDesync(*connection.Connection, flow.Direction) {}

// finalFlush pops every segment record still pending for dir, including
// ones stamped at or past the last contiguous byte (a trailing ack, fin,
// or rst) that drain's MaxContiguousOffset bound never reaches.
func (h *handler) finalFlush(dir flow.Direction) {
	st := h.conn.Stream(dir)
	for _, seg := range st.PopSegmentsUntil(nil) {
		writeSegment(h.files[dir].meta, seg)
	}
}

func (h *handler) WillRetire(*connection.Connection) {
	h.drain(flow.Forward)
	h.drain(flow.Reverse)
	h.finalFlush(flow.Forward)
	h.finalFlush(flow.Reverse)
	for _, f := range h.files {
		f.data.Close()
		f.meta.Close()
	}
}
