// Package connection implements the per-flow TCP state machine: handshake
// tracking, direction resolution, and dispatch of data/ack/fin/rst into
// the two per-direction Streams.
package connection

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/flowcap/flowcap/reassembly/flow"
	"github.com/flowcap/flowcap/reassembly/stream"
)

// State is the connection-level handshake/teardown state.
type State int

const (
	StateNone State = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateClosed
	StateDesync
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateSynSent:
		return "syn-sent"
	case StateSynReceived:
		return "syn-received"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	case StateDesync:
		return "desync"
	default:
		return "unknown"
	}
}

// Connection tracks one TCP flow's handshake/teardown state and owns the
// two per-direction Streams.
type Connection struct {
	id      uuid.UUID
	forward flow.Flow
	state   State

	// Handshake bookkeeping, populated as SYN / SYN-ACK are observed.
	synSeq       uint32
	synAck       uint32
	synWindow    uint16
	synAckWindow uint16
	haveSynInfo  bool

	streams [2]*stream.Stream // indexed by flow.Forward / flow.Reverse

	observedHandshake bool
	observedClose     bool

	handler Handler
}

// New constructs a Connection for forwardFlow — the flow tuple in the
// orientation of the packet that triggered its creation — and the Handler
// built from factory.
func New(forwardFlow flow.Flow, factory HandlerFactory, init interface{}) (*Connection, error) {
	c := &Connection{
		id:      uuid.New(),
		forward: forwardFlow,
		state:   StateNone,
		streams: [2]*stream.Stream{stream.New(), stream.New()},
	}
	h, err := factory(init, c)
	if err != nil {
		return nil, err
	}
	c.handler = h
	return c, nil
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() uuid.UUID { return c.id }

// Forward returns the connection's canonical forward flow.
func (c *Connection) Forward() flow.Flow { return c.forward }

// State returns the current handshake/teardown state.
func (c *Connection) State() State { return c.state }

// Stream returns the Stream for dir.
func (c *Connection) Stream(dir flow.Direction) *stream.Stream {
	return c.streams[dir]
}

// ObservedHandshake reports whether the full three-way handshake was
// actually observed (as opposed to synthesized mid-stream).
func (c *Connection) ObservedHandshake() bool { return c.observedHandshake }

// ObservedClose reports whether teardown (FIN/ACK both ways, or an
// accepted RST) was actually observed.
func (c *Connection) ObservedClose() bool { return c.observedClose }

func opposite(dir flow.Direction) flow.Direction {
	if dir == flow.Forward {
		return flow.Reverse
	}
	return flow.Forward
}

// HandlePacket routes one packet, already classified as belonging to dir
// relative to c.Forward(), into the connection state machine.
func (c *Connection) HandlePacket(dir flow.Direction, meta TcpMeta, payload []byte, extra interface{}) {
	if dir == flow.Unrelated {
		panic(fmt.Sprintf("connection: packet flow unrelated to connection %s", c.id))
	}

	switch {
	case meta.RST:
		c.handleRst(dir, meta, extra)
	case meta.SYN:
		c.handleSyn(dir, meta)
	default:
		c.handleDataOrFin(dir, meta, payload, extra)
	}
}

func (c *Connection) recordWindowScale(dir flow.Direction, meta TcpMeta) {
	if meta.WindowScale != nil {
		c.streams[dir].SetWindowScale(*meta.WindowScale)
	}
}

// swapForward makes the opposite of the packet's current sender the
// canonical forward direction — used the one time a connection's very
// first observed packet is a SYN/ACK: the ACK side becomes forward.
func (c *Connection) swapForward() {
	c.forward = c.forward.Swap()
	c.streams[0], c.streams[1] = c.streams[1], c.streams[0]
}

func (c *Connection) handleSyn(dir flow.Direction, meta TcpMeta) {
	switch c.state {
	case StateNone:
		if meta.ACK {
			// First-ever packet is a SYN/ACK: the ACK side is canonical
			// forward, so what arrived as "Forward" becomes "Reverse".
			c.swapForward()
			dir = opposite(dir)
			c.synSeq = meta.Ack - 1
			c.synAck = meta.Seq
			c.synAckWindow = meta.Window
			c.haveSynInfo = true
			c.recordWindowScale(dir, meta)
			c.state = StateSynReceived
			return
		}
		c.synSeq = meta.Seq
		c.synWindow = meta.Window
		c.haveSynInfo = true
		c.recordWindowScale(dir, meta)
		c.state = StateSynSent

	case StateSynSent:
		if dir == flow.Reverse && meta.ACK {
			// The ack is not compared against the SYN's seq+1 and no
			// warning is emitted; any reverse SYN/ACK is recorded.
			c.synAck = meta.Seq
			c.synAckWindow = meta.Window
			c.recordWindowScale(dir, meta)
			c.state = StateSynReceived
		}
		// A repeated plain SYN (retransmit) is ignored.

	case StateSynReceived:
		// Further SYN / SYN-ACK retransmits are ignored.

	case StateEstablished:
		// SYN for an established connection: protocol violation.
		c.transitionDesync(dir)

	default:
		// Closed / Desync: terminal, ignore.
	}
}

func (c *Connection) handleRst(dir flow.Direction, meta TcpMeta, extra interface{}) {
	switch c.state {
	case StateNone:
		c.observedClose = true
		c.state = StateClosed

	case StateSynSent:
		if dir == flow.Reverse {
			c.observedClose = true
			c.state = StateClosed
		}
		// Forward-direction RST while we're still waiting on a SYN/ACK
		// is suspicious (could be a routing artifact) and is dropped.

	case StateSynReceived:
		c.observedClose = true
		c.state = StateClosed

	case StateEstablished:
		if c.streams[dir].HandleRst(meta.Seq, extra) {
			c.observedClose = true
			c.state = StateClosed
			c.handler.RstReceived(c, dir, extra)
		}

	default:
		// Closed / Desync: terminal, ignore.
	}
}

// synthesizeHandshake initializes both Streams' ISNs from the current
// packet when data/FIN arrives before (or instead of) a clean three-way
// handshake.
func (c *Connection) synthesizeHandshake(dir flow.Direction, meta TcpMeta) {
	c.streams[dir].SetISN(meta.Seq, meta.Window)
	if meta.ACK {
		c.streams[opposite(dir)].SetISN(meta.Ack, 0)
	} else {
		c.streams[opposite(dir)].SetISN(0, 0)
	}
	c.state = StateEstablished
	c.handler.HandshakeDone(c)
}

func (c *Connection) handleDataOrFin(dir flow.Direction, meta TcpMeta, payload []byte, extra interface{}) {
	switch c.state {
	case StateNone, StateSynSent:
		c.synthesizeHandshake(dir, meta)
		c.handleEstablishedPacket(dir, meta, payload, extra)

	case StateSynReceived:
		wasThirdAck := dir == flow.Forward && meta.ACK && len(payload) == 0 && !meta.FIN &&
			c.haveSynInfo && meta.Seq == c.synSeq+1 && meta.Ack == c.synAck+1
		// The handshake ISNs were the SYN's own sequence numbers; the
		// first data byte in each direction is one past that, so the
		// Stream's absolute offset 0 lines up with the first real
		// payload byte instead of the SYN itself.
		c.streams[flow.Forward].SetISN(c.synSeqOr(meta, flow.Forward)+1, c.synWindow)
		c.streams[flow.Reverse].SetISN(c.synAckOr(meta)+1, c.synAckWindow)
		c.state = StateEstablished
		c.handler.HandshakeDone(c)
		if wasThirdAck {
			c.observedHandshake = true
		}
		c.handleEstablishedPacket(dir, meta, payload, extra)

	case StateEstablished:
		c.handleEstablishedPacket(dir, meta, payload, extra)

	default:
		// Closed / Desync: terminal, ignore.
	}
}

func (c *Connection) synSeqOr(meta TcpMeta, dir flow.Direction) uint32 {
	if c.haveSynInfo {
		return c.synSeq
	}
	if dir == flow.Forward {
		return meta.Seq
	}
	return meta.Ack
}

func (c *Connection) synAckOr(meta TcpMeta) uint32 {
	if c.haveSynInfo {
		return c.synAck
	}
	return meta.Seq
}

func (c *Connection) handleEstablishedPacket(dir flow.Direction, meta TcpMeta, payload []byte, extra interface{}) {
	dataStream := c.streams[dir]
	ackStream := c.streams[opposite(dir)]

	newData := false
	if len(payload) > 0 {
		newData = dataStream.HandleData(meta.Seq, payload, extra)
	}

	if meta.ACK {
		hadEnded := ackStream.HasEnded()
		advanced := ackStream.HandleAck(meta.Ack, meta.Window, extra)
		dataStream.SetReverseAcked(ackStream.HighestAcked())
		if advanced {
			c.handler.AckReceived(c, opposite(dir))
		}
		if ackStream.HasEnded() && !hadEnded {
			c.handler.StreamEnd(c, opposite(dir))
		}
	}

	if meta.FIN {
		dataStream.HandleFin(meta.Seq, len(payload), extra)
		c.handler.FinReceived(c, dir)
	}

	if newData {
		c.handler.DataReceived(c, dir)
	}

	if c.streams[flow.Forward].HasEnded() && c.streams[flow.Reverse].HasEnded() {
		c.observedClose = true
		c.state = StateClosed
	}
}

func (c *Connection) transitionDesync(dir flow.Direction) {
	c.state = StateDesync
	c.handler.ConnectionDesync(c, dir)
}

// Retire fires the handler's WillRetire callback exactly once. The caller
// (FlowTable) is responsible for calling this exactly once per Connection,
// on transition to Closed/Desync or on table close.
func (c *Connection) Retire() {
	c.handler.WillRetire(c)
}
