package connection

import (
	"net"
	"testing"

	"github.com/flowcap/flowcap/reassembly/flow"
)

type recordingHandler struct {
	NopHandler
	handshakeDone    int
	dataReceived     map[flow.Direction]int
	ackReceived      map[flow.Direction]int
	finReceived      map[flow.Direction]int
	streamEnd        map[flow.Direction]int
	desync           int
	retired          int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		dataReceived: map[flow.Direction]int{},
		ackReceived:  map[flow.Direction]int{},
		finReceived:  map[flow.Direction]int{},
		streamEnd:    map[flow.Direction]int{},
	}
}

func (h *recordingHandler) HandshakeDone(*Connection) { h.handshakeDone++ }
func (h *recordingHandler) DataReceived(_ *Connection, dir flow.Direction) {
	h.dataReceived[dir]++
}
func (h *recordingHandler) AckReceived(_ *Connection, dir flow.Direction) {
	h.ackReceived[dir]++
}
func (h *recordingHandler) FinReceived(_ *Connection, dir flow.Direction) {
	h.finReceived[dir]++
}
func (h *recordingHandler) StreamEnd(_ *Connection, dir flow.Direction) {
	h.streamEnd[dir]++
}
func (h *recordingHandler) ConnectionDesync(*Connection, flow.Direction) { h.desync++ }
func (h *recordingHandler) WillRetire(*Connection)                      { h.retired++ }

func ep(ip string, port uint16) flow.Endpoint {
	return flow.Endpoint{Addr: net.ParseIP(ip), Port: port}
}

func newTestConnection(t *testing.T, h *recordingHandler) *Connection {
	t.Helper()
	f := flow.New(6, ep("10.0.0.1", 1234), ep("10.0.0.2", 80))
	c, err := New(f, func(interface{}, *Connection) (Handler, error) { return h, nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.streams[flow.Forward].Inbound().SetLimit(1 << 20)
	c.streams[flow.Reverse].Inbound().SetLimit(1 << 20)
	return c
}

func TestHelloWorldHandshake(t *testing.T) {
	h := newRecordingHandler()
	c := newTestConnection(t, h)

	clientISN := uint32(1587232)
	serverISN := uint32(315848)

	// SYN c->s
	c.HandlePacket(flow.Forward, TcpMeta{Seq: clientISN, SYN: true}, nil, nil)
	if c.State() != StateSynSent {
		t.Fatalf("state after SYN = %v, want syn-sent", c.State())
	}

	// SYN/ACK s->c
	c.HandlePacket(flow.Reverse, TcpMeta{Seq: serverISN, Ack: clientISN + 1, SYN: true, ACK: true}, nil, nil)
	if c.State() != StateSynReceived {
		t.Fatalf("state after SYN/ACK = %v, want syn-received", c.State())
	}

	// ACK c->s
	c.HandlePacket(flow.Forward, TcpMeta{Seq: clientISN + 1, Ack: serverISN + 1, ACK: true}, nil, nil)
	if c.State() != StateEstablished {
		t.Fatalf("state after ACK = %v, want established", c.State())
	}
	if h.handshakeDone != 1 {
		t.Fatalf("handshakeDone = %d, want 1", h.handshakeDone)
	}

	// PSH/ACK c->s carrying data
	c.HandlePacket(flow.Forward, TcpMeta{Seq: clientISN + 1, Ack: serverISN + 1, ACK: true}, []byte("Hello, world!"), nil)

	fwdStream := c.Stream(flow.Forward)
	if got := fwdStream.ReadableBufferedLength(); got != 13 {
		t.Fatalf("ReadableBufferedLength = %d, want 13", got)
	}
	data, ok := fwdStream.Inbound().ReadSegment(0, 13)
	if !ok || string(data) != "Hello, world!" {
		t.Fatalf("buffer contents = %q, ok=%v", data, ok)
	}
	if h.dataReceived[flow.Forward] != 1 {
		t.Fatalf("dataReceived[Forward] = %d, want 1", h.dataReceived[flow.Forward])
	}
	if h.desync != 0 {
		t.Fatalf("desync = %d, want 0", h.desync)
	}
}

func TestSynOnEstablishedDesyncs(t *testing.T) {
	h := newRecordingHandler()
	c := newTestConnection(t, h)

	c.HandlePacket(flow.Forward, TcpMeta{Seq: 1, SYN: true}, nil, nil)
	c.HandlePacket(flow.Reverse, TcpMeta{Seq: 100, Ack: 2, SYN: true, ACK: true}, nil, nil)
	c.HandlePacket(flow.Forward, TcpMeta{Seq: 2, Ack: 101, ACK: true}, nil, nil)
	if c.State() != StateEstablished {
		t.Fatalf("state = %v, want established", c.State())
	}

	c.HandlePacket(flow.Forward, TcpMeta{Seq: 500, SYN: true}, nil, nil)
	if c.State() != StateDesync {
		t.Fatalf("state = %v, want desync", c.State())
	}
	if h.desync != 1 {
		t.Fatalf("desync = %d, want 1", h.desync)
	}
}

func TestDataWithoutHandshakeSynthesizesEstablished(t *testing.T) {
	h := newRecordingHandler()
	c := newTestConnection(t, h)

	c.HandlePacket(flow.Forward, TcpMeta{Seq: 1000, Ack: 2000, ACK: true}, []byte("late join"), nil)
	if c.State() != StateEstablished {
		t.Fatalf("state = %v, want established", c.State())
	}
	if h.handshakeDone != 1 {
		t.Fatalf("handshakeDone = %d, want 1", h.handshakeDone)
	}
}
