package flowtable

import (
	"net"
	"testing"

	"github.com/flowcap/flowcap/reassembly/connection"
	"github.com/flowcap/flowcap/reassembly/flow"
)

type countingHandler struct {
	connection.NopHandler
	onData    func(*connection.Connection, flow.Direction)
	retired   *int
}

func (h *countingHandler) DataReceived(c *connection.Connection, dir flow.Direction) {
	if h.onData != nil {
		h.onData(c, dir)
	}
}

func (h *countingHandler) WillRetire(*connection.Connection) {
	if h.retired != nil {
		*h.retired++
	}
}

func ep(ip string, port uint16) flow.Endpoint {
	return flow.Endpoint{Addr: net.ParseIP(ip), Port: port}
}

func newTestTable(t *testing.T, retired *int) *FlowTable {
	t.Helper()
	factory := func(interface{}, *connection.Connection) (connection.Handler, error) {
		return &countingHandler{retired: retired}, nil
	}
	return New(factory, nil)
}

func TestHandlePacketCreatesAndRoutesConnection(t *testing.T) {
	retired := 0
	ft := newTestTable(t, &retired)

	f := flow.New(6, ep("10.0.0.1", 1234), ep("10.0.0.2", 80))

	clientISN := uint32(1000)
	serverISN := uint32(5000)

	must(t, ft.HandlePacket(f, connection.TcpMeta{Seq: clientISN, SYN: true}, nil, nil))
	if ft.Len() != 1 {
		t.Fatalf("Len = %d, want 1", ft.Len())
	}

	reverseFlow := flow.New(6, ep("10.0.0.2", 80), ep("10.0.0.1", 1234))
	must(t, ft.HandlePacket(reverseFlow, connection.TcpMeta{Seq: serverISN, Ack: clientISN + 1, SYN: true, ACK: true}, nil, nil))
	must(t, ft.HandlePacket(f, connection.TcpMeta{Seq: clientISN + 1, Ack: serverISN + 1, ACK: true}, nil, nil))

	if ft.Len() != 1 {
		t.Fatalf("Len after handshake = %d, want 1 (same connection)", ft.Len())
	}
}

func TestClosePacketRetiresConnection(t *testing.T) {
	retired := 0
	ft := newTestTable(t, &retired)
	f := flow.New(6, ep("10.0.0.1", 1234), ep("10.0.0.2", 80))

	must(t, ft.HandlePacket(f, connection.TcpMeta{Seq: 1, RST: true}, nil, nil))

	if ft.Len() != 0 {
		t.Fatalf("Len after RST = %d, want 0", ft.Len())
	}
	if retired != 1 {
		t.Fatalf("retired = %d, want 1", retired)
	}
}

func TestClose(t *testing.T) {
	retired := 0
	ft := newTestTable(t, &retired)
	f := flow.New(6, ep("10.0.0.1", 1234), ep("10.0.0.2", 80))
	must(t, ft.HandlePacket(f, connection.TcpMeta{Seq: 1, SYN: true}, nil, nil))

	ft.Close()
	if ft.Len() != 0 {
		t.Fatalf("Len after Close = %d, want 0", ft.Len())
	}
	if retired != 1 {
		t.Fatalf("retired = %d, want 1", retired)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
