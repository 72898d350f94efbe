package pcap

import (
	"net"
	"testing"

	"github.com/flowcap/flowcap/reassembly/flow"
)

func TestParsePacketExtractsFlowAndMeta(t *testing.T) {
	src := net.IPv4(10, 0, 0, 1)
	dst := net.IPv4(10, 0, 0, 2)
	pkt := CreatePacketWithSeq(src, dst, 1234, 80, []byte("hello"), 1000)

	f, meta, payload, extra, ok := ParsePacket(pkt, 7)
	if !ok {
		t.Fatal("ParsePacket reported ok=false for a well-formed TCP packet")
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q, want %q", payload, "hello")
	}
	if meta.Seq != 1000 {
		t.Errorf("Seq = %d, want 1000", meta.Seq)
	}
	if meta.SrcPort != 1234 || meta.DstPort != 80 {
		t.Errorf("ports = %d/%d, want 1234/80", meta.SrcPort, meta.DstPort)
	}
	if extra.Index != 7 {
		t.Errorf("Index = %d, want 7", extra.Index)
	}

	want := flow.New(tcpProtocolNumber,
		flow.Endpoint{Addr: src, Port: 1234},
		flow.Endpoint{Addr: dst, Port: 80})
	if f.Key() != want.Key() {
		t.Errorf("flow key mismatch: got %+v, want %+v", f, want)
	}
}

func TestParsePacketRejectsNonTCP(t *testing.T) {
	src := net.IPv4(10, 0, 0, 1)
	dst := net.IPv4(10, 0, 0, 2)
	pkt := CreateUDPPacket(src, dst, 1234, 53, []byte("x"))

	_, _, _, _, ok := ParsePacket(pkt, 1)
	if ok {
		t.Fatal("ParsePacket accepted a UDP packet")
	}
}

func TestParsePacketSynFlag(t *testing.T) {
	src := net.IPv4(10, 0, 0, 1)
	dst := net.IPv4(10, 0, 0, 2)
	pkt := CreateTCPSYN(src, dst, 1234, 80, 500)

	_, meta, _, _, ok := ParsePacket(pkt, 1)
	if !ok {
		t.Fatal("ParsePacket reported ok=false for a SYN packet")
	}
	if !meta.SYN || meta.ACK {
		t.Errorf("flags = SYN:%v ACK:%v, want SYN:true ACK:false", meta.SYN, meta.ACK)
	}
}
