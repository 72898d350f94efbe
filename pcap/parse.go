package pcap

import (
	"net"
	"runtime/debug"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/flowcap/flowcap/printer"
	"github.com/flowcap/flowcap/reassembly/connection"
	"github.com/flowcap/flowcap/reassembly/flow"
)

// tcpProtocolNumber is IANA protocol 6, used as flow.Flow's Protocol field
// so that (in principle) a future UDP or other-protocol source could share
// the same FlowTable without colliding keys.
const tcpProtocolNumber = uint8(layers.IPProtocolTCP)

// ParsePacket extracts a flow tuple, TcpMeta, and payload from one
// captured packet. ok is false for anything that isn't IPv4/IPv6-over-TCP:
// ARP, ICMP, non-TCP transport, or a packet too short to have a network
// layer at all.
func ParsePacket(pkt gopacket.Packet, index uint64) (f flow.Flow, meta connection.TcpMeta, payload []byte, extra Extra, ok bool) {
	defer func() {
		// One malformed packet must never take a long-running capture down.
		if r := recover(); r != nil {
			printer.Errorf("panic parsing packet %d: %v\n%s\n", index, r, string(debug.Stack()))
			ok = false
		}
	}()

	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		return flow.Flow{}, connection.TcpMeta{}, nil, Extra{}, false
	}

	var srcIP, dstIP net.IP
	switch l := netLayer.(type) {
	case *layers.IPv4:
		srcIP, dstIP = l.SrcIP, l.DstIP
	case *layers.IPv6:
		srcIP, dstIP = l.SrcIP, l.DstIP
	default:
		return flow.Flow{}, connection.TcpMeta{}, nil, Extra{}, false
	}

	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return flow.Flow{}, connection.TcpMeta{}, nil, Extra{}, false
	}
	tcp, isTCP := tcpLayer.(*layers.TCP)
	if !isTCP {
		return flow.Flow{}, connection.TcpMeta{}, nil, Extra{}, false
	}

	meta = connection.TcpMeta{
		SrcAddr: srcIP,
		DstAddr: dstIP,
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Seq:     tcp.Seq,
		Ack:     tcp.Ack,
		SYN:     tcp.SYN,
		ACK:     tcp.ACK,
		FIN:     tcp.FIN,
		RST:     tcp.RST,
		Window:  tcp.Window,
	}

	for _, opt := range tcp.Options {
		switch opt.OptionType {
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) >= 1 {
				scale := opt.OptionData[0]
				meta.WindowScale = &scale
			}
		case layers.TCPOptionKindTimestamps:
			if len(opt.OptionData) >= 8 {
				val := beUint32(opt.OptionData[0:4])
				echo := beUint32(opt.OptionData[4:8])
				meta.TSVal = &val
				meta.TSEcr = &echo
			}
		}
	}

	f = flow.New(tcpProtocolNumber,
		flow.Endpoint{Addr: srcIP, Port: meta.SrcPort},
		flow.Endpoint{Addr: dstIP, Port: meta.DstPort})

	payload = tcp.LayerPayload()

	var tsSec, tsUsec uint32
	if md := pkt.Metadata(); md != nil && !md.Timestamp.IsZero() {
		tsSec = uint32(md.Timestamp.Unix())
		tsUsec = uint32(md.Timestamp.Nanosecond() / 1000)
	}
	extra = Extra{Index: index, TsSec: tsSec, TsUsec: tsUsec}

	return f, meta, payload, extra, true
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
