package connection

import "net"

// TcpMeta is the per-packet record the capture/parse collaborator hands to
// the core. It carries everything the reassembly engine needs and nothing
// it has to parse itself.
type TcpMeta struct {
	SrcAddr, DstAddr net.IP
	SrcPort, DstPort uint16

	Seq uint32
	Ack uint32

	SYN, ACK, FIN, RST bool

	Window uint16

	// WindowScale is the handshake's window-scale option shift (0-14), if
	// present.
	WindowScale *uint8

	// TSVal/TSEcr are the TCP timestamp option's value and echo, if
	// present.
	TSVal, TSEcr *uint32
}
