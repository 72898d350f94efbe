// Package pcap is the capture-source collaborator: it opens a live
// interface or an offline capture file, yields parsed TCP packets, and
// drives a reassembly/flowtable.FlowTable to completion. The reassembly
// core never reads a byte of pcap data itself; this package is the
// concrete producer that feeds it.
package pcap

import (
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"

	"github.com/flowcap/flowcap/printer"
)

// defaultSnapLen matches tcpdump's default.
const defaultSnapLen = 262144

// source abstracts over a live interface and an offline capture file so
// tests can substitute a canned packet sequence.
type source interface {
	capturePackets(done <-chan struct{}, target, bpfFilter string) (<-chan gopacket.Packet, error)
}

type liveSource struct{}

func (liveSource) capturePackets(done <-chan struct{}, interfaceName, bpfFilter string) (<-chan gopacket.Packet, error) {
	handle, err := pcap.OpenLive(interfaceName, defaultSnapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pcap on interface %s", interfaceName)
	}
	if bpfFilter != "" {
		if err := handle.SetBPFFilter(bpfFilter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, "failed to set BPF filter")
		}
	}

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	pktChan := packetSource.Packets()

	out := make(chan gopacket.Packet, 100)
	go func() {
		defer func() {
			close(out)
			handle.Close()
		}()

		startTime := time.Now()
		count := 0
		for {
			select {
			case <-done:
				return
			case pkt, ok := <-pktChan:
				if !ok {
					return
				}
				out <- pkt
				if count == 0 {
					printer.Debugf("time to first packet on %s: %s\n", interfaceName, time.Since(startTime))
				}
				count++
			}
		}
	}()
	return out, nil
}

type offlineSource struct {
	path string
}

func (o offlineSource) capturePackets(done <-chan struct{}, _, bpfFilter string) (<-chan gopacket.Packet, error) {
	handle, err := pcap.OpenOffline(o.path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open capture file %s", o.path)
	}
	if bpfFilter != "" {
		if err := handle.SetBPFFilter(bpfFilter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, "failed to set BPF filter")
		}
	}

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	pktChan := packetSource.Packets()

	out := make(chan gopacket.Packet, 100)
	go func() {
		defer func() {
			close(out)
			handle.Close()
		}()
		for {
			select {
			case <-done:
				return
			case pkt, ok := <-pktChan:
				if !ok {
					return
				}
				out <- pkt
			}
		}
	}()
	return out, nil
}

// InterfaceAddrs returns the host IPs bound to interfaceName, used by
// callers that want to filter out self-traffic.
func InterfaceAddrs(interfaceName string) ([]net.IP, error) {
	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return nil, errors.Wrapf(err, "no network interface named %s", interfaceName)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get addresses on interface %s", iface.Name)
	}

	var hostIPs []net.IP
	for _, addr := range addrs {
		switch a := addr.(type) {
		case *net.IPNet:
			hostIPs = append(hostIPs, a.IP)
		}
	}
	return hostIPs, nil
}
