package pcap

import (
	"time"

	"github.com/pkg/errors"

	"github.com/flowcap/flowcap/printer"
	"github.com/flowcap/flowcap/reassembly/flowtable"
)

// Options configures a capture Run.
type Options struct {
	// Interface is a live interface name. ReadFile, if set, takes
	// precedence and reads an offline capture instead.
	Interface string
	ReadFile  string
	BPFFilter string

	// DrainEvery, if positive, periodically drains and logs the
	// FlowTable's retired-connection queue while the capture runs. Zero
	// disables the ticker. ft.Close at Run's return retires the remaining
	// connections but does not drain the queue.
	DrainEvery time.Duration
}

// Run reads packets from the configured source until it is exhausted or
// stop is closed, parsing each into a flow.Flow/TcpMeta/payload/Extra
// quadruple and feeding it to ft. On return, every connection still live
// in ft has been retired via ft.Close.
func Run(ft *flowtable.FlowTable, opts Options, stop <-chan struct{}) error {
	var src source
	if opts.ReadFile != "" {
		src = offlineSource{path: opts.ReadFile}
	} else {
		src = liveSource{}
	}
	return runWithSource(ft, src, opts, stop)
}

// runWithSource is Run with the capture source injected, letting tests
// replay a canned packet sequence instead of opening a real interface or
// capture file.
func runWithSource(ft *flowtable.FlowTable, src source, opts Options, stop <-chan struct{}) error {
	packets, err := src.capturePackets(stop, opts.Interface, opts.BPFFilter)
	if err != nil {
		return errors.Wrap(err, "failed to start capture")
	}

	var tickerChan <-chan time.Time
	if opts.DrainEvery > 0 {
		ticker := time.NewTicker(opts.DrainEvery)
		defer ticker.Stop()
		tickerChan = ticker.C
	}

	var index uint64
	for {
		select {
		case pkt, more := <-packets:
			if !more {
				ft.Close()
				return nil
			}
			index++
			f, meta, payload, extra, ok := ParsePacket(pkt, index)
			if !ok {
				continue
			}
			if err := ft.HandlePacket(f, meta, payload, extra); err != nil {
				printer.Warningf("dropping packet %d: handler construction failed: %v\n", index, err)
			}

		case <-tickerChan:
			if drained := ft.DrainRetired(); len(drained) > 0 {
				printer.Debugf("retired %d connections\n", len(drained))
			}

		case <-stop:
			ft.Close()
			return nil
		}
	}
}
