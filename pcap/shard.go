package pcap

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/flowcap/flowcap/printer"
	"github.com/flowcap/flowcap/reassembly/connection"
	"github.com/flowcap/flowcap/reassembly/flow"
	"github.com/flowcap/flowcap/reassembly/flowtable"
)

// parsedPacket is one ParsePacket result, queued onto a worker's shard
// channel instead of being dispatched inline.
type parsedPacket struct {
	flow    flow.Flow
	meta    connection.TcpMeta
	payload []byte
	extra   Extra
}

// RunSharded is Run, but splits packets across n FlowTables by flow hash
// instead of running one FlowTable on the calling goroutine. A FlowTable
// is not safe for concurrent use, so each worker goroutine owns its
// FlowTable exclusively; only packets belonging to the same flow (and
// therefore always the same worker) need to be ordered relative to each
// other, which a hash-sharded fan-out preserves. With n > 1 the workers do
// not drain retired connections periodically; opts.DrainEvery is not used
// on that path.
func RunSharded(n int, factory connection.HandlerFactory, init interface{}, opts Options, stop <-chan struct{}) error {
	if n <= 1 {
		newTable := flowtable.New
		if opts.DrainEvery > 0 {
			newTable = flowtable.NewWithRetiredQueue
		}
		return Run(newTable(factory, init), opts, stop)
	}

	var src source
	if opts.ReadFile != "" {
		src = offlineSource{path: opts.ReadFile}
	} else {
		src = liveSource{}
	}
	return runShardedWithSource(n, factory, init, src, opts, stop)
}

// runShardedWithSource is RunSharded with the capture source injected, the
// same seam runWithSource uses to let tests replay a canned packet
// sequence instead of opening a real interface or capture file.
func runShardedWithSource(n int, factory connection.HandlerFactory, init interface{}, src source, opts Options, stop <-chan struct{}) error {
	packets, err := src.capturePackets(stop, opts.Interface, opts.BPFFilter)
	if err != nil {
		return errors.Wrap(err, "failed to start capture")
	}

	shards := make([]chan parsedPacket, n)
	for i := range shards {
		shards[i] = make(chan parsedPacket, 64)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ft := flowtable.New(factory, init)
			for p := range shards[i] {
				if err := ft.HandlePacket(p.flow, p.meta, p.payload, p.extra); err != nil {
					printer.Warningf("worker %d: dropping packet: handler construction failed: %v\n", i, err)
				}
			}
			ft.Close()
		}(i)
	}

	var index uint64
	for more := true; more; {
		select {
		case pkt, ok := <-packets:
			if !ok {
				more = false
				break
			}
			index++
			f, meta, payload, extra, parsedOK := ParsePacket(pkt, index)
			if !parsedOK {
				continue
			}
			shards[int(f.Key().Hash()%uint32(n))] <- parsedPacket{f, meta, payload, extra}

		case <-stop:
			more = false
		}
	}

	for _, ch := range shards {
		close(ch)
	}
	wg.Wait()
	return nil
}
