// Package flowtable demultiplexes packets into per-flow Connections,
// creating them on first sight and retiring them on close or desync.
package flowtable

import (
	"github.com/flowcap/flowcap/reassembly/connection"
	"github.com/flowcap/flowcap/reassembly/flow"
)

// FlowTable is a hash map from direction-insensitive Flow to Connection.
// It is not safe for concurrent use: the core is single-threaded
// cooperative by design, and any sharding across goroutines (e.g. by flow
// hash) is the caller's responsibility, achieved by running one FlowTable
// per worker.
type FlowTable struct {
	conns map[flow.Key]*connection.Connection

	factory connection.HandlerFactory
	init    interface{}

	// keepRetired, when true, makes retired Connections accumulate on
	// retiredQueue for the caller to drain instead of simply dropping
	// them once WillRetire has fired.
	keepRetired  bool
	retiredQueue []*connection.Connection
}

// New returns an empty FlowTable whose Connections are constructed via
// factory, each passed init as its handler-construction token.
func New(factory connection.HandlerFactory, init interface{}) *FlowTable {
	return &FlowTable{
		conns:   make(map[flow.Key]*connection.Connection),
		factory: factory,
		init:    init,
	}
}

// NewWithRetiredQueue is like New but also enables the retired-connection
// queue, drained via DrainRetired, for callers (e.g. a CLI flag) that want
// a final pass over every Connection's terminal state after capture ends,
// in addition to the per-connection handler callbacks.
func NewWithRetiredQueue(factory connection.HandlerFactory, init interface{}) *FlowTable {
	ft := New(factory, init)
	ft.keepRetired = true
	return ft
}

// Len returns the number of live connections.
func (ft *FlowTable) Len() int {
	return len(ft.conns)
}

// HandlePacket routes one packet to its Connection, creating one if the
// flow hasn't been seen, and retiring-and-recreating if the existing
// Connection just desynced. The only error this can return is a handler
// construction failure from factory.
func (ft *FlowTable) HandlePacket(f flow.Flow, meta connection.TcpMeta, payload []byte, extra interface{}) error {
	key := f.Key()
	c, ok := ft.conns[key]
	if !ok {
		var err error
		c, err = connection.New(f, ft.factory, ft.init)
		if err != nil {
			return err
		}
		ft.conns[key] = c
	}

	dir := c.Forward().Compare(f)
	c.HandlePacket(dir, meta, payload, extra)

	switch c.State() {
	case connection.StateClosed:
		ft.retire(key, c)
	case connection.StateDesync:
		ft.retire(key, c)
		// A desync retires the connection and creates a new one for the
		// same tuple, which then sees this same packet as its first (the
		// packet that caused the desync is the new connection's fresh
		// start, e.g. a second SYN reopening a reused port pair).
		fresh, err := connection.New(f, ft.factory, ft.init)
		if err != nil {
			return err
		}
		ft.conns[key] = fresh
		fresh.HandlePacket(flow.Forward, meta, payload, extra)
	}

	return nil
}

func (ft *FlowTable) retire(key flow.Key, c *connection.Connection) {
	delete(ft.conns, key)
	c.Retire()
	if ft.keepRetired {
		ft.retiredQueue = append(ft.retiredQueue, c)
	}
}

// DrainRetired removes and returns every Connection queued since the last
// call. Only meaningful when the table was built with
// NewWithRetiredQueue; the caller must drain periodically since the queue
// is unbounded by design.
func (ft *FlowTable) DrainRetired() []*connection.Connection {
	out := ft.retiredQueue
	ft.retiredQueue = nil
	return out
}

// Close retires every remaining live connection, calling WillRetire on
// each.
func (ft *FlowTable) Close() {
	for key, c := range ft.conns {
		ft.retire(key, c)
	}
}
