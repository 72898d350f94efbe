package connection

import "github.com/flowcap/flowcap/reassembly/flow"

// Handler is the capability set a connection-observing consumer implements.
// It is a plain interface rather than a generic/monomorphized type — idiomatic
// Go has no cheap zero-cost static dispatch for this shape, and runtime
// dispatch on a small, fixed-size interface is the ordinary way to wire a
// pluggable consumer in this codebase.
type Handler interface {
	HandshakeDone(c *Connection)
	DataReceived(c *Connection, dir flow.Direction)
	AckReceived(c *Connection, dir flow.Direction)
	FinReceived(c *Connection, dir flow.Direction)
	RstReceived(c *Connection, dir flow.Direction, extra interface{})
	StreamEnd(c *Connection, dir flow.Direction)
	ConnectionDesync(c *Connection, dir flow.Direction)
	WillRetire(c *Connection)
}

// HandlerFactory constructs a Handler for a newly created Connection. init
// is an opaque, typically cloneable handle to shared state (an output
// directory, a shared writer, a cache) the same way one factory serves
// every Connection a FlowTable creates. A non-nil error is the one failure
// mode that crosses out of FlowTable.HandlePacket unchanged.
type HandlerFactory func(init interface{}, c *Connection) (Handler, error)

// NopHandler is a Handler that does nothing, useful as a base to embed
// when only a few callbacks matter.
type NopHandler struct{}

func (NopHandler) HandshakeDone(*Connection)                          {}
func (NopHandler) DataReceived(*Connection, flow.Direction)           {}
func (NopHandler) AckReceived(*Connection, flow.Direction)            {}
func (NopHandler) FinReceived(*Connection, flow.Direction)            {}
func (NopHandler) RstReceived(*Connection, flow.Direction, interface{}) {}
func (NopHandler) StreamEnd(*Connection, flow.Direction)              {}
func (NopHandler) ConnectionDesync(*Connection, flow.Direction)       {}
func (NopHandler) WillRetire(*Connection)                             {}
