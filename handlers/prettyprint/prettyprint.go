// Package prettyprint implements the stdout output handler: one
// colorized, human-readable line per connection event, in the same
// aurora-driven style as the printer package's CLI output.
package prettyprint

import (
	"fmt"
	"io"
	"strings"

	"github.com/logrusorgru/aurora"

	"github.com/flowcap/flowcap/reassembly/connection"
	"github.com/flowcap/flowcap/reassembly/flow"
)

// Init is the shared, cloneable handle passed to every Connection's
// Handler constructor: just where to print and how to color it, mirroring
// printer.Stdout/printer.Color.
type Init struct {
	Out   io.Writer
	Color aurora.Aurora
}

// Factory is a connection.HandlerFactory bound to a prettyprint Init.
func Factory(init interface{}, c *connection.Connection) (connection.Handler, error) {
	in, ok := init.(Init)
	if !ok {
		return nil, fmt.Errorf("prettyprint: Factory requires a prettyprint.Init, got %T", init)
	}
	return &handler{out: in.Out, color: in.Color}, nil
}

type handler struct {
	out   io.Writer
	color aurora.Aurora
}

var _ connection.Handler = (*handler)(nil)

func (h *handler) line(format string, args ...interface{}) {
	fmt.Fprintf(h.out, format+"\n", args...)
}

func connLabel(c *connection.Connection) string {
	f := c.Forward()
	return fmt.Sprintf("%s:%d->%s:%d", f.A.Addr, f.A.Port, f.B.Addr, f.B.Port)
}

func (h *handler) HandshakeDone(c *connection.Connection) {
	h.line("%s %s handshake complete", h.color.Green("[+]"), connLabel(c))
}

func (h *handler) DataReceived(c *connection.Connection, dir flow.Direction) {
	st := c.Stream(dir)
	data, _, gaps := st.ReadNext()
	if len(data) > 0 {
		h.line("%s %s %s %d bytes", h.color.Cyan("[data]"), connLabel(c), dir, len(data))
		h.printPayload(data)
	}
	for _, g := range gaps {
		h.line("%s %s %s gap [%d,%d)", h.color.Yellow("[gap]"), connLabel(c), dir, g.Start, g.End)
	}
}

func (h *handler) AckReceived(c *connection.Connection, dir flow.Direction) {
	h.line("%s %s %s acked through %d", h.color.Faint("[ack]"), connLabel(c), dir, c.Stream(dir).HighestAcked())
}

func (h *handler) FinReceived(c *connection.Connection, dir flow.Direction) {
	h.line("%s %s %s", h.color.Blue("[fin]"), connLabel(c), dir)
}

func (h *handler) RstReceived(c *connection.Connection, dir flow.Direction, _ interface{}) {
	h.line("%s %s %s", h.color.Red("[rst]"), connLabel(c), dir)
}

func (h *handler) StreamEnd(c *connection.Connection, dir flow.Direction) {
	h.line("%s %s %s stream complete", h.color.Green("[end]"), connLabel(c), dir)
}

func (h *handler) ConnectionDesync(c *connection.Connection, dir flow.Direction) {
	h.line("%s %s desynced on %s", h.color.Red("[desync]"), connLabel(c), dir)
}

func (h *handler) WillRetire(c *connection.Connection) {
	h.line("%s %s retired", h.color.Faint("[x]"), connLabel(c))
}

// printPayload renders data the way a terminal-friendly packet dumper
// does: printable ASCII, newlines and tabs verbatim, everything else as '.'.
func (h *handler) printPayload(data []byte) {
	var b strings.Builder
	for _, c := range data {
		if c >= 0x20 && c < 0x7f {
			b.WriteByte(c)
		} else if c == '\n' || c == '\t' {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	h.line("%s", h.color.Faint(b.String()))
}
