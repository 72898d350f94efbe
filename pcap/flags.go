package pcap

import (
	"time"

	flag "github.com/spf13/pflag"
)

// Hidden tuning flags, registered at package init rather than plumbed
// through every constructor.
var (
	RetiredDrainIntervalFlag = flag.Duration("retired-drain-interval", 2*time.Second,
		"How often to drain and log connections the FlowTable has retired while a capture is running.")
)

func init() {
	flag.CommandLine.MarkHidden("retired-drain-interval")
}
