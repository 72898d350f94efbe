package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/flowcap/flowcap/cfg"
	"github.com/flowcap/flowcap/handlers/dirwriter"
	"github.com/flowcap/flowcap/handlers/prettyprint"
	"github.com/flowcap/flowcap/pcap"
	"github.com/flowcap/flowcap/printer"
	"github.com/flowcap/flowcap/reassembly/connection"
)

var (
	reassembleInterfaceFlag string
	reassembleReadFileFlag  string
	reassembleBPFFilterFlag string
	reassembleOutDirFlag    string
	reassembleStdoutFlag    bool
	reassembleWorkersFlag   int
)

var reassembleCmd = &cobra.Command{
	Use:   "reassemble",
	Short: "Reassemble TCP flows from a live interface or a capture file.",
	RunE:  runReassemble,
}

func init() {
	flags := reassembleCmd.Flags()
	flags.StringVar(&reassembleInterfaceFlag, "interface", "", "Network interface to capture from.")
	flags.StringVar(&reassembleReadFileFlag, "read-file", "", "Offline pcap/pcapng file to read instead of a live interface.")
	flags.StringVar(&reassembleBPFFilterFlag, "bpf-filter", "tcp", "BPF filter applied to captured packets.")
	flags.StringVar(&reassembleOutDirFlag, "out-dir", "", "Directory to write per-connection data and segment files to. Defaults to a directory under flowcap's config directory named after the capture file, or after the interface plus a random ID.")
	flags.BoolVar(&reassembleStdoutFlag, "stdout", false, "Pretty-print reassembled connections to standard output instead of writing files.")
	flags.IntVar(&reassembleWorkersFlag, "workers", 1, "Number of FlowTables to shard packets across by flow hash.")
}

func runReassemble(cmd *cobra.Command, args []string) error {
	if reassembleInterfaceFlag == "" && reassembleReadFileFlag == "" {
		return errors.New("one of --interface or --read-file is required")
	}
	if reassembleWorkersFlag < 1 {
		return errors.New("--workers must be at least 1")
	}

	factory, init, err := buildHandler()
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	go func() {
		<-sigc
		printer.Infoln("stopping capture...")
		close(stop)
	}()

	opts := pcap.Options{
		Interface:  reassembleInterfaceFlag,
		ReadFile:   reassembleReadFileFlag,
		BPFFilter:  reassembleBPFFilterFlag,
		DrainEvery: *pcap.RetiredDrainIntervalFlag,
	}
	return pcap.RunSharded(reassembleWorkersFlag, factory, init, opts, stop)
}

func buildHandler() (connection.HandlerFactory, interface{}, error) {
	if reassembleStdoutFlag {
		return prettyprint.Factory, prettyprint.Init{Out: os.Stdout, Color: printer.Color}, nil
	}

	outDir := reassembleOutDirFlag
	if outDir == "" {
		outDir = cfg.DefaultOutDir(captureName())
	}
	in, err := dirwriter.New(outDir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to prepare output directory")
	}
	printer.Infof("writing reassembled connections to %s\n", outDir)
	return dirwriter.Factory, in, nil
}

func captureName() string {
	if reassembleReadFileFlag != "" {
		return filepath.Base(reassembleReadFileFlag)
	}
	return fmt.Sprintf("%s-%s", reassembleInterfaceFlag, uuid.New().String())
}
