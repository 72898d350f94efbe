package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowcap/flowcap/printer"
	"github.com/flowcap/flowcap/util"
)

var debugFlag bool

var rootCmd = &cobra.Command{
	Use:           "flowcap",
	Short:         "Reassembles TCP flows from packet captures.",
	Long:          "flowcap ingests packets from a live interface or a capture file, reassembles each TCP connection's two byte streams, and hands the result to a pluggable output handler.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command, printing usage and translating a
// returned util.ExitError into the matching process exit code.
func Execute() {
	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return
	}

	cmd.Println(cmd.UsageString())

	exitCode := 1
	var exitErr util.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode
	}
	printer.Stderr.Errorf("%v\n", err)
	os.Exit(exitCode)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Output additional debugging information.")
	rootCmd.PersistentFlags().MarkHidden("debug")
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase logging verbosity; repeatable.")
	viper.BindPFlag("verbose-level", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(reassembleCmd)
}
