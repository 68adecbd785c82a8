package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose bool

	log = newDefaultLogger()
)

var rootCmd = &cobra.Command{
	Use:   "rvdbg",
	Short: "RISC-V external debug support (0.13) bring-up and probing tool",
	Long: `rvdbg drives a RISC-V target's Debug Module over JTAG: bring-up and
capability negotiation, hart discovery, and CSR/memory peek-and-poke via the
abstract command engine or the program buffer.

Examples:
  rvdbg probe --adapter simulator                  # bring up and print capabilities
  rvdbg csr read mhartid --adapter simulator        # read a CSR by name or number
  rvdbg mem read 0x80001000 --adapter simulator     # read a memory word`,
	Version: "0.13.0",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose protocol tracing")
	cobra.OnInitialize(func() {
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		} else {
			log.SetLevel(logrus.WarnLevel)
		}
	})
}

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}
