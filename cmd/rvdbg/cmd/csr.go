package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var csrAdapterType string

// csrAliases maps the CSR names the debug spec and common RISC-V tooling
// refer to by name rather than number.
var csrAliases = map[string]uint32{
	"misa":    0x301,
	"mhartid": 0xf14,
	"dcsr":    0x7b0,
	"dpc":     0x7b1,
}

var csrCmd = &cobra.Command{
	Use:   "csr",
	Short: "Read or write a CSR on the currently selected hart",
}

var csrReadCmd = &cobra.Command{
	Use:   "read <csr>",
	Short: "Read a CSR by numeric ID or name",
	Args:  cobra.ExactArgs(1),
	RunE:  runCSRRead,
}

var csrWriteCmd = &cobra.Command{
	Use:   "write <csr> <value>",
	Short: "Write a CSR by numeric ID or name",
	Args:  cobra.ExactArgs(2),
	RunE:  runCSRWrite,
}

func init() {
	rootCmd.AddCommand(csrCmd)
	csrCmd.AddCommand(csrReadCmd)
	csrCmd.AddCommand(csrWriteCmd)

	csrCmd.PersistentFlags().StringVarP(&csrAdapterType, "adapter", "a", "simulator",
		"adapter type (simulator, cmsisdap)")
}

func resolveCSR(s string) (uint32, error) {
	if csr, ok := csrAliases[s]; ok {
		return csr, nil
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid CSR %q: not a known name or a parseable number: %w", s, err)
	}
	return uint32(v), nil
}

func runCSRRead(cmd *cobra.Command, args []string) error {
	csr, err := resolveCSR(args[0])
	if err != nil {
		return err
	}

	target, err := openTarget(csrAdapterType)
	if err != nil {
		return fmt.Errorf("csr read: %w", err)
	}

	value, err := target.ReadCSR(csr)
	if err != nil {
		return fmt.Errorf("csr read %s: %w", args[0], err)
	}
	fmt.Printf("csr[%#x] = %#010x (via %s)\n", csr, value, target.CSRStrategy())
	return nil
}

func runCSRWrite(cmd *cobra.Command, args []string) error {
	csr, err := resolveCSR(args[0])
	if err != nil {
		return err
	}
	value, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", args[1], err)
	}

	target, err := openTarget(csrAdapterType)
	if err != nil {
		return fmt.Errorf("csr write: %w", err)
	}

	if err := target.WriteCSR(csr, uint32(value)); err != nil {
		return fmt.Errorf("csr write %s: %w", args[0], err)
	}
	fmt.Printf("csr[%#x] := %#010x (via %s)\n", csr, value, target.CSRStrategy())
	return nil
}
