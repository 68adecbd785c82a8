package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var memAdapterType string

var memCmd = &cobra.Command{
	Use:   "mem",
	Short: "Read or write target memory, word-granularity, via the program buffer",
}

var memReadCmd = &cobra.Command{
	Use:   "read <addr>",
	Short: "Read a 32-bit word of target memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemRead,
}

var memWriteCmd = &cobra.Command{
	Use:   "write <addr> <value>",
	Short: "Write a 32-bit word of target memory",
	Args:  cobra.ExactArgs(2),
	RunE:  runMemWrite,
}

func init() {
	rootCmd.AddCommand(memCmd)
	memCmd.AddCommand(memReadCmd)
	memCmd.AddCommand(memWriteCmd)

	memCmd.PersistentFlags().StringVarP(&memAdapterType, "adapter", "a", "simulator",
		"adapter type (simulator, cmsisdap)")
}

func runMemRead(cmd *cobra.Command, args []string) error {
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[0], err)
	}

	target, err := openTarget(memAdapterType)
	if err != nil {
		return fmt.Errorf("mem read: %w", err)
	}

	value, err := target.ReadMem(uint32(addr))
	if err != nil {
		return fmt.Errorf("mem read %#x: %w", addr, err)
	}
	fmt.Printf("mem[%#010x] = %#010x\n", addr, value)
	return nil
}

func runMemWrite(cmd *cobra.Command, args []string) error {
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[0], err)
	}
	value, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", args[1], err)
	}

	target, err := openTarget(memAdapterType)
	if err != nil {
		return fmt.Errorf("mem write: %w", err)
	}

	if err := target.WriteMem(uint32(addr), uint32(value)); err != nil {
		return fmt.Errorf("mem write %#x: %w", addr, err)
	}
	fmt.Printf("mem[%#010x] := %#010x\n", addr, value)
	return nil
}
