package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rvdbg/dm13/pkg/idcode"
)

var probeAdapterType string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Bring up the target and print its negotiated capabilities",
	Long: `probe opens an adapter, runs the DTM/DMI/abstract-command/program-buffer
bring-up sequence, and prints what it found: debug spec version, DMI address
width, idle cycle count, program buffer depth, abstract data register count,
autoexecdata support, and the harts discovered.

Examples:
  rvdbg probe --adapter simulator
  rvdbg probe --adapter cmsisdap -v`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringVarP(&probeAdapterType, "adapter", "a", "simulator",
		"adapter type (simulator, cmsisdap)")
}

func runProbe(cmd *cobra.Command, args []string) error {
	target, err := openTarget(probeAdapterType)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	fmt.Println("Target brought up successfully.")
	if id := target.IDCode(); id.HasIDCode {
		mfr, _ := idcode.LookupManufacturer(id.ManufacturerCode)
		fmt.Printf("  TAP IDCODE:            %#010x (mfr %s, part %#x, rev %d)\n",
			id.Raw, mfr.Name, id.PartNumber, id.Version)
	}
	fmt.Printf("  Debug spec version:    %s\n", target.Version())
	fmt.Printf("  DMI address width:     %d bits\n", target.Abits())
	fmt.Printf("  Idle cycles:           %d\n", target.Idle())
	fmt.Printf("  Program buffer:        %d words (usable: %t)\n", target.ProgbufSize(), target.ProgbufUsable())
	fmt.Printf("  Abstract data count:   %d\n", target.AbstractDataCount())
	fmt.Printf("  autoexecdata support:  %t\n", target.SupportsAutoexecdata())
	fmt.Printf("  CSR access strategy:   %s\n", target.CSRStrategy())
	fmt.Printf("  Harts discovered:      %v\n", target.Harts())

	id, err := target.MHartID()
	if err != nil {
		fmt.Printf("  Selected hart mhartid: <unavailable: %v>\n", err)
	} else {
		fmt.Printf("  Selected hart mhartid: %d\n", id)
	}

	return nil
}
