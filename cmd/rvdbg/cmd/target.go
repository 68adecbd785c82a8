package cmd

import (
	"fmt"

	"github.com/rvdbg/dm13/pkg/dmtest"
	"github.com/rvdbg/dm13/pkg/jtag"
	"github.com/rvdbg/dm13/pkg/riscvdebug"
)

// createAdapter opens a jtag.Adapter of the given kind. "simulator" backs
// onto an in-memory debug module so the rest of the CLI can be exercised
// without hardware; "cmsisdap" opens the first Raspberry Pi Pico-VID/PID
// CMSIS-DAP probe gousb can find.
func createAdapter(adapterType string) (jtag.Adapter, error) {
	switch adapterType {
	case "simulator", "sim":
		if verbose {
			fmt.Println("using in-memory simulator")
		}
		module := dmtest.New()
		return module.Adapter(), nil

	case "cmsisdap", "cmsis", "dap":
		adapter, err := jtag.NewCMSISDAPAdapter(jtag.VendorIDRaspberryPi, jtag.ProductIDCMSISDAP)
		if err != nil {
			return nil, fmt.Errorf("open CMSIS-DAP probe: %w", err)
		}
		return adapter, nil

	default:
		return nil, fmt.Errorf("unknown adapter type %q (supported: simulator, cmsisdap)", adapterType)
	}
}

// openTarget opens adapterType and brings up a riscvdebug.Target on it.
func openTarget(adapterType string) (*riscvdebug.Target, error) {
	adapter, err := createAdapter(adapterType)
	if err != nil {
		return nil, err
	}
	target := riscvdebug.New(adapter, log)
	if err := target.Init(); err != nil {
		return nil, fmt.Errorf("init target: %w", err)
	}
	return target, nil
}
