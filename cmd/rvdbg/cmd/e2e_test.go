package cmd

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func runCLI(args []string) (string, error) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		buf.ReadFrom(r)
		close(done)
	}()

	probeAdapterType = "simulator"
	csrAdapterType = "simulator"
	memAdapterType = "simulator"
	verbose = false

	rootCmd.SetArgs(args)
	err := rootCmd.Execute()

	w.Close()
	os.Stdout = old
	<-done

	return buf.String(), err
}

func TestProbeE2E(t *testing.T) {
	output, err := runCLI([]string{"probe", "--adapter", "simulator"})
	if err != nil {
		t.Fatalf("probe: %v\noutput:\n%s", err, output)
	}
	for _, want := range []string{
		"TAP IDCODE:",
		"mfr Xilinx",
		"Debug spec version:    0.13",
		"Program buffer:",
		"Harts discovered:      [0]",
		"Selected hart mhartid: 0",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("probe output missing %q\ngot:\n%s", want, output)
		}
	}
}

// Each CLI invocation opens a fresh simulator, the way a fresh process
// opening real hardware would still see state a prior process left behind
// on the target but not state this test harness can carry between
// in-process Execute() calls against a freshly-constructed fake module.
// Writes are checked by their echoed confirmation; reads are checked
// against the simulator's known power-on defaults.

func TestCSRWriteE2E(t *testing.T) {
	output, err := runCLI([]string{"csr", "write", "0x7c0", "0xcafebabe", "--adapter", "simulator"})
	if err != nil {
		t.Fatalf("csr write: %v", err)
	}
	if !strings.Contains(output, "0xcafebabe") {
		t.Errorf("csr write output missing echoed value\ngot:\n%s", output)
	}
}

func TestCSRReadByNameE2E(t *testing.T) {
	output, err := runCLI([]string{"csr", "read", "misa", "--adapter", "simulator"})
	if err != nil {
		t.Fatalf("csr read misa: %v", err)
	}
	for _, want := range []string{"csr[0x301]", "0x40141101", "via abstract"} {
		if !strings.Contains(output, want) {
			t.Errorf("csr read misa output missing %q\ngot:\n%s", want, output)
		}
	}
}

func TestCSRReadUnknownNameE2E(t *testing.T) {
	if _, err := runCLI([]string{"csr", "read", "not-a-csr"}); err == nil {
		t.Fatalf("csr read not-a-csr: want error, got nil")
	}
}

func TestMemReadDefaultAndWriteEchoE2E(t *testing.T) {
	// riscvdebug.Target itself keeps no cache of memory contents; a
	// write immediately followed by a read within ONE process against
	// the SAME target would round-trip. That requires driving the
	// target type directly rather than through two separate Execute()
	// calls, which is covered by pkg/riscvdebug's own tests; here we
	// only check that the mem subcommand reaches the program buffer at
	// all, via a fresh target's known-zero default.
	output, err := runCLI([]string{"mem", "read", "0x80001000", "--adapter", "simulator"})
	if err != nil {
		t.Fatalf("mem read: %v", err)
	}
	if !strings.Contains(output, "0x00000000") {
		t.Errorf("mem read output missing zero-valued default\ngot:\n%s", output)
	}

	output, err = runCLI([]string{"mem", "write", "0x80001000", "0x11223344", "--adapter", "simulator"})
	if err != nil {
		t.Fatalf("mem write: %v", err)
	}
	if !strings.Contains(output, "0x11223344") {
		t.Errorf("mem write output missing echoed value\ngot:\n%s", output)
	}
}

func TestVerboseFlagE2E(t *testing.T) {
	output, err := runCLI([]string{"probe", "-v", "--adapter", "simulator"})
	if err != nil {
		t.Fatalf("probe -v: %v", err)
	}
	if !strings.Contains(output, "using in-memory simulator") {
		t.Errorf("verbose probe output missing adapter narration\ngot:\n%s", output)
	}
}
