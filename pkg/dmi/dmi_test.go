package dmi

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rvdbg/dm13/pkg/dmtest"
	"github.com/rvdbg/dm13/pkg/jtag"
)

func newTransport(t *testing.T, module *dmtest.Module) (*Transport, *jtag.SimAdapter) {
	t.Helper()
	adapter := module.Adapter()
	sim, ok := adapter.(*jtag.SimAdapter)
	if !ok {
		t.Fatalf("dmtest.Module.Adapter() did not return a *jtag.SimAdapter")
	}
	return New(sim, nil), sim
}

func TestInitBringUp(t *testing.T) {
	module := dmtest.New()
	module.Abits = 17
	module.Idle = 7
	module.Version = 1

	transport, sim := newTransport(t, module)
	if err := transport.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if transport.Version() != Version013 {
		t.Fatalf("Version = %v, want 0.13", transport.Version())
	}
	if transport.Abits() != 17 {
		t.Fatalf("Abits = %d, want 17", transport.Abits())
	}
	if transport.Idle() != 7 {
		t.Fatalf("Idle = %d, want 7", transport.Idle())
	}
	if sim.CurrentIR() != irDMI {
		t.Fatalf("final IR = %#x, want IR_DMI", sim.CurrentIR())
	}
}

func TestInitRejectsUnsupportedVersion(t *testing.T) {
	module := dmtest.New()
	module.Version = 0 // 0.11

	transport, _ := newTransport(t, module)
	err := transport.Init()
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Init error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	module := dmtest.New()
	transport, _ := newTransport(t, module)
	if err := transport.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	const addr = 0x04
	if err := transport.Write(addr, 0x0003_02a2); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := transport.Read(addr)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != 0x0003_02a2 {
		t.Fatalf("Read = %#x, want %#x", got, 0x0003_02a2)
	}

	want := transport.encodePayload(addr, 0, opRead)
	if !bytes.Equal(transport.LastDMI(), want) {
		t.Fatalf("last_dmi = %x, want %x (the shifted payload, verbatim)", transport.LastDMI(), want)
	}
}

func TestInterruptedRetry(t *testing.T) {
	module := dmtest.New()
	module.Idle = 7
	transport, sim := newTransport(t, module)
	if err := transport.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	const addr = 0x04
	if err := transport.Write(addr, 0x0003_02a2); err != nil {
		t.Fatalf("Write: %v", err)
	}

	module.InjectInterruptedOnce(addr, 1)
	_, before := sim.Counts()

	got, err := transport.Read(addr)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != 0x0003_02a2 {
		t.Fatalf("Read after retry = %#x, want %#x", got, 0x0003_02a2)
	}

	_, after := sim.Counts()
	if after-before < int(module.Idle)-1 {
		t.Fatalf("tms cycles grew by %d, want at least idle-1=%d from the recovery padding", after-before, module.Idle-1)
	}
}

func TestOpFailedResetsAndSurfacesError(t *testing.T) {
	module := dmtest.New()
	module.InjectOpFailedOnce(0x04, 1)

	transport, sim := newTransport(t, module)
	if err := transport.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, err := transport.Read(0x04)
	if !errors.Is(err, ErrOpFailed) {
		t.Fatalf("Read error = %v, want ErrOpFailed", err)
	}
	if sim.CurrentIR() != irDMI {
		t.Fatalf("IR after op-failed recovery = %#x, want IR_DMI restored", sim.CurrentIR())
	}

	// dmireset recovery must leave the transport usable for the next op.
	if err := transport.Write(0x04, 0x1234); err != nil {
		t.Fatalf("Write after recovery: %v", err)
	}
	got, err := transport.Read(0x04)
	if err != nil {
		t.Fatalf("Read after recovery: %v", err)
	}
	if got != 0x1234 {
		t.Fatalf("Read after recovery = %#x, want 0x1234", got)
	}
}

func TestSpinExceeded(t *testing.T) {
	module := dmtest.New()
	module.InjectInterruptedOnce(0x04, 100)

	transport, _ := newTransport(t, module)
	transport.SetRetryLimit(3)
	if err := transport.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, err := transport.Read(0x04)
	if !errors.Is(err, ErrSpinExceeded) {
		t.Fatalf("Read error = %v, want ErrSpinExceeded", err)
	}
}
