package riscvdebug

import (
	"errors"
	"testing"

	"github.com/rvdbg/dm13/pkg/dmtest"
)

func newTarget(t *testing.T, module *dmtest.Module) *Target {
	t.Helper()
	target := New(module.Adapter(), nil)
	if err := target.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return target
}

func TestInitProbesIDCode(t *testing.T) {
	target := newTarget(t, dmtest.New())

	id := target.IDCode()
	if !id.HasIDCode {
		t.Fatalf("IDCode().HasIDCode = false, want true")
	}
	if id.ManufacturerCode != 0x031 {
		t.Fatalf("IDCode().ManufacturerCode = %#x, want 0x031 (Xilinx)", id.ManufacturerCode)
	}
	if id.PartNumber != 0x4BA0 {
		t.Fatalf("IDCode().PartNumber = %#x, want 0x4BA0", id.PartNumber)
	}
}

func TestInitDiscoversHartAndStrategies(t *testing.T) {
	target := newTarget(t, dmtest.New())

	if got := target.Harts(); len(got) != 1 {
		t.Fatalf("Harts() = %v, want 1 hart", got)
	}
	if target.csrStrategy != strategyAbstract {
		t.Fatalf("csrStrategy = %v, want strategyAbstract", target.csrStrategy)
	}
	if target.memStrategy != strategyProgbuf {
		t.Fatalf("memStrategy = %v, want strategyProgbuf", target.memStrategy)
	}
}

func TestReadWriteCSRViaAbstractCommand(t *testing.T) {
	target := newTarget(t, dmtest.New())

	if err := target.WriteCSR(0x7c0, 0x12345678); err != nil {
		t.Fatalf("WriteCSR: %v", err)
	}
	got, err := target.ReadCSR(0x7c0)
	if err != nil {
		t.Fatalf("ReadCSR: %v", err)
	}
	if got != 0x12345678 {
		t.Fatalf("ReadCSR = %#x, want 0x12345678", got)
	}
}

func TestReadWriteMemViaProgramBuffer(t *testing.T) {
	target := newTarget(t, dmtest.New())

	const addr = 0x2000_0000
	if err := target.WriteMem(addr, 0xdeadbeef); err != nil {
		t.Fatalf("WriteMem: %v", err)
	}
	got, err := target.ReadMem(addr)
	if err != nil {
		t.Fatalf("ReadMem: %v", err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("ReadMem = %#x, want 0xdeadbeef", got)
	}
}

func TestCSRFallsBackToProgramBufferWhenAbstractUnsupported(t *testing.T) {
	module := dmtest.New()
	module.AbstractCSRUnsupported = true
	target := newTarget(t, module)

	if target.csrStrategy != strategyProgbuf {
		t.Fatalf("csrStrategy = %v, want strategyProgbuf", target.csrStrategy)
	}

	if err := target.WriteCSR(0x7c0, 0xabcd1234); err != nil {
		t.Fatalf("WriteCSR: %v", err)
	}
	got, err := target.ReadCSR(0x7c0)
	if err != nil {
		t.Fatalf("ReadCSR: %v", err)
	}
	if got != 0xabcd1234 {
		t.Fatalf("ReadCSR = %#x, want 0xabcd1234", got)
	}
}

func TestCSRUnsupportedWithoutProgramBufferFails(t *testing.T) {
	module := dmtest.New()
	module.AbstractCSRUnsupported = true
	module.ProgbufSize = 0

	target := New(module.Adapter(), nil)
	err := target.Init()
	if err == nil {
		t.Fatalf("Init: want error, got nil")
	}
	var cmdErr *AbstractCommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Init error = %v (%T), want *AbstractCommandError", err, err)
	}
}

func TestMemoryUnavailableWithoutProgramBuffer(t *testing.T) {
	module := dmtest.New()
	module.ProgbufSize = 0
	target := newTarget(t, module)

	_, err := target.ReadMem(0x1000)
	var usageErr *UsageError
	if !errors.As(err, &usageErr) {
		t.Fatalf("ReadMem error = %v (%T), want *UsageError", err, err)
	}
}

func TestSelectHartOutOfRange(t *testing.T) {
	target := newTarget(t, dmtest.New())

	err := target.SelectHart(5)
	var usageErr *UsageError
	if !errors.As(err, &usageErr) {
		t.Fatalf("SelectHart error = %v (%T), want *UsageError", err, err)
	}
}

func TestMultiHartSelectAndMHartID(t *testing.T) {
	module := dmtest.New()
	module.Harts = []*dmtest.Hart{
		{MHartID: 0, CSRs: map[uint32]uint32{0xf14: 0, 0x301: 0x40141101}},
		{MHartID: 1, CSRs: map[uint32]uint32{0xf14: 1, 0x301: 0x40141101}},
	}
	module.HartSelValid = 2
	target := newTarget(t, module)

	if len(target.Harts()) != 2 {
		t.Fatalf("Harts() = %v, want 2 harts", target.Harts())
	}

	id, err := target.MHartID()
	if err != nil {
		t.Fatalf("MHartID: %v", err)
	}
	if id != 0 {
		t.Fatalf("MHartID() = %d, want 0", id)
	}

	if err := target.SelectHart(1); err != nil {
		t.Fatalf("SelectHart(1): %v", err)
	}
	id, err = target.MHartID()
	if err != nil {
		t.Fatalf("MHartID: %v", err)
	}
	if id != 1 {
		t.Fatalf("MHartID() after SelectHart(1) = %d, want 1", id)
	}
}

func TestDeadTargetFailsFastAfterTransportError(t *testing.T) {
	module := dmtest.New()
	target := newTarget(t, module)

	module.InjectOpFailedOnce(0x04, 1000) // force every data0 access to fail
	if _, err := target.ReadCSR(0x301); err == nil {
		t.Fatalf("ReadCSR: want error once op=failed is injected")
	}

	if _, err := target.ReadCSR(0x301); err == nil {
		t.Fatalf("ReadCSR after failure: want sticky error, got nil")
	} else if !errors.Is(err, target.dead) {
		t.Fatalf("ReadCSR after failure = %v, want the same sticky error %v", err, target.dead)
	}
}
