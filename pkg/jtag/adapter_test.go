package jtag

import (
	"bytes"
	"testing"
)

func TestValidateShiftBuffer(t *testing.T) {
	if _, err := ValidateShiftBuffer(nil, 0); err == nil {
		t.Fatalf("expected error for zero bits")
	}

	if _, err := ValidateShiftBuffer([]byte{0x00}, 16); err == nil {
		t.Fatalf("expected error when tdi buffer too small")
	}

	if _, err := ValidateShiftBuffer([]byte{0x01}, 8); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSimAdapterEchoShift(t *testing.T) {
	sim := NewSimAdapter(AdapterInfo{Name: "sim"})
	if err := sim.WriteIR(0x11); err != nil {
		t.Fatalf("WriteIR returned error: %v", err)
	}

	tdo, err := sim.ShiftDR([]byte{0xCC}, 8)
	if err != nil {
		t.Fatalf("ShiftDR returned error: %v", err)
	}
	if !bytes.Equal(tdo, []byte{0xCC}) {
		t.Fatalf("tdo = %X, want CC", tdo)
	}

	last := sim.LastShift()
	if last.IR != 0x11 || last.Bits != 8 {
		t.Fatalf("unexpected last shift metadata: %+v", last)
	}
}

func TestSimAdapterHook(t *testing.T) {
	sim := NewSimAdapter(AdapterInfo{Name: "sim"})
	sim.OnShiftDR = func(ir uint8, _ []byte, bits int) ([]byte, error) {
		if ir != 0x10 || bits != 32 {
			t.Fatalf("unexpected hook args: ir=%d bits=%d", ir, bits)
		}
		return []byte{0x00, 0x71, 0x00, 0x00}, nil
	}

	if err := sim.WriteIR(0x10); err != nil {
		t.Fatalf("WriteIR returned error: %v", err)
	}
	tdo, err := sim.ShiftDR(nil, 32)
	if err != nil {
		t.Fatalf("ShiftDR returned error: %v", err)
	}
	if !bytes.Equal(tdo, []byte{0x00, 0x71, 0x00, 0x00}) {
		t.Fatalf("tdo = %X, want 00710000", tdo)
	}
}

func TestSimAdapterSpeedAndTMS(t *testing.T) {
	sim := NewSimAdapter(AdapterInfo{})
	if err := sim.SetSpeed(1_000_000); err != nil {
		t.Fatalf("SetSpeed returned error: %v", err)
	}
	if err := sim.SetSpeed(0); err == nil {
		t.Fatalf("expected error for zero speed")
	}

	if err := sim.TMSSequence([]byte{0x1F}, 5); err != nil {
		t.Fatalf("TMSSequence returned error: %v", err)
	}
	if err := sim.TMSSequence(nil, 6); err != nil {
		t.Fatalf("TMSSequence returned error: %v", err)
	}
	if cycles, _ := sim.Counts(); cycles != 11 {
		t.Fatalf("tmsCycles = %d, want 11", cycles)
	}
}
