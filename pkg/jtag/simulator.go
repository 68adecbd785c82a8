package jtag

import "fmt"

// ShiftHook lets a test emulate a device's TDO behavior for a DR shift. ir
// reports the instruction register value active at the time of the shift, so
// a hook can distinguish, e.g., a DTMCS scan from a DMI scan.
type ShiftHook func(ir uint8, tdi []byte, bits int) ([]byte, error)

// ShiftOp captures the last DR shift invocation for inspection within tests.
type ShiftOp struct {
	IR   uint8
	TDI  []byte
	Bits int
}

// SimAdapter is an in-memory Adapter useful for unit tests. It tracks the
// currently selected instruction register and can emulate register-specific
// TDO behavior via OnShiftDR.
type SimAdapter struct {
	InfoData AdapterInfo
	SpeedHz  int

	OnShiftDR ShiftHook

	currentIR uint8
	lastShift ShiftOp
	tmsCycles int
	irWrites  int
}

// NewSimAdapter constructs a simulator configured with the provided AdapterInfo.
func NewSimAdapter(info AdapterInfo) *SimAdapter {
	return &SimAdapter{InfoData: info}
}

// CurrentIR returns the most recently written instruction register value.
func (s *SimAdapter) CurrentIR() uint8 {
	return s.currentIR
}

// LastShift returns a copy of the most recent DR shift request.
func (s *SimAdapter) LastShift() ShiftOp {
	return ShiftOp{
		IR:   s.lastShift.IR,
		TDI:  append([]byte(nil), s.lastShift.TDI...),
		Bits: s.lastShift.Bits,
	}
}

// Counts reports how many TMS cycles and IR writes this adapter has seen,
// useful for asserting that a retry loop actually re-drove the TAP.
func (s *SimAdapter) Counts() (tmsCycles, irWrites int) {
	return s.tmsCycles, s.irWrites
}

func (s *SimAdapter) Info() (AdapterInfo, error) {
	return s.InfoData, nil
}

func (s *SimAdapter) WriteIR(value uint8) error {
	s.currentIR = value & 0x1F
	s.irWrites++
	return nil
}

func (s *SimAdapter) ShiftDR(tdi []byte, bits int) ([]byte, error) {
	if _, err := ValidateShiftBuffer(tdi, bits); err != nil {
		return nil, err
	}

	s.lastShift = ShiftOp{
		IR:   s.currentIR,
		TDI:  append([]byte(nil), tdi...),
		Bits: bits,
	}

	if s.OnShiftDR != nil {
		return s.OnShiftDR(s.currentIR, tdi, bits)
	}

	// Default: echo TDI to TDO to keep tests predictable.
	required := (bits + 7) / 8
	tdo := make([]byte, required)
	copy(tdo, tdi)
	return tdo, nil
}

func (s *SimAdapter) TMSSequence(pattern []byte, count int) error {
	if count < 0 {
		return fmt.Errorf("jtag: negative TMS count")
	}
	s.tmsCycles += count
	return nil
}

func (s *SimAdapter) SetSpeed(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("jtag: invalid speed %dHz", hz)
	}
	s.SpeedHz = hz
	return nil
}
