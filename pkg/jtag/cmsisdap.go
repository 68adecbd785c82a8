package jtag

import (
	"fmt"
	"sync"

	"github.com/rvdbg/dm13/pkg/tap"
)

// CMSISDAPAdapter implements Adapter on top of a CMSIS-DAP probe reachable
// over USB. The probe only exposes a raw TMS/TDI sequencer
// (DAP_JTAG_Sequence, one TMS value per sequence), so WriteIR and ShiftDR
// each drive a local tap.StateMachine to compute the TMS path to and from
// Shift-IR / Shift-DR, then split the data shift itself into two sequences:
// all-but-the-last bit held in the shift state (TMS=0), and the final bit
// clocked with TMS=1 to exit into Exit1-IR/Exit1-DR.
type CMSISDAPAdapter struct {
	transport *USBTransport
	protocol  *CMSISDAPProtocol
	fsm       *tap.StateMachine

	info    AdapterInfo
	speedHz int

	mu sync.Mutex
}

// NewCMSISDAPAdapter creates a new CMSIS-DAP adapter.
func NewCMSISDAPAdapter(vid, pid uint16) (*CMSISDAPAdapter, error) {
	transport, err := NewUSBTransport(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open USB device: %w", err)
	}

	adapter := &CMSISDAPAdapter{
		transport: transport,
		protocol:  NewCMSISDAPProtocol(transport.GetPacketSize()),
		fsm:       tap.NewStateMachine(),
		speedHz:   1_000_000,
	}

	if err := adapter.queryInfo(); err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to query device info: %w", err)
	}

	if err := adapter.connect(); err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to connect to JTAG: %w", err)
	}

	if err := adapter.SetSpeed(adapter.speedHz); err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to set default speed: %w", err)
	}

	if err := adapter.resetLocked(); err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to reset TAP: %w", err)
	}

	return adapter, nil
}

func (a *CMSISDAPAdapter) queryInfo() error {
	cmd := a.protocol.EncodeInfo(InfoVendorID)
	resp, err := a.transport.WriteRead(cmd)
	if err != nil {
		return err
	}
	vendor, _ := a.protocol.DecodeInfo(resp)

	cmd = a.protocol.EncodeInfo(InfoProductID)
	resp, _ = a.transport.WriteRead(cmd)
	product, _ := a.protocol.DecodeInfo(resp)

	cmd = a.protocol.EncodeInfo(InfoSerialNum)
	resp, _ = a.transport.WriteRead(cmd)
	serial, _ := a.protocol.DecodeInfo(resp)

	cmd = a.protocol.EncodeInfo(InfoFirmwareVer)
	resp, _ = a.transport.WriteRead(cmd)
	firmware, _ := a.protocol.DecodeInfo(resp)

	a.info = AdapterInfo{
		Name:         "CMSIS-DAP Probe",
		Vendor:       vendor,
		Model:        product,
		SerialNumber: serial,
		Firmware:     firmware,
		MinFrequency: 1000,
		MaxFrequency: 10_000_000,
	}

	return nil
}

func (a *CMSISDAPAdapter) connect() error {
	cmd := a.protocol.EncodeConnect(PortJTAG)
	resp, err := a.transport.WriteRead(cmd)
	if err != nil {
		return err
	}

	port, err := a.protocol.DecodeConnect(resp)
	if err != nil {
		return err
	}
	if port != PortJTAG {
		return fmt.Errorf("failed to connect to JTAG (got port %d)", port)
	}
	return nil
}

// Info returns adapter capabilities.
func (a *CMSISDAPAdapter) Info() (AdapterInfo, error) {
	return a.info, nil
}

// WriteIR drives the TAP into Shift-IR, shifts value's five bits LSB-first
// with the last bit exiting to Exit1-IR, then returns to Run-Test/Idle.
func (a *CMSISDAPAdapter) WriteIR(value uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.gotoState(tap.StateShiftIR); err != nil {
		return err
	}
	if _, err := a.shiftBits([]byte{value & 0x1F}, 5); err != nil {
		return err
	}
	return a.gotoState(tap.StateRunTestIdle)
}

// ShiftDR drives the TAP into Shift-DR, shifts nbits, then returns to
// Run-Test/Idle.
func (a *CMSISDAPAdapter) ShiftDR(tdi []byte, nbits int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := ValidateShiftBuffer(tdi, nbits); err != nil {
		return nil, err
	}

	if err := a.gotoState(tap.StateShiftDR); err != nil {
		return nil, err
	}

	padded := make([]byte, (nbits+7)/8)
	copy(padded, tdi)

	tdo, err := a.shiftBits(padded, nbits)
	if err != nil {
		return nil, err
	}
	if err := a.gotoState(tap.StateRunTestIdle); err != nil {
		return nil, err
	}
	return tdo, nil
}

// shiftBits shifts nbits of data while the FSM is already in a Shift-IR/DR
// state, exiting on the last bit (TMS=1). It returns the captured TDO bits,
// packed little-endian, for callers that need them (ShiftDR); WriteIR
// discards them.
func (a *CMSISDAPAdapter) shiftBits(tdi []byte, nbits int) ([]byte, error) {
	bits := unpackBits(tdi, nbits)

	var sequences []JTAGSequence
	bulkBits := nbits - 1
	if bulkBits > 0 {
		sequences = append(sequences, NewJTAGSequence(bulkBits, false, true, packBits(bits[:bulkBits])))
	}
	sequences = append(sequences, NewJTAGSequence(1, true, true, packBits(bits[bulkBits:])))

	cmd := a.protocol.EncodeJTAGSequence(sequences)
	resp, err := a.transport.WriteRead(cmd)
	if err != nil {
		return nil, fmt.Errorf("shift failed: %w", err)
	}
	tdoSeqs, err := a.protocol.DecodeJTAGSequence(resp, sequences)
	if err != nil {
		return nil, err
	}

	for i := range bits {
		a.fsm.Clock(i == nbits-1)
	}

	var tdoBits []bool
	if bulkBits > 0 {
		tdoBits = append(tdoBits, unpackBits(tdoSeqs[0], bulkBits)...)
	}
	tdoBits = append(tdoBits, unpackBits(tdoSeqs[len(tdoSeqs)-1], 1)...)
	return packBits(tdoBits), nil
}

// TMSSequence emits count raw TCK cycles driven by pattern (little-endian,
// LSB of byte 0 first), splitting into CMSIS-DAP sequences whenever the TMS
// value changes or the 64-bit-per-sequence ceiling is hit. It is used for
// idle padding and soft TAP resets.
func (a *CMSISDAPAdapter) TMSSequence(pattern []byte, count int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if count <= 0 {
		return nil
	}

	var sequences []JTAGSequence
	pos := 0
	for pos < count {
		cur := patternBit(pattern, pos)
		run := 1
		for pos+run < count && run < 64 && patternBit(pattern, pos+run) == cur {
			run++
		}
		sequences = append(sequences, NewJTAGSequence(run, cur, false, make([]byte, (run+7)/8)))
		for i := 0; i < run; i++ {
			a.fsm.Clock(cur)
		}
		pos += run
	}

	cmd := a.protocol.EncodeJTAGSequence(sequences)
	resp, err := a.transport.WriteRead(cmd)
	if err != nil {
		return fmt.Errorf("TMS sequence failed: %w", err)
	}
	_, err = a.protocol.DecodeJTAGSequence(resp, sequences)
	return err
}

func patternBit(pattern []byte, pos int) bool {
	if len(pattern) == 0 {
		return false
	}
	idx := pos / 8
	if idx >= len(pattern) {
		idx = len(pattern) - 1
	}
	return pattern[idx]&(1<<(uint(pos)%8)) != 0
}

// resetLocked issues the IEEE-recommended five TMS=1 cycles and resyncs the
// local state tracker to Test-Logic-Reset.
func (a *CMSISDAPAdapter) resetLocked() error {
	seq := a.fsm.Reset()
	return a.applySequence(seq)
}

// gotoState walks the FSM's computed TMS path to target, one CMSIS-DAP
// sequence per constant-TMS run.
func (a *CMSISDAPAdapter) gotoState(target tap.State) error {
	seq, err := a.fsm.GoTo(target)
	if err != nil {
		return err
	}
	return a.applySequence(seq)
}

func (a *CMSISDAPAdapter) applySequence(seq tap.Sequence) error {
	if len(seq.TMS) == 0 {
		return nil
	}

	var sequences []JTAGSequence
	pos := 0
	for pos < len(seq.TMS) {
		cur := seq.TMS[pos]
		run := 1
		for pos+run < len(seq.TMS) && run < 64 && seq.TMS[pos+run] == cur {
			run++
		}
		sequences = append(sequences, NewJTAGSequence(run, cur, false, make([]byte, (run+7)/8)))
		pos += run
	}

	cmd := a.protocol.EncodeJTAGSequence(sequences)
	resp, err := a.transport.WriteRead(cmd)
	if err != nil {
		return fmt.Errorf("TAP navigation failed: %w", err)
	}
	_, err = a.protocol.DecodeJTAGSequence(resp, sequences)
	return err
}

func unpackBits(data []byte, nbits int) []bool {
	bits := make([]bool, nbits)
	for i := 0; i < nbits; i++ {
		byteIdx := i / 8
		if byteIdx >= len(data) {
			break
		}
		bits[i] = data[byteIdx]&(1<<uint(i%8)) != 0
	}
	return bits
}

func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// SetSpeed sets the TCK frequency.
func (a *CMSISDAPAdapter) SetSpeed(hz int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if hz < a.info.MinFrequency || hz > a.info.MaxFrequency {
		return fmt.Errorf("frequency %d Hz out of range [%d, %d]",
			hz, a.info.MinFrequency, a.info.MaxFrequency)
	}

	cmd := a.protocol.EncodeSetClock(uint32(hz))
	resp, err := a.transport.WriteRead(cmd)
	if err != nil {
		return fmt.Errorf("set speed failed: %w", err)
	}
	if err := a.protocol.DecodeSetClock(resp); err != nil {
		return err
	}

	a.speedHz = hz
	return nil
}

// Close disconnects and releases resources.
func (a *CMSISDAPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cmd := a.protocol.EncodeDisconnect()
	a.transport.WriteRead(cmd)

	return a.transport.Close()
}
