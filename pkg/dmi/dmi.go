// Package dmi implements the RISC-V debug spec 0.13 DTM access primitive and
// the DMI read/write engine layered on top of it: dtmcs probing, dmireset /
// dmihardreset, and the address/data/op scan with its op=interrupted retry
// protocol.
package dmi

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rvdbg/dm13/pkg/jtag"
)

// DTM instruction register values. 0x00 is reserved for BYPASS by
// convention; 0x12-0x17 are reserved.
const (
	irIDCODE uint8 = 0x01
	irDTMCS  uint8 = 0x10
	irDMI    uint8 = 0x11
	irBypass uint8 = 0x1f
)

// Version is the RISC-V External Debug Support version reported by dtmcs.
type Version uint8

const (
	Version011     Version = 0
	Version013     Version = 1
	VersionUnknown Version = 15
)

func (v Version) String() string {
	switch v {
	case Version011:
		return "0.11"
	case Version013:
		return "0.13"
	default:
		return "unknown"
	}
}

const (
	dtmcsDMIReset     = 1 << 16
	dtmcsDMIHardReset = 1 << 17
)

const (
	opNop   = 0
	opRead  = 1
	opWrite = 2
)

// Response codes carried in the op field of a DMI scan result.
const (
	RespNoError     = 0
	RespReserved    = 1
	RespOpFailed    = 2
	RespInterrupted = 3
)

// ErrOpFailed reports a fatal op=failed response from the Debug Module.
var ErrOpFailed = errors.New("dmi: op failed")

// ErrSpinExceeded reports that a busy/interrupted retry loop exceeded its
// configured bound without the target settling.
var ErrSpinExceeded = errors.New("dmi: retry bound exceeded")

// ErrUnsupportedVersion reports a debug spec version this driver rejects.
var ErrUnsupportedVersion = errors.New("dmi: unsupported debug spec version")

// DefaultRetryLimit bounds the op=interrupted retry loop in Read/Write. The
// source's retry loop has no bound (a goto-driven spin); this is the
// configurable cap the design notes call for.
const DefaultRetryLimit = 32

// Transport is the DTM/DMI engine for one scan-chain device. It owns the TAP
// adapter exclusively for the duration of any DMI sequence; callers must not
// interleave unrelated TAP traffic with Transport method calls.
type Transport struct {
	adapter jtag.Adapter
	log     *logrus.Logger

	version Version
	abits   uint8
	idle    uint8

	lastDMI []byte // most recent payload shifted with a no-error response

	retryLimit int
}

// New constructs a Transport over adapter. A nil logger is replaced with a
// default logrus.Logger at WarnLevel.
func New(adapter jtag.Adapter, log *logrus.Logger) *Transport {
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
	}
	return &Transport{
		adapter:    adapter,
		log:        log,
		retryLimit: DefaultRetryLimit,
	}
}

// SetRetryLimit overrides the default op=interrupted retry bound.
func (t *Transport) SetRetryLimit(n int) {
	if n > 0 {
		t.retryLimit = n
	}
}

// Version reports the negotiated debug spec version.
func (t *Transport) Version() Version { return t.version }

// Abits reports the negotiated DMI address width in bits.
func (t *Transport) Abits() uint8 { return t.abits }

// Idle reports the configured run-test/idle cycle count.
func (t *Transport) Idle() uint8 { return t.idle }

// LastDMI returns the most recently confirmed DMI scan payload, the buffer
// the interrupted-retry path replays verbatim rather than re-deriving.
func (t *Transport) LastDMI() []byte { return t.lastDMI }

// ReadIDCode shifts IR_IDCODE and returns the raw 32-bit IDCODE, the
// standard IEEE 1149.1 register every compliant TAP exposes independently
// of the RISC-V debug registers. Callers that want the decoded JEP106
// manufacturer/part fields use pkg/idcode on the result.
func (t *Transport) ReadIDCode() (uint32, error) {
	if err := t.adapter.WriteIR(irIDCODE); err != nil {
		return 0, fmt.Errorf("dmi: select IR_IDCODE: %w", err)
	}
	tdo, err := t.adapter.ShiftDR(make([]byte, 4), 32)
	if err != nil {
		return 0, fmt.Errorf("dmi: shift idcode: %w", err)
	}
	return decodeLE32(tdo), nil
}

// Init reads dtmcs, rejects unsupported versions, performs a dmihardreset,
// and leaves the TAP's IR pointed at IR_DMI ready for Read/Write.
func (t *Transport) Init() error {
	raw, err := t.dtmcsScan(0)
	if err != nil {
		return fmt.Errorf("dmi: read dtmcs: %w", err)
	}

	t.version = Version(raw & 0xf)
	t.abits = uint8((raw >> 4) & 0x3f)
	t.idle = uint8((raw >> 12) & 0x7)

	t.log.WithFields(logrus.Fields{
		"version": t.version,
		"abits":   t.abits,
		"idle":    t.idle,
	}).Debug("dmi: dtmcs probed")

	if t.version != Version013 {
		return fmt.Errorf("dmi: version %s: %w", t.version, ErrUnsupportedVersion)
	}

	if _, err := t.dtmcsScan(dtmcsDMIHardReset); err != nil {
		return fmt.Errorf("dmi: dmihardreset: %w", err)
	}

	if err := t.adapter.WriteIR(irDMI); err != nil {
		return fmt.Errorf("dmi: select IR_DMI: %w", err)
	}

	return nil
}

// dtmcsScan shifts value into dtmcs via IR_DTMCS and returns the 32 bits
// shifted out (dtmcs's contents prior to this write).
func (t *Transport) dtmcsScan(value uint32) (uint32, error) {
	if err := t.adapter.WriteIR(irDTMCS); err != nil {
		return 0, err
	}
	tdi := encodeLE32(value)
	tdo, err := t.adapter.ShiftDR(tdi, 32)
	if err != nil {
		return 0, err
	}
	return decodeLE32(tdo), nil
}

// softDMIReset issues dmireset and restores IR to IR_DMI, per the
// interrupted-retry protocol.
func (t *Transport) softDMIReset() error {
	if _, err := t.dtmcsScan(dtmcsDMIReset); err != nil {
		return err
	}
	return t.adapter.WriteIR(irDMI)
}

// Read performs a DMI read of addr, retrying internally on op=interrupted.
func (t *Transport) Read(addr uint32) (uint32, error) {
	return t.execute(addr, 0, opRead)
}

// Write performs a DMI write of data to addr, retrying internally on
// op=interrupted.
func (t *Transport) Write(addr, data uint32) error {
	_, err := t.execute(addr, data, opWrite)
	return err
}

// execute drives one logical DMI operation to completion: issue the command
// scan, issue a follow-up NOP scan to sample its result (the read value, if
// any, arrives on that NOP), and retry the whole pair on op=interrupted.
func (t *Transport) execute(addr, data uint32, op uint8) (uint32, error) {
	for attempt := 0; attempt < t.retryLimit; attempt++ {
		cmdPayload := t.encodePayload(addr, data, op)
		if _, err := t.shift(cmdPayload); err != nil {
			return 0, err
		}

		tdo, err := t.shift(t.encodePayload(0, 0, opNop))
		if err != nil {
			return 0, err
		}
		respOp := decodeOp(tdo)
		respData := decodeData(tdo)

		switch respOp {
		case RespNoError:
			t.lastDMI = cmdPayload
			return respData, nil

		case RespOpFailed:
			t.log.WithField("addr", addr).Warn("dmi: op failed, resetting")
			if _, resetErr := t.dtmcsScan(dtmcsDMIReset); resetErr != nil {
				return 0, fmt.Errorf("dmi: reset after op-failed: %w", resetErr)
			}
			if err := t.adapter.WriteIR(irDMI); err != nil {
				return 0, err
			}
			return 0, fmt.Errorf("dmi: addr %#x: %w", addr, ErrOpFailed)

		case RespInterrupted:
			t.log.WithField("attempt", attempt).Debug("dmi: op interrupted, retrying")
			if err := t.retryAfterInterrupt(); err != nil {
				return 0, err
			}
			continue

		default:
			return 0, fmt.Errorf("dmi: reserved response code %d", respOp)
		}
	}
	return 0, fmt.Errorf("dmi: addr %#x: %w", addr, ErrSpinExceeded)
}

// retryAfterInterrupt implements §4.2's four-step recovery: soft dmireset,
// restore IR_DMI, re-shift the last confirmed payload (the register still
// holds it; the interrupted attempt was never latched), then spend the
// configured idle cycles before the caller retries.
func (t *Transport) retryAfterInterrupt() error {
	if err := t.softDMIReset(); err != nil {
		return fmt.Errorf("dmi: soft reset during retry: %w", err)
	}
	if t.lastDMI != nil {
		if _, err := t.adapter.ShiftDR(t.lastDMI, t.payloadBits()); err != nil {
			return fmt.Errorf("dmi: replay last_dmi: %w", err)
		}
	}
	if t.idle >= 2 {
		if err := t.adapter.TMSSequence([]byte{0x00}, int(t.idle)-1); err != nil {
			return fmt.Errorf("dmi: idle padding during retry: %w", err)
		}
	}
	return nil
}

// shift performs one DR shift of the abits+34-bit DMI payload and inserts
// the configured idle cycles afterward.
func (t *Transport) shift(payload []byte) ([]byte, error) {
	nbits := t.payloadBits()
	tdo, err := t.adapter.ShiftDR(payload, nbits)
	if err != nil {
		return nil, fmt.Errorf("dmi: shift: %w", err)
	}
	if t.idle > 0 {
		if err := t.adapter.TMSSequence([]byte{0x00}, int(t.idle)); err != nil {
			return nil, fmt.Errorf("dmi: idle padding: %w", err)
		}
	}
	return tdo, nil
}

func (t *Transport) payloadBits() int {
	return int(t.abits) + 34
}

// encodePayload builds the [address:abits][data:32][op:2] scan payload as a
// little-endian bit stream (bit 0 = op bit 0), matching the Adapter
// contract's buffer convention.
func (t *Transport) encodePayload(addr, data uint32, op uint8) []byte {
	nbits := t.payloadBits()
	buf := make([]byte, (nbits+7)/8)
	for i := 0; i < 2; i++ {
		setBit(buf, i, op&(1<<uint(i)) != 0)
	}
	for i := 0; i < 32; i++ {
		setBit(buf, 2+i, data&(1<<uint(i)) != 0)
	}
	for i := 0; i < int(t.abits); i++ {
		setBit(buf, 34+i, addr&(1<<uint(i)) != 0)
	}
	return buf
}

func decodeOp(tdo []byte) uint8 {
	var op uint8
	for i := 0; i < 2; i++ {
		if getBit(tdo, i) {
			op |= 1 << uint(i)
		}
	}
	return op
}

func decodeData(tdo []byte) uint32 {
	var data uint32
	for i := 0; i < 32; i++ {
		if getBit(tdo, 2+i) {
			data |= 1 << uint(i)
		}
	}
	return data
}

func setBit(buf []byte, pos int, v bool) {
	if v {
		buf[pos/8] |= 1 << uint(pos%8)
	}
}

func getBit(buf []byte, pos int) bool {
	idx := pos / 8
	if idx >= len(buf) {
		return false
	}
	return buf[idx]&(1<<uint(pos%8)) != 0
}

func encodeLE32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func decodeLE32(buf []byte) uint32 {
	var v uint32
	for i := 0; i < 4 && i < len(buf); i++ {
		v |= uint32(buf[i]) << uint(8*i)
	}
	return v
}
