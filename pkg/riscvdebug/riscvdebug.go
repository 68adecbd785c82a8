// Package riscvdebug is the public facade over the DTM/DMI engine, the
// abstract command engine, and the program buffer: it negotiates a target's
// capabilities once at Init and offers a single ReadCSR/WriteCSR/ReadMem/
// WriteMem/SelectHart surface regardless of which underlying strategy a
// given target supports.
package riscvdebug

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rvdbg/dm13/pkg/abstractcmd"
	"github.com/rvdbg/dm13/pkg/dmi"
	"github.com/rvdbg/dm13/pkg/idcode"
	"github.com/rvdbg/dm13/pkg/jtag"
	"github.com/rvdbg/dm13/pkg/progbuf"
)

// TransportError reports a failure in the DTM/DMI layer: an op=failed
// response, a retry bound exceeded, or an unsupported debug spec version.
// A Target that has returned a TransportError is dead: every later
// ReadCSR/WriteCSR/ReadMem/WriteMem/SelectHart call fails fast with the same
// sticky error. Init does not clear it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("riscvdebug: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// AbstractCommandError reports a non-zero cmderr surfaced by the abstract
// command engine.
type AbstractCommandError struct {
	Op     string
	CmdErr abstractcmd.CmdErr
	Err    error
}

func (e *AbstractCommandError) Error() string {
	return fmt.Sprintf("riscvdebug: %s: cmderr=%s: %v", e.Op, e.CmdErr, e.Err)
}
func (e *AbstractCommandError) Unwrap() error { return e.Err }

// UsageError reports caller misuse: an out-of-range hart index, a program
// that overflows the program buffer, or an access this target's negotiated
// capabilities don't support.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return "riscvdebug: " + e.Msg }

// accessStrategy selects how CSR or memory access is realized for one
// target, decided once at Init rather than re-probed on every call.
type accessStrategy int

const (
	strategyUnset accessStrategy = iota
	strategyAbstract
	strategyProgbuf
)

// Target is one discovered RISC-V hart set behind one DTM. Target is not
// safe for concurrent use; callers serialize access the way they serialize
// any other single TAP owner.
type Target struct {
	log *logrus.Logger

	dmi *dmi.Transport
	abs *abstractcmd.Engine
	pb  *progbuf.Engine

	refcount int
	dead     error

	csrStrategy accessStrategy
	memStrategy accessStrategy

	mhartid      uint32
	mhartidKnown bool

	idcode idcode.IDCode
}

// New constructs a Target over adapter. A nil logger is replaced with a
// default logrus.Logger at WarnLevel.
func New(adapter jtag.Adapter, log *logrus.Logger) *Target {
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
	}
	transport := dmi.New(adapter, log)
	abs := abstractcmd.New(transport, log)
	return &Target{
		log:      log,
		dmi:      transport,
		abs:      abs,
		pb:       progbuf.New(transport, abs, log),
		refcount: 1,
	}
}

// Ref increments the target's reference count, for the case where a TAP is
// shared by more than one consumer of this driver.
func (t *Target) Ref() { t.refcount++ }

// Unref decrements the reference count and reports whether this was the
// last reference. Releasing the last reference marks the target unusable:
// every later access call fails with a UsageError.
func (t *Target) Unref() bool {
	t.refcount--
	if t.refcount <= 0 {
		t.dead = &UsageError{Msg: "target released: reference count reached zero"}
		return true
	}
	return false
}

// Init brings up the DTM, probes abstract command capabilities, negotiates
// the program buffer, picks a CSR/memory access strategy, and discovers
// harts, selecting hart 0.
func (t *Target) Init() error {
	if raw, err := t.dmi.ReadIDCode(); err != nil {
		t.log.WithError(err).Debug("riscvdebug: idcode probe failed, continuing without it")
	} else {
		t.idcode = idcode.ParseIDCode(raw)
	}

	if err := t.dmi.Init(); err != nil {
		return t.fail("init dtm", err)
	}

	if _, err := t.abs.ProbeDataCount(); err != nil {
		return t.fail("probe abstractcs", err)
	}
	if _, err := t.abs.ProbeAutoexecdata(); err != nil {
		t.log.WithError(err).Debug("riscvdebug: autoexecdata probe failed, continuing without it")
	}

	dmstatus, err := t.dmi.Read(0x11)
	if err != nil {
		return t.fail("read dmstatus", err)
	}
	impebreak := dmstatus&(1<<22) != 0
	authenticated := dmstatus&(1<<7) != 0
	if !authenticated {
		return t.fail("read dmstatus", errors.New("target requires authentication"))
	}

	if err := t.pb.Negotiate(impebreak); err != nil {
		return t.fail("negotiate program buffer", err)
	}
	t.memStrategy = strategyUnset
	if t.pb.Usable() {
		t.memStrategy = strategyProgbuf
	}

	t.csrStrategy = strategyAbstract
	if _, err := t.abs.ReadReg(abstractcmd.HartReg(0x301)); err != nil {
		if !t.pb.Usable() {
			return t.classify("probe csr access", err)
		}
		t.csrStrategy = strategyProgbuf
	}

	if _, err := t.pb.DiscoverHarts(); err != nil {
		return t.fail("discover harts", err)
	}
	t.mhartidKnown = false
	return nil
}

// SelectHart selects hart idx into Harts()[idx]. mhartid is re-read lazily
// on first use after a hart switch, not eagerly here.
func (t *Target) SelectHart(idx int) error {
	if t.dead != nil {
		return t.dead
	}
	harts := t.pb.Harts()
	if idx < 0 || idx >= len(harts) {
		return &UsageError{Msg: fmt.Sprintf("hart index %d out of range (%d harts discovered)", idx, len(harts))}
	}
	if err := t.pb.SelectHart(harts[idx]); err != nil {
		return t.fail("select hart", err)
	}
	t.mhartidKnown = false
	return nil
}

// Harts reports the hart indices discovered by Init.
func (t *Target) Harts() []uint32 { return t.pb.Harts() }

// Version reports the negotiated debug spec version.
func (t *Target) Version() dmi.Version { return t.dmi.Version() }

// Abits reports the negotiated DMI address width in bits.
func (t *Target) Abits() uint8 { return t.dmi.Abits() }

// Idle reports the configured run-test/idle cycle count.
func (t *Target) Idle() uint8 { return t.dmi.Idle() }

// ProgbufSize reports the negotiated program buffer depth in words.
func (t *Target) ProgbufSize() uint8 { return t.pb.ProgbufSize() }

// ProgbufUsable reports whether the program buffer can be used at all.
func (t *Target) ProgbufUsable() bool { return t.pb.Usable() }

// AbstractDataCount reports the negotiated abstractcs.datacount.
func (t *Target) AbstractDataCount() uint8 { return t.abs.DataCount() }

// SupportsAutoexecdata reports whether the target accepted the autoexecdata
// probe issued during Init.
func (t *Target) SupportsAutoexecdata() bool { return t.abs.SupportsAutoexecdata() }

// IDCode reports the decoded IEEE 1149.1 IDCODE probed at Init, independent
// of and prior to the DTM/DMI bring-up sequence. A target whose TAP doesn't
// shift a live IDCODE reports a zero-value IDCode with HasIDCode false.
func (t *Target) IDCode() idcode.IDCode { return t.idcode }

// CSRStrategy reports "abstract" or "progbuf", the strategy Init negotiated
// for CSR access.
func (t *Target) CSRStrategy() string {
	if t.csrStrategy == strategyProgbuf {
		return "progbuf"
	}
	return "abstract"
}

// MHartID reads CSR mhartid for the currently selected hart, caching it
// until the next SelectHart.
func (t *Target) MHartID() (uint32, error) {
	if t.mhartidKnown {
		return t.mhartid, nil
	}
	id, err := t.ReadCSR(0xf14)
	if err != nil {
		return 0, err
	}
	t.mhartid = id
	t.mhartidKnown = true
	return id, nil
}

// ReadCSR reads csr on the currently selected hart.
func (t *Target) ReadCSR(csr uint32) (uint32, error) {
	if t.dead != nil {
		return 0, t.dead
	}
	switch t.csrStrategy {
	case strategyAbstract:
		v, err := t.abs.ReadReg(abstractcmd.HartReg(csr))
		if err != nil {
			return 0, t.fail("read csr", err)
		}
		return v, nil
	case strategyProgbuf:
		v, err := t.pb.ReadCSR(csr)
		if err != nil {
			return 0, t.fail("read csr", err)
		}
		return v, nil
	default:
		return 0, &UsageError{Msg: "no CSR access strategy negotiated; call Init first"}
	}
}

// WriteCSR writes value to csr on the currently selected hart.
func (t *Target) WriteCSR(csr, value uint32) error {
	if t.dead != nil {
		return t.dead
	}
	switch t.csrStrategy {
	case strategyAbstract:
		if err := t.abs.WriteReg(abstractcmd.HartReg(csr), value); err != nil {
			return t.fail("write csr", err)
		}
		return nil
	case strategyProgbuf:
		if err := t.pb.WriteCSR(csr, value); err != nil {
			return t.fail("write csr", err)
		}
		return nil
	default:
		return &UsageError{Msg: "no CSR access strategy negotiated; call Init first"}
	}
}

// ReadMem reads the 32-bit word at addr. Memory access is only ever
// realized via the program buffer; a target with no program buffer leaves
// this unset entirely, matching the absence of System Bus Access support.
func (t *Target) ReadMem(addr uint32) (uint32, error) {
	if t.dead != nil {
		return 0, t.dead
	}
	if t.memStrategy != strategyProgbuf {
		return 0, &UsageError{Msg: "target has no program buffer; memory access is unavailable"}
	}
	v, err := t.pb.ReadMem(addr)
	if err != nil {
		return 0, t.fail("read mem", err)
	}
	return v, nil
}

// WriteMem writes value to the 32-bit word at addr.
func (t *Target) WriteMem(addr, value uint32) error {
	if t.dead != nil {
		return t.dead
	}
	if t.memStrategy != strategyProgbuf {
		return &UsageError{Msg: "target has no program buffer; memory access is unavailable"}
	}
	if err := t.pb.WriteMem(addr, value); err != nil {
		return t.fail("write mem", err)
	}
	return nil
}

// fail classifies err, marks the target dead when it is a transport-layer
// failure, and returns the classified error.
func (t *Target) fail(op string, err error) error {
	classified := t.classify(op, err)
	var transportErr *TransportError
	if errors.As(classified, &transportErr) {
		t.dead = classified
	}
	return classified
}

// classify maps an error from dmi, abstractcmd or progbuf onto the three
// facade error types.
func (t *Target) classify(op string, err error) error {
	switch {
	case errors.Is(err, abstractcmd.ErrCommandFailed):
		return &AbstractCommandError{Op: op, CmdErr: extractCmdErr(err), Err: err}
	case errors.Is(err, progbuf.ErrProgramTooLarge), errors.Is(err, progbuf.ErrNoProgramBuffer):
		return &UsageError{Msg: fmt.Sprintf("%s: %v", op, err)}
	default:
		return &TransportError{Op: op, Err: err}
	}
}

// extractCmdErr best-efforts the CmdErr value out of an abstractcmd error
// for reporting; RunCommand's error does not carry it structurally, so this
// falls back to the exception code when it cannot be recovered.
func extractCmdErr(err error) abstractcmd.CmdErr {
	if errors.Is(err, abstractcmd.ErrSpinExceeded) {
		return abstractcmd.CmdErrBusy
	}
	return abstractcmd.CmdErrException
}
