// Package abstractcmd implements the RISC-V debug spec 0.13 Abstract Command
// engine: command-word submission, busy-poll, cmderr extraction/clearing,
// single GPR/CSR access, and autoexecdata-batched access over pkg/dmi.
package abstractcmd

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rvdbg/dm13/pkg/dmi"
)

// DMI register addresses this engine touches.
const (
	regAbstractData0 = 0x04
	regAbstractCS    = 0x16
	regCommand       = 0x17
	regAbstractAuto  = 0x18
)

// Command types, per command.cmdtype[31:24].
const (
	CmdTypeAccessRegister = 0
)

// AAR sizes, per command[22:20] of an access-register command.
const (
	AARSize32 = 2
)

// HartReg identifies a CSR or GPR for ReadReg/WriteReg. CSR numbers occupy
// 0x0000-0x0fff; GPRs occupy 0x1000-0x101f (x0-x31).
type HartReg uint32

// GPR returns the HartReg identifying general-purpose register x[n].
func GPR(n uint32) HartReg { return HartReg(0x1000 + n) }

// CmdErr enumerates abstractcs.cmderr.
type CmdErr uint8

const (
	CmdErrNone         CmdErr = 0
	CmdErrBusy         CmdErr = 1
	CmdErrNotSupported CmdErr = 2
	CmdErrException    CmdErr = 3
	CmdErrHaltResume   CmdErr = 4
	CmdErrBus          CmdErr = 5
	CmdErrOther        CmdErr = 7
)

func (e CmdErr) String() string {
	switch e {
	case CmdErrNone:
		return "none"
	case CmdErrBusy:
		return "busy"
	case CmdErrNotSupported:
		return "not supported"
	case CmdErrException:
		return "exception"
	case CmdErrHaltResume:
		return "halt/resume"
	case CmdErrBus:
		return "bus"
	case CmdErrOther:
		return "other"
	default:
		return "reserved"
	}
}

// ErrCommandFailed wraps a non-zero cmderr surfaced by RunCommand.
var ErrCommandFailed = errors.New("abstractcmd: command failed")

// ErrSpinExceeded reports that the busy-poll loop exceeded its bound without
// the command completing.
var ErrSpinExceeded = errors.New("abstractcmd: busy-poll bound exceeded")

// DefaultSpinLimit bounds the busy-poll loop in RunCommand.
const DefaultSpinLimit = 256

// autoexecData0Bit is abstractauto.autoexecdata's bit for data register 0,
// the only data register this driver's batched access ever touches.
const autoexecData0Bit = 1

// Engine drives abstract commands over a dmi.Transport.
type Engine struct {
	dmi *dmi.Transport
	log *logrus.Logger

	spinLimit int

	dataCount       uint8
	supportAutoexec bool
}

// New constructs an Engine over transport. A nil logger is replaced with a
// default logrus.Logger at WarnLevel.
func New(transport *dmi.Transport, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
	}
	return &Engine{
		dmi:       transport,
		log:       log,
		spinLimit: DefaultSpinLimit,
	}
}

// SetSpinLimit overrides the default busy-poll bound.
func (e *Engine) SetSpinLimit(n int) {
	if n > 0 {
		e.spinLimit = n
	}
}

// ProbeDataCount reads abstractcs.datacount and caches it for batched access,
// rejecting a datacount outside 1..12.
func (e *Engine) ProbeDataCount() (uint8, error) {
	raw, err := e.dmi.Read(regAbstractCS)
	if err != nil {
		return 0, fmt.Errorf("abstractcmd: read abstractcs: %w", err)
	}
	e.dataCount = uint8(raw & 0xf)
	if e.dataCount < 1 || e.dataCount > 12 {
		return e.dataCount, fmt.Errorf("abstractcmd: datacount %d out of range 1..12", e.dataCount)
	}
	return e.dataCount, nil
}

// ProbeAutoexecdata arms data0's autoexecdata bit and reads it back; if the
// target doesn't latch it, autoexecdata is unsupported. The probe always
// leaves abstractauto cleared on return.
func (e *Engine) ProbeAutoexecdata() (bool, error) {
	if err := e.dmi.Write(regAbstractAuto, autoexecData0Bit); err != nil {
		return false, fmt.Errorf("abstractcmd: probe autoexecdata: %w", err)
	}
	raw, err := e.dmi.Read(regAbstractAuto)
	if err != nil {
		return false, fmt.Errorf("abstractcmd: read back autoexecdata probe: %w", err)
	}
	e.supportAutoexec = raw == autoexecData0Bit
	if err := e.dmi.Write(regAbstractAuto, 0); err != nil {
		return false, fmt.Errorf("abstractcmd: clear autoexecdata probe: %w", err)
	}
	return e.supportAutoexec, nil
}

// SupportsAutoexecdata reports the result of the last ProbeAutoexecdata call.
func (e *Engine) SupportsAutoexecdata() bool { return e.supportAutoexec }

// DataCount reports the result of the last ProbeDataCount call.
func (e *Engine) DataCount() uint8 { return e.dataCount }

// RunCommand submits command to abstractcmd, busy-polls abstractcs until it
// clears, and returns the resulting CmdErr. A cmderr of busy is cleared and
// the command resubmitted, up to the spin limit in submissions, after which
// ErrSpinExceeded is returned. Any other non-CmdErrNone result is surfaced
// as an error wrapping ErrCommandFailed and the error is cleared on the
// device before returning, matching §4.3's "submit, poll, extract, clear"
// sequence.
func (e *Engine) RunCommand(command uint32) (CmdErr, error) {
	for submit := 0; submit < e.spinLimit; submit++ {
		cmderr, err := e.runOnce(command)
		if cmderr != CmdErrBusy || !errors.Is(err, ErrCommandFailed) {
			return cmderr, err
		}
		e.log.WithField("submit", submit).Debug("abstractcmd: cmderr busy, resubmitting command")
	}
	return CmdErrBusy, ErrSpinExceeded
}

// runOnce performs one submit, poll, extract, clear round for RunCommand.
func (e *Engine) runOnce(command uint32) (CmdErr, error) {
	if err := e.dmi.Write(regCommand, command); err != nil {
		return 0, fmt.Errorf("abstractcmd: submit command: %w", err)
	}

	var abstractcs uint32
	for attempt := 0; attempt < e.spinLimit; attempt++ {
		raw, err := e.dmi.Read(regAbstractCS)
		if err != nil {
			return 0, fmt.Errorf("abstractcmd: poll abstractcs: %w", err)
		}
		abstractcs = raw
		if abstractcs&(1<<12) == 0 {
			break
		}
		if attempt == e.spinLimit-1 {
			return 0, ErrSpinExceeded
		}
	}

	cmderr := CmdErr((abstractcs >> 8) & 0x7)
	if cmderr != CmdErrNone {
		e.log.WithField("cmderr", cmderr).Warn("abstractcmd: command failed")
		if err := e.dmi.Write(regAbstractCS, 0x7<<8); err != nil {
			return cmderr, fmt.Errorf("abstractcmd: clear cmderr: %w", err)
		}
		return cmderr, fmt.Errorf("abstractcmd: %s: %w", cmderr, ErrCommandFailed)
	}
	return CmdErrNone, nil
}

// pollNotBusy polls abstractcs until busy clears, for the autoexecdata batch
// path where subsequent data0 touches are not gated by a command submission
// the way RunCommand's own poll gates the first transfer.
func (e *Engine) pollNotBusy() error {
	for attempt := 0; attempt < e.spinLimit; attempt++ {
		raw, err := e.dmi.Read(regAbstractCS)
		if err != nil {
			return fmt.Errorf("abstractcmd: poll abstractcs: %w", err)
		}
		if raw&(1<<12) == 0 {
			return nil
		}
		if attempt == e.spinLimit-1 {
			return ErrSpinExceeded
		}
	}
	return ErrSpinExceeded
}

// accessRegisterCommand builds an access-register abstract command word.
func accessRegisterCommand(reg HartReg, write, postexec bool) uint32 {
	return accessRegisterCommandFull(reg, write, postexec, false)
}

// RunProgramBuffer submits an access-register command with transfer cleared
// and postexec set: no register is moved, the program buffer simply runs.
// Transfer always precedes execution within one abstract command, so a
// program whose result only exists after it runs (a program-buffer memory
// or CSR read) needs this call followed by a plain ReadReg to recover it.
func (e *Engine) RunProgramBuffer() (CmdErr, error) {
	command := uint32(CmdTypeAccessRegister)<<24 | uint32(AARSize32)<<20 | 1<<18
	return e.RunCommand(command)
}

// accessRegisterCommandFull builds an access-register abstract command word
// with aarpostincrement control, the bit that makes the batched ReadRegs /
// WriteRegs path walk reg, reg+1, reg+2, ... purely by re-touching data0.
func accessRegisterCommandFull(reg HartReg, write, postexec, postIncrement bool) uint32 {
	command := uint32(CmdTypeAccessRegister) << 24
	command |= uint32(AARSize32) << 20
	command |= 1 << 17 // transfer
	if write {
		command |= 1 << 16
	}
	if postexec {
		command |= 1 << 18
	}
	if postIncrement {
		command |= 1 << 19
	}
	command |= uint32(reg) & 0xffff
	return command
}

// ReadReg performs a single abstract-command register read, returning the
// value latched into abstract data register 0.
func (e *Engine) ReadReg(reg HartReg) (uint32, error) {
	if _, err := e.RunCommand(accessRegisterCommand(reg, false, false)); err != nil {
		return 0, err
	}
	value, err := e.dmi.Read(regAbstractData0)
	if err != nil {
		return 0, fmt.Errorf("abstractcmd: read data0: %w", err)
	}
	return value, nil
}

// WriteReg performs a single abstract-command register write of value.
func (e *Engine) WriteReg(reg HartReg, value uint32) error {
	if err := e.dmi.Write(regAbstractData0, value); err != nil {
		return fmt.Errorf("abstractcmd: write data0: %w", err)
	}
	_, err := e.RunCommand(accessRegisterCommand(reg, true, false))
	return err
}

// ReadRegPostexec is ReadReg but with the command's postexec bit set, running
// whatever program buffer is currently loaded after the register transfer.
func (e *Engine) ReadRegPostexec(reg HartReg) (uint32, error) {
	if _, err := e.RunCommand(accessRegisterCommand(reg, false, true)); err != nil {
		return 0, err
	}
	value, err := e.dmi.Read(regAbstractData0)
	if err != nil {
		return 0, fmt.Errorf("abstractcmd: read data0: %w", err)
	}
	return value, nil
}

// WriteRegPostexec is WriteReg but with the command's postexec bit set.
func (e *Engine) WriteRegPostexec(reg HartReg, value uint32) error {
	if err := e.dmi.Write(regAbstractData0, value); err != nil {
		return fmt.Errorf("abstractcmd: write data0: %w", err)
	}
	_, err := e.RunCommand(accessRegisterCommand(reg, true, true))
	return err
}

// ReadRegs performs a batched read of n consecutive GPRs or CSRs starting at
// reg, using autoexecdata acceleration when available: the first transfer is
// an ordinary abstract command, subsequent transfers are driven purely by
// reading abstract data register 0 (the device re-runs the access on every
// read while abstractauto's bit for data0 is set). Without autoexecdata
// support it falls back to n ordinary ReadReg calls.
func (e *Engine) ReadRegs(reg HartReg, n int) ([]uint32, error) {
	if !e.supportAutoexec || n <= 1 {
		out := make([]uint32, n)
		for i := 0; i < n; i++ {
			v, err := e.ReadReg(reg + HartReg(i))
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	out := make([]uint32, n)
	if _, err := e.RunCommand(accessRegisterCommandFull(reg, false, false, true)); err != nil {
		return nil, err
	}
	first, err := e.dmi.Read(regAbstractData0)
	if err != nil {
		return nil, fmt.Errorf("abstractcmd: read data0: %w", err)
	}
	out[0] = first

	if err := e.dmi.Write(regAbstractAuto, autoexecData0Bit); err != nil {
		return nil, fmt.Errorf("abstractcmd: arm autoexecdata: %w", err)
	}
	defer e.dmi.Write(regAbstractAuto, 0)

	for i := 1; i < n; i++ {
		if err := e.pollNotBusy(); err != nil {
			return nil, fmt.Errorf("abstractcmd: autoexec read %d: %w", i, err)
		}
		v, err := e.dmi.Read(regAbstractData0)
		if err != nil {
			return nil, fmt.Errorf("abstractcmd: autoexec read %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// WriteRegs is ReadRegs' write counterpart.
func (e *Engine) WriteRegs(reg HartReg, values []uint32) error {
	if !e.supportAutoexec || len(values) <= 1 {
		for i, v := range values {
			if err := e.WriteReg(reg+HartReg(i), v); err != nil {
				return err
			}
		}
		return nil
	}

	if err := e.dmi.Write(regAbstractData0, values[0]); err != nil {
		return fmt.Errorf("abstractcmd: write data0: %w", err)
	}
	if _, err := e.RunCommand(accessRegisterCommandFull(reg, true, false, true)); err != nil {
		return err
	}

	if err := e.dmi.Write(regAbstractAuto, autoexecData0Bit); err != nil {
		return fmt.Errorf("abstractcmd: arm autoexecdata: %w", err)
	}
	defer e.dmi.Write(regAbstractAuto, 0)

	for i := 1; i < len(values); i++ {
		if err := e.pollNotBusy(); err != nil {
			return fmt.Errorf("abstractcmd: autoexec write %d: %w", i, err)
		}
		if err := e.dmi.Write(regAbstractData0, values[i]); err != nil {
			return fmt.Errorf("abstractcmd: autoexec write %d: %w", i, err)
		}
	}
	return nil
}
