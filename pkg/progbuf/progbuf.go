// Package progbuf implements the RISC-V debug spec 0.13 program buffer:
// instruction upload, GPR-preserving execution, capability negotiation
// between the abstract-command-only and program-buffer access strategies,
// and hart discovery. It is the component that lets pkg/riscvdebug read and
// write CSRs and memory on targets whose abstract commands don't reach
// beyond GPRs.
package progbuf

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/rvdbg/dm13/pkg/abstractcmd"
	"github.com/rvdbg/dm13/pkg/dmi"
	"github.com/rvdbg/dm13/pkg/rv32"
)

// DMI register addresses this package touches directly (beyond the ones
// abstractcmd already owns).
const (
	regDMControl  = 0x10
	regDMStatus   = 0x11
	regAbstractCS = 0x16
)

// ErrProgramTooLarge reports that an Upload call would overflow the
// negotiated program buffer, accounting for the implicit ebreak impebreak
// spares a program slot for.
var ErrProgramTooLarge = errors.New("progbuf: program exceeds program buffer capacity")

// ErrNoProgramBuffer reports an operation that needs the program buffer on a
// target that negotiated abstract-command-only access.
var ErrNoProgramBuffer = errors.New("progbuf: target has no usable program buffer")

// regX1 is the base of the contiguous x1.. run of GPRs the CSR/memory
// templates in §4.5 use as their argument/result window: x1 doubles as the
// address/result register for memory access and the destination for CSR
// reads; x2 carries the value for memory writes.
const regX1 = abstractcmd.HartReg(0x1001)

// Engine drives the program buffer and hart discovery over an
// abstractcmd.Engine.
type Engine struct {
	abs *abstractcmd.Engine
	dmi *dmi.Transport
	log *logrus.Logger

	progbufSize uint8
	impebreak   bool

	// usable is false when progbuf_size == 0: memory and program-buffer CSR
	// access are left entirely unset, per §4.6 (no SBA fallback exists).
	usable bool

	harts       []uint32 // discovered hart indices
	currentHart int
}

// New constructs an Engine over transport/abs. A nil logger is replaced with
// a default logrus.Logger at WarnLevel.
func New(transport *dmi.Transport, abs *abstractcmd.Engine, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
	}
	return &Engine{dmi: transport, abs: abs, log: log}
}

// Negotiate reads abstractcs to learn progbuf_size, records the caller's
// impebreak (taken from dmstatus), and decides whether memory/CSR-by-program-
// buffer access is available at all. A progbuf_size above 16, or of 1
// without impebreak, is rejected.
func (e *Engine) Negotiate(impebreak bool) error {
	raw, err := e.dmi.Read(regAbstractCS)
	if err != nil {
		return fmt.Errorf("progbuf: read abstractcs: %w", err)
	}
	e.progbufSize = uint8((raw >> 24) & 0x1f)
	e.impebreak = impebreak
	if e.progbufSize > 16 {
		return fmt.Errorf("progbuf: progbuf_size %d out of range 0..16", e.progbufSize)
	}
	if e.progbufSize == 1 && !impebreak {
		return fmt.Errorf("progbuf: progbuf_size 1 without impebreak")
	}
	e.usable = e.progbufSize > 0

	e.log.WithFields(logrus.Fields{
		"progbuf_size": e.progbufSize,
		"impebreak":    e.impebreak,
		"usable":       e.usable,
	}).Debug("progbuf: capability negotiated")
	return nil
}

// ProgbufSize reports the negotiated program buffer depth in words.
func (e *Engine) ProgbufSize() uint8 { return e.progbufSize }

// Usable reports whether the program buffer can be used at all.
func (e *Engine) Usable() bool { return e.usable }

// Upload writes program into the program buffer. A program may use up to
// progbuf_size words, plus one more when impebreak is set (the target
// supplies the trailing ebreak itself in that case; otherwise the caller's
// program must end with rv32.EBreak and that instruction counts against the
// budget). This is a strict inequality on the combined bound, not on
// progbuf_size alone, resolving the ambiguous operator precedence in the
// size check this is grounded on.
func (e *Engine) Upload(program []uint32) error {
	if !e.usable {
		return ErrNoProgramBuffer
	}
	limit := int(e.progbufSize)
	if e.impebreak {
		limit++
	}
	if len(program) > limit {
		return fmt.Errorf("progbuf: %d words exceeds capacity %d: %w", len(program), limit, ErrProgramTooLarge)
	}
	for i, word := range program {
		if err := e.dmi.Write(uint32(0x20+i), word); err != nil {
			return fmt.Errorf("progbuf: upload word %d: %w", i, err)
		}
	}
	return nil
}

// uploadProgram uploads a single-instruction program, appending rv32.EBreak
// when the target has no impebreak: without it (per Upload's doc) the hart
// would run off the end of the program buffer instead of trapping back into
// the debug module.
func (e *Engine) uploadProgram(instr uint32) error {
	program := []uint32{instr}
	if !e.impebreak {
		program = append(program, rv32.EBreak())
	}
	return e.Upload(program)
}

// execWithScratch implements progbuf_exec (§4.5): it backs up the GPRs the
// uploaded program touches, preloads in as x1..x[1+len(in)), runs the
// program via a postexec/transfer=0 abstract command, reads back outLen
// results from x1..x[1+outLen), and restores the backed-up GPRs before
// returning — so a program-buffer CSR or memory access never leaks a
// clobbered x1/x2 to the rest of the target's register state.
func (e *Engine) execWithScratch(in []uint32, outLen int) ([]uint32, error) {
	backupLen := len(in)
	if outLen > backupLen {
		backupLen = outLen
	}
	if backupLen > 31 {
		return nil, fmt.Errorf("progbuf: backup length %d exceeds 31 GPRs", backupLen)
	}

	backup, err := e.abs.ReadRegs(regX1, backupLen)
	if err != nil {
		return nil, fmt.Errorf("progbuf: backup gprs: %w", err)
	}

	if len(in) > 0 {
		if err := e.abs.WriteRegs(regX1, in); err != nil {
			return nil, fmt.Errorf("progbuf: load inputs: %w", err)
		}
	}

	if _, err := e.abs.RunProgramBuffer(); err != nil {
		return nil, fmt.Errorf("progbuf: run program: %w", err)
	}

	out := make([]uint32, outLen)
	if outLen > 0 {
		v, err := e.abs.ReadRegs(regX1, outLen)
		if err != nil {
			return nil, fmt.Errorf("progbuf: read outputs: %w", err)
		}
		copy(out, v)
	}

	if err := e.abs.WriteRegs(regX1, backup); err != nil {
		return nil, fmt.Errorf("progbuf: restore gprs: %w", err)
	}

	return out, nil
}

// ReadCSR reads csr via a one-instruction program buffer program: the result
// is visible in x1 only after the program runs, so this issues the program
// then recovers x1 with a plain register transfer.
func (e *Engine) ReadCSR(csr uint32) (uint32, error) {
	if err := e.uploadProgram(rv32.CSRRS(1, csr, 0)); err != nil {
		return 0, err
	}
	out, err := e.execWithScratch(nil, 1)
	if err != nil {
		return 0, fmt.Errorf("progbuf: run csr read: %w", err)
	}
	return out[0], nil
}

// WriteCSR writes value to csr: x1 is preloaded with value before the
// program's csrrw runs.
func (e *Engine) WriteCSR(csr, value uint32) error {
	if err := e.uploadProgram(rv32.CSRRW(0, csr, 1)); err != nil {
		return err
	}
	if _, err := e.execWithScratch([]uint32{value}, 0); err != nil {
		return fmt.Errorf("progbuf: run csr write: %w", err)
	}
	return nil
}

// ReadMem reads the 32-bit word at addr via `lw x1, 0(x1)`: the address
// argument register doubles as the result register.
func (e *Engine) ReadMem(addr uint32) (uint32, error) {
	if err := e.uploadProgram(rv32.Load(1, rv32.Width32, false, 1, 0)); err != nil {
		return 0, err
	}
	out, err := e.execWithScratch([]uint32{addr}, 1)
	if err != nil {
		return 0, fmt.Errorf("progbuf: run mem read: %w", err)
	}
	return out[0], nil
}

// WriteMem writes value to the 32-bit word at addr via `sw x2, 0(x1)`, with
// the address and value preloaded into x1 and x2 respectively.
func (e *Engine) WriteMem(addr, value uint32) error {
	if err := e.uploadProgram(rv32.Store(rv32.Width32, 1, 2, 0)); err != nil {
		return err
	}
	if _, err := e.execWithScratch([]uint32{addr, value}, 0); err != nil {
		return fmt.Errorf("progbuf: run mem write: %w", err)
	}
	return nil
}

// hartsel packing, per dmcontrol's split hartsello[25:16]/hartselhi[15:6].
func packHartsel(hartsel uint32) uint32 {
	var t uint32
	t |= (hartsel & 0x3ff) << 16
	t |= (hartsel & (0x3ff << 10)) >> 4
	return t
}

func unpackHartsel(dmcontrol uint32) uint32 {
	return ((dmcontrol >> 16) & 0x3ff) | (((dmcontrol >> 6) & 0x3ff) << 10)
}

// SelectHart writes hartsel into dmcontrol and, when idx is one of Harts(),
// records it as the current hart.
func (e *Engine) SelectHart(idx uint32) error {
	if err := e.dmi.Write(regDMControl, packHartsel(idx)); err != nil {
		return err
	}
	for i, h := range e.harts {
		if h == idx {
			e.currentHart = i
			break
		}
	}
	return nil
}

// DiscoverHarts probes hartsellen by writing an all-ones hartsel and reading
// it back, then walks the candidate indices (at most 8 harts, indices 0..7)
// checking dmstatus.anynonexistent.
// The loop that writes hartsel=i as it goes leaves hartsel parked one past
// the last valid index; this deliberately selects hart 0 afterward rather
// than reproducing that off-by-one.
func (e *Engine) DiscoverHarts() ([]uint32, error) {
	if err := e.dmi.Write(regDMControl, packHartsel(0x000fffff)); err != nil {
		return nil, fmt.Errorf("progbuf: probe hartsellen: %w", err)
	}
	raw, err := e.dmi.Read(regDMControl)
	if err != nil {
		return nil, fmt.Errorf("progbuf: read back hartsellen probe: %w", err)
	}
	maxHart := unpackHartsel(raw)
	const maxHarts = 8
	if maxHart > maxHarts-1 {
		maxHart = maxHarts - 1
	}

	var harts []uint32
	for i := uint32(0); i <= maxHart; i++ {
		if err := e.SelectHart(i); err != nil {
			return nil, fmt.Errorf("progbuf: select hart %d: %w", i, err)
		}
		dmstatus, err := e.dmi.Read(regDMStatus)
		if err != nil {
			return nil, fmt.Errorf("progbuf: read dmstatus for hart %d: %w", i, err)
		}
		if dmstatus&(1<<14) != 0 { // anynonexistent
			break
		}
		harts = append(harts, i)
	}

	e.harts = harts
	e.currentHart = 0
	if len(harts) > 0 {
		if err := e.SelectHart(harts[0]); err != nil {
			return nil, fmt.Errorf("progbuf: select hart 0: %w", err)
		}
	}

	e.log.WithField("count", len(harts)).Debug("progbuf: hart discovery complete")
	return harts, nil
}

// Harts returns the hart indices found by the last DiscoverHarts call.
func (e *Engine) Harts() []uint32 { return e.harts }

// CurrentHart returns the index into Harts() of the currently selected hart.
func (e *Engine) CurrentHart() int { return e.currentHart }
