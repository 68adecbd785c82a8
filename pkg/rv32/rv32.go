// Package rv32 encodes RV32I instruction words for the program-buffer
// templates in pkg/progbuf. It implements the base R/I/S/B/U/J formats and a
// handful of named helpers for the specific instructions a debug program
// buffer needs: CSR access, word load/store, and the ebreak that returns
// control to the debug module.
package rv32

// Width selects the memory access width for Load and Store.
type Width uint32

const (
	Width8  Width = 0x0
	Width16 Width = 0x1
	Width32 Width = 0x2
)

const (
	opSystem = 0x73
	opLoad   = 0x03
	opStore  = 0x23

	loadZeroExtend = 0x4
)

// RType encodes an R-type instruction (e.g. add, sub).
func RType(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return (opcode & 0x7f) |
		((rd & 0x1f) << 7) |
		((funct3 & 0x7) << 12) |
		((rs1 & 0x1f) << 15) |
		((rs2 & 0x1f) << 20) |
		((funct7 & 0x7f) << 25)
}

// IType encodes an I-type instruction (e.g. addi, loads, csr ops).
func IType(imm11_0, rs1, funct3, rd, opcode uint32) uint32 {
	return (opcode & 0x7f) |
		((rd & 0x1f) << 7) |
		((funct3 & 0x7) << 12) |
		((rs1 & 0x1f) << 15) |
		((imm11_0 & 0xfff) << 20)
}

// SType encodes an S-type instruction (stores).
func SType(imm11_0, rs2, rs1, funct3, opcode uint32) uint32 {
	return (opcode & 0x7f) |
		((imm11_0 & 0x1f) << 7) |
		((funct3 & 0x7) << 12) |
		((rs1 & 0x1f) << 15) |
		((rs2 & 0x1f) << 20) |
		(((imm11_0 >> 5) & 0x7f) << 25)
}

// BType encodes a B-type instruction (branches).
func BType(imm12_1, rs2, rs1, funct3, opcode uint32) uint32 {
	return (opcode & 0x7f) |
		(((imm12_1 >> 10) & 0x1) << 7) |
		((imm12_1 & 0xf) << 8) |
		((funct3 & 0x7) << 12) |
		((rs1 & 0x1f) << 15) |
		((rs2 & 0x1f) << 20) |
		(((imm12_1 >> 4) & 0x3f) << 25) |
		(((imm12_1 >> 11) & 0x1) << 31)
}

// UType encodes a U-type instruction (e.g. lui, auipc).
func UType(imm31_12, rd, opcode uint32) uint32 {
	return (opcode & 0x7f) |
		((rd & 0x1f) << 7) |
		((imm31_12 & 0xfffff) << 12)
}

// JType encodes a J-type instruction (jal).
func JType(imm20_1, rd, opcode uint32) uint32 {
	return (opcode & 0x7f) |
		((rd & 0x1f) << 7) |
		(((imm20_1 >> 11) & 0xff) << 12) |
		(((imm20_1 >> 10) & 0x1) << 20) |
		((imm20_1 & 0x3ff) << 21) |
		(((imm20_1 >> 19) & 0x1) << 31)
}

// CSRRS encodes `csrrs rd, csr, rs1`: rd <- csr, csr <- csr | rs1.
func CSRRS(rd, csr, rs1 uint32) uint32 {
	return IType(csr, rs1, 0x2, rd, opSystem)
}

// CSRRW encodes `csrrw rd, csr, rs1`: rd <- csr, csr <- rs1.
func CSRRW(rd, csr, rs1 uint32) uint32 {
	return IType(csr, rs1, 0x1, rd, opSystem)
}

// Load encodes a load of the given width into rd from offset(base). When
// zeroExtend is set, sub-word loads are unsigned (lbu/lhu); it has no effect
// on Width32.
func Load(rd uint32, width Width, zeroExtend bool, base, offset uint32) uint32 {
	funct3 := uint32(width)
	if zeroExtend && width != Width32 {
		funct3 |= loadZeroExtend
	}
	return IType(offset, base, funct3, rd, opLoad)
}

// Store encodes a store of the given width from src into offset(base).
func Store(width Width, base, src, offset uint32) uint32 {
	return SType(offset, src, base, uint32(width), opStore)
}

// EBreak encodes the ebreak instruction: traps back into the debug module.
func EBreak() uint32 {
	return IType(0x1, 0, 0, 0, opSystem)
}
