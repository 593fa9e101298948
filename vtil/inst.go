package vtil

import (
	"fmt"
	"strings"
)

// Op is an IR pseudo-operation mnemonic.
type Op string

// IR pseudo-operations.
const (
	OpPush   Op = "push"
	OpPop    Op = "pop"
	OpMov    Op = "mov"
	OpAdd    Op = "add"
	OpSub    Op = "sub"
	OpMul    Op = "mul"
	OpMulhi  Op = "mulhi"
	OpImul   Op = "imul"
	OpImulhi Op = "imulhi"
	OpDiv    Op = "div"
	OpRem    Op = "rem"
	OpIdiv   Op = "idiv"
	OpIrem   Op = "irem"
	OpBshl   Op = "bshl"
	OpBshr   Op = "bshr"
	OpBor    Op = "bor"
	OpBand   Op = "band"
	OpBxor   Op = "bxor"
	OpBnot   Op = "bnot"
	OpStr    Op = "str"
	OpLdd    Op = "ldd"
	OpJmp    Op = "jmp"
	OpVxcall Op = "vxcall"
	OpVexit  Op = "vexit"
	OpVemit  Op = "vemit"
	OpVemits Op = "vemits"
	OpVpinr  Op = "vpinr"
	OpVpinw  Op = "vpinw"
	OpNop    Op = "nop"
	OpPopf   Op = "popf"
	OpPushf  Op = "pushf"
	OpTe     Op = "te"
	OpTne    Op = "tne"
	OpTl     Op = "tl"
	OpTul    Op = "tul"
	OpIfs    Op = "ifs"
	OpLabel  Op = "label"
)

// Operand is a single IR instruction operand: a register, an immediate, or
// raw text (assembly passthrough).
type Operand struct {
	kind opKind
	reg  RegisterDesc
	imm  uint64
	bits int
	text string
}

type opKind uint8

const (
	opReg opKind = iota
	opImm
	opText
)

// Reg returns a register operand.
func Reg(r RegisterDesc) Operand {
	return Operand{kind: opReg, reg: r, bits: r.BitCount}
}

// Imm returns an immediate operand of the given width in bits.
func Imm(v uint64, bits int) Operand {
	return Operand{kind: opImm, imm: v, bits: bits}
}

// Imm64 returns a 64-bit immediate operand.
func Imm64(v uint64) Operand {
	return Imm(v, 64)
}

// Text returns a raw-text operand.
func Text(s string) Operand {
	return Operand{kind: opText, text: s}
}

// IsReg reports whether the operand is a register.
func (o Operand) IsReg() bool { return o.kind == opReg }

// IsImm reports whether the operand is an immediate.
func (o Operand) IsImm() bool { return o.kind == opImm }

// Register returns the register of a register operand.
func (o Operand) Register() RegisterDesc { return o.reg }

// Immediate returns the value of an immediate operand.
func (o Operand) Immediate() uint64 { return o.imm }

// Bits returns the operand width in bits.
func (o Operand) Bits() int { return o.bits }

// TextValue returns the raw text of a text operand.
func (o Operand) TextValue() string { return o.text }

// String returns the display form of the operand.
func (o Operand) String() string {
	switch o.kind {
	case opReg:
		return o.reg.String()
	case opImm:
		return fmt.Sprintf("0x%x", o.imm)
	case opText:
		return fmt.Sprintf("%q", o.text)
	}
	return "?"
}

// Instruction is a single IR instruction.
type Instruction struct {
	// The pseudo-operation.
	Op Op
	// Operand list.
	Operands []Operand
}

// String returns the display form of the instruction.
func (ins *Instruction) String() string {
	if len(ins.Operands) == 0 {
		return string(ins.Op)
	}
	parts := make([]string, len(ins.Operands))
	for i, op := range ins.Operands {
		parts[i] = op.String()
	}
	return fmt.Sprintf("%-8s %s", ins.Op, strings.Join(parts, ", "))
}

// IsBranching reports whether the instruction terminates a basic block.
func (ins *Instruction) IsBranching() bool {
	switch ins.Op {
	case OpJmp, OpVexit:
		return true
	}
	return false
}

// StackDelta returns the instruction's effect on the stack pointer in bytes;
// pushes grow the stack downwards.
func (ins *Instruction) StackDelta() int64 {
	switch ins.Op {
	case OpPush:
		return -int64(align(ins.Operands[0].Bits(), 16) / 8)
	case OpPop:
		return int64(align(ins.Operands[0].Bits(), 16) / 8)
	case OpPushf:
		return -8
	case OpPopf:
		return 8
	}
	return 0
}

// align rounds bits up to the given modulus.
func align(bits, mod int) int {
	if rem := bits % mod; rem != 0 {
		bits += mod - rem
	}
	return bits
}
