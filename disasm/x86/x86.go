// Package x86 implements a disassembler front-end for the x86-64
// architecture, providing the unified instruction and operand view the
// pattern-matching analysis is built on.
package x86

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/bin"
)

// Processor mode (64-bit execution mode).
const cpuMode = 64

// OperandType is the kind of an instruction operand.
type OperandType uint8

// Operand types.
const (
	OpInvalid OperandType = iota
	OpReg
	OpImm
	OpMem
)

// Operand is a unified view of an instruction operand. Relative branch
// targets are folded into absolute immediates.
type Operand struct {
	// The operand kind.
	Type OperandType
	// Register, valid if Type == OpReg.
	Reg x86asm.Reg
	// Immediate value, valid if Type == OpImm.
	Imm int64
	// Memory reference, valid if Type == OpMem.
	Mem x86asm.Mem
	// Operand size in bytes.
	Size int
}

// Instruction is a decoded x86 instruction annotated with its address and raw
// bytes.
type Instruction struct {
	// RVA of the instruction.
	Addr bin.Addr
	// Raw encoded bytes.
	Bytes []byte
	// Decoded instruction.
	x86asm.Inst
}

// OperandCount returns the number of operands of the instruction.
func (ins *Instruction) OperandCount() int {
	n := 0
	for _, arg := range ins.Args {
		if arg == nil {
			break
		}
		n++
	}
	return n
}

// Operand returns the i:th operand of the instruction in unified form.
func (ins *Instruction) Operand(i int) Operand {
	if i >= len(ins.Args) || ins.Args[i] == nil {
		return Operand{}
	}
	switch arg := ins.Args[i].(type) {
	case x86asm.Reg:
		return Operand{Type: OpReg, Reg: arg, Size: RegBits(arg) / 8}
	case x86asm.Imm:
		return Operand{Type: OpImm, Imm: int64(arg), Size: ins.DataSize / 8}
	case x86asm.Rel:
		// Fold the relative target into an absolute immediate.
		abs := int64(ins.Addr) + int64(ins.Len) + int64(arg)
		return Operand{Type: OpImm, Imm: abs, Size: 8}
	case x86asm.Mem:
		return Operand{Type: OpMem, Mem: arg, Size: ins.MemBytes}
	}
	return Operand{}
}

// OperandType returns the kind of the i:th operand.
func (ins *Instruction) OperandType(i int) OperandType {
	return ins.Operand(i).Type
}

// IsUncondJmp reports whether the instruction is an unconditional jump.
func (ins *Instruction) IsUncondJmp() bool {
	return ins.Op == x86asm.JMP
}

// HasLockPrefix reports whether the instruction carries a LOCK prefix.
func (ins *Instruction) HasLockPrefix() bool {
	for _, p := range ins.Prefix {
		if p == 0 {
			break
		}
		if p&0x0FFF == x86asm.PrefixLOCK {
			return true
		}
	}
	return false
}

// IsMovabs reports whether the instruction is a MOV of a full-width 64-bit
// immediate into a 64-bit register (the B8+r encoding with REX.W).
func (ins *Instruction) IsMovabs() bool {
	if ins.Op != x86asm.MOV || ins.OperandCount() != 2 {
		return false
	}
	dst, src := ins.Operand(0), ins.Operand(1)
	if dst.Type != OpReg || src.Type != OpImm {
		return false
	}
	return RegBits(dst.Reg) == 64 && byte(ins.Opcode>>24)&0xF8 == 0xB8
}

// IsBranch reports whether the instruction redirects control flow.
func (ins *Instruction) IsBranch() bool {
	switch ins.Op {
	case x86asm.JMP, x86asm.CALL, x86asm.RET,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS:
		return true
	}
	return false
}
