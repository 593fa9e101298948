package x86

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// RegFlags is a pseudo-register standing in for RFLAGS in recorded push/pop
// sequences; x86asm has no flags register of its own.
const RegFlags x86asm.Reg = 0xFF

// General-purpose register files, index-aligned so that gpr8[i], gpr16[i],
// gpr32[i] and gpr64[i] share a base.
var (
	gpr8 = [...]x86asm.Reg{
		x86asm.AL, x86asm.CL, x86asm.DL, x86asm.BL,
		x86asm.SPB, x86asm.BPB, x86asm.SIB, x86asm.DIB,
		x86asm.R8B, x86asm.R9B, x86asm.R10B, x86asm.R11B,
		x86asm.R12B, x86asm.R13B, x86asm.R14B, x86asm.R15B,
	}
	gpr16 = [...]x86asm.Reg{
		x86asm.AX, x86asm.CX, x86asm.DX, x86asm.BX,
		x86asm.SP, x86asm.BP, x86asm.SI, x86asm.DI,
		x86asm.R8W, x86asm.R9W, x86asm.R10W, x86asm.R11W,
		x86asm.R12W, x86asm.R13W, x86asm.R14W, x86asm.R15W,
	}
	gpr32 = [...]x86asm.Reg{
		x86asm.EAX, x86asm.ECX, x86asm.EDX, x86asm.EBX,
		x86asm.ESP, x86asm.EBP, x86asm.ESI, x86asm.EDI,
		x86asm.R8L, x86asm.R9L, x86asm.R10L, x86asm.R11L,
		x86asm.R12L, x86asm.R13L, x86asm.R14L, x86asm.R15L,
	}
	gpr64 = [...]x86asm.Reg{
		x86asm.RAX, x86asm.RCX, x86asm.RDX, x86asm.RBX,
		x86asm.RSP, x86asm.RBP, x86asm.RSI, x86asm.RDI,
		x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11,
		x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15,
	}
	// High-byte registers, aliasing the first four 64-bit bases.
	gpr8h = [...]x86asm.Reg{x86asm.AH, x86asm.CH, x86asm.DH, x86asm.BH}
)

// regBase maps every general-purpose register alias to its architecture-
// largest form; regWidth maps registers to their width in bits.
var (
	regBase  = make(map[x86asm.Reg]x86asm.Reg)
	regWidth = make(map[x86asm.Reg]int)
)

func init() {
	for i, base := range gpr64 {
		regBase[gpr8[i]] = base
		regBase[gpr16[i]] = base
		regBase[gpr32[i]] = base
		regBase[base] = base
		regWidth[gpr8[i]] = 8
		regWidth[gpr16[i]] = 16
		regWidth[gpr32[i]] = 32
		regWidth[base] = 64
	}
	for i, r := range gpr8h {
		regBase[r] = gpr64[i]
		regWidth[r] = 8
	}
	for _, r := range [...]x86asm.Reg{x86asm.IP, x86asm.EIP, x86asm.RIP} {
		regBase[r] = x86asm.RIP
	}
	regWidth[x86asm.IP] = 16
	regWidth[x86asm.EIP] = 32
	regWidth[x86asm.RIP] = 64
}

// RegBase returns the architecture-largest alias of the given register; the
// register itself if it has no wider form.
func RegBase(r x86asm.Reg) x86asm.Reg {
	if base, ok := regBase[r]; ok {
		return base
	}
	return r
}

// RegBaseEqual reports whether two registers share a base.
func RegBaseEqual(a, b x86asm.Reg) bool {
	return a != 0 && b != 0 && RegBase(a) == RegBase(b)
}

// RegBits returns the width of the given register in bits. Registers outside
// the general-purpose file and the instruction-pointer aliases report 64.
func RegBits(r x86asm.Reg) int {
	if w, ok := regWidth[r]; ok {
		return w
	}
	return 64
}

// RegName returns the lower-case assembler name of the register.
func RegName(r x86asm.Reg) string {
	return strings.ToLower(r.String())
}

// IsDebugReg reports whether r is one of DR0..DR15.
func IsDebugReg(r x86asm.Reg) bool {
	return r >= x86asm.DR0 && r <= x86asm.DR15
}

// IsControlReg reports whether r is one of CR0..CR15.
func IsControlReg(r x86asm.Reg) bool {
	return r >= x86asm.CR0 && r <= x86asm.CR15
}

// RegsAccessed returns the sets of registers read and written by the
// instruction, derived from its operands and opcode semantics. Implicit
// stack-pointer updates are included.
func RegsAccessed(ins *Instruction) (read, write []x86asm.Reg) {
	addReg := func(set *[]x86asm.Reg, r x86asm.Reg) {
		if r == 0 {
			return
		}
		for _, have := range *set {
			if have == r {
				return
			}
		}
		*set = append(*set, r)
	}
	addMem := func(m x86asm.Mem) {
		addReg(&read, m.Base)
		addReg(&read, m.Index)
	}
	switch ins.Op {
	case x86asm.PUSH:
		op := ins.Operand(0)
		switch op.Type {
		case OpReg:
			addReg(&read, op.Reg)
		case OpMem:
			addMem(op.Mem)
		}
		addReg(&read, x86asm.RSP)
		addReg(&write, x86asm.RSP)
		return read, write
	case x86asm.POP:
		if op := ins.Operand(0); op.Type == OpReg {
			addReg(&write, op.Reg)
		}
		addReg(&read, x86asm.RSP)
		addReg(&write, x86asm.RSP)
		return read, write
	case x86asm.PUSHF, x86asm.PUSHFD, x86asm.PUSHFQ,
		x86asm.POPF, x86asm.POPFD, x86asm.POPFQ:
		addReg(&read, x86asm.RSP)
		addReg(&write, x86asm.RSP)
		return read, write
	case x86asm.RDTSC:
		addReg(&write, x86asm.RAX)
		addReg(&write, x86asm.RDX)
		return read, write
	case x86asm.CPUID:
		addReg(&read, x86asm.RAX)
		addReg(&read, x86asm.RCX)
		addReg(&write, x86asm.RAX)
		addReg(&write, x86asm.RBX)
		addReg(&write, x86asm.RCX)
		addReg(&write, x86asm.RDX)
		return read, write
	case x86asm.MUL, x86asm.IMUL, x86asm.DIV, x86asm.IDIV:
		if ins.OperandCount() == 1 {
			addReg(&read, x86asm.RAX)
			addReg(&read, x86asm.RDX)
			addReg(&write, x86asm.RAX)
			addReg(&write, x86asm.RDX)
		}
	}
	for i := 0; i < ins.OperandCount(); i++ {
		op := ins.Operand(i)
		switch op.Type {
		case OpReg:
			if i == 0 {
				addReg(&write, op.Reg)
				// Destination also counts as a source for read-modify-write
				// opcodes.
				switch ins.Op {
				case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.LEA:
				default:
					addReg(&read, op.Reg)
				}
			} else {
				addReg(&read, op.Reg)
			}
		case OpMem:
			addMem(op.Mem)
		}
	}
	return read, write
}
