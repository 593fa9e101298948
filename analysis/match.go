package analysis

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/disasm/x86"
)

// regOK reports whether the given register satisfies the cell's constraint,
// comparing by base unless strict is requested.
func regOK(cell Cell[x86asm.Reg], r x86asm.Reg, bases bool) bool {
	if !cell.in {
		return true
	}
	if bases {
		return x86.RegBaseEqual(r, *cell.p)
	}
	return r == *cell.p
}

// eq is the plain equality predicate for comparable cell checks.
func eq[T comparable](a, b T) bool { return a == b }

// ID matches any instruction with the given opcode.
func (c *Context) ID(id x86asm.Op) *Context {
	return c.Match(func(ins *x86.Instruction) bool {
		return ins.Op == id
	}, 0)
}

// IDRef matches any instruction with the given opcode, returning a reference
// to the matched instruction through ins.
func (c *Context) IDRef(id x86asm.Op, ins **x86.Instruction) *Context {
	return c.Match(func(cur *x86.Instruction) bool {
		if cur.Op != id {
			return false
		}
		*ins = cur
		return true
	}, 0)
}

// Push matches a PUSH %reg instruction.
func (c *Context) Push(reg Cell[x86asm.Reg]) *Context {
	// PUSH %reg
	return c.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.PUSH {
			return false
		}
		if !regOK(reg, ins.Operand(0).Reg, false) {
			return false
		}
		reg.set(ins.Operand(0).Reg)
		return true
	}, 1, x86.OpReg)
}

// GenericReg matches a generic instruction with 1 register operand. Register
// comparison is by base when bases is true, strict otherwise.
func (c *Context) GenericReg(id x86asm.Op, reg Cell[x86asm.Reg], bases bool) *Context {
	// %id %reg
	return c.Match(func(ins *x86.Instruction) bool {
		if ins.Op != id {
			return false
		}
		if !regOK(reg, ins.Operand(0).Reg, bases) {
			return false
		}
		reg.set(ins.Operand(0).Reg)
		return true
	}, 1, x86.OpReg)
}

// GenericRegReg matches a generic instruction with 2 register operands.
func (c *Context) GenericRegReg(id x86asm.Op, reg, reg1 Cell[x86asm.Reg], bases bool) *Context {
	// %id %reg, %reg1
	return c.Match(func(ins *x86.Instruction) bool {
		if ins.Op != id {
			return false
		}
		if !regOK(reg, ins.Operand(0).Reg, bases) {
			return false
		}
		if !regOK(reg1, ins.Operand(1).Reg, bases) {
			return false
		}
		reg.set(ins.Operand(0).Reg)
		reg1.set(ins.Operand(1).Reg)
		return true
	}, 2, x86.OpReg, x86.OpReg)
}

// GenericRegRegReg matches a generic instruction with 3 register operands.
func (c *Context) GenericRegRegReg(id x86asm.Op, reg, reg1, reg2 Cell[x86asm.Reg], bases bool) *Context {
	// %id %reg, %reg1, %reg2
	return c.Match(func(ins *x86.Instruction) bool {
		if ins.Op != id {
			return false
		}
		if !regOK(reg, ins.Operand(0).Reg, bases) {
			return false
		}
		if !regOK(reg1, ins.Operand(1).Reg, bases) {
			return false
		}
		if !regOK(reg2, ins.Operand(2).Reg, bases) {
			return false
		}
		reg.set(ins.Operand(0).Reg)
		reg1.set(ins.Operand(1).Reg)
		reg2.set(ins.Operand(2).Reg)
		return true
	}, 3, x86.OpReg, x86.OpReg, x86.OpReg)
}

// GenericRegImm matches a generic instruction with a register and an
// immediate operand.
func (c *Context) GenericRegImm(id x86asm.Op, reg Cell[x86asm.Reg], imm Cell[uint64], bases bool) *Context {
	// %id %reg, %imm
	return c.Match(func(ins *x86.Instruction) bool {
		if ins.Op != id {
			return false
		}
		if !regOK(reg, ins.Operand(0).Reg, bases) {
			return false
		}
		if !imm.check(uint64(ins.Operand(1).Imm), eq[uint64]) {
			return false
		}
		reg.set(ins.Operand(0).Reg)
		imm.set(uint64(ins.Operand(1).Imm))
		return true
	}, 2, x86.OpReg, x86.OpImm)
}

// Single register-operand templates.

func (c *Context) NotReg(dst Cell[x86asm.Reg]) *Context  { return c.GenericReg(x86asm.NOT, dst, true) }
func (c *Context) DivReg(dst Cell[x86asm.Reg]) *Context  { return c.GenericReg(x86asm.DIV, dst, true) }
func (c *Context) IdivReg(dst Cell[x86asm.Reg]) *Context { return c.GenericReg(x86asm.IDIV, dst, true) }
func (c *Context) MulReg(dst Cell[x86asm.Reg]) *Context  { return c.GenericReg(x86asm.MUL, dst, true) }
func (c *Context) ImulReg(dst Cell[x86asm.Reg]) *Context { return c.GenericReg(x86asm.IMUL, dst, true) }

// Double register-operand templates.

func (c *Context) MovRegReg(dst, src Cell[x86asm.Reg], bases bool) *Context {
	return c.GenericRegReg(x86asm.MOV, dst, src, bases)
}
func (c *Context) XorRegReg(dst, src Cell[x86asm.Reg]) *Context {
	return c.GenericRegReg(x86asm.XOR, dst, src, true)
}
func (c *Context) AddRegReg(dst, src Cell[x86asm.Reg]) *Context {
	return c.GenericRegReg(x86asm.ADD, dst, src, true)
}
func (c *Context) ShlRegReg(dst, src Cell[x86asm.Reg]) *Context {
	return c.GenericRegReg(x86asm.SHL, dst, src, true)
}
func (c *Context) ShrRegReg(dst, src Cell[x86asm.Reg]) *Context {
	return c.GenericRegReg(x86asm.SHR, dst, src, true)
}
func (c *Context) OrRegReg(dst, src Cell[x86asm.Reg]) *Context {
	return c.GenericRegReg(x86asm.OR, dst, src, true)
}
func (c *Context) AndRegReg(dst, src Cell[x86asm.Reg]) *Context {
	return c.GenericRegReg(x86asm.AND, dst, src, true)
}
func (c *Context) RclRegReg(dst, src Cell[x86asm.Reg]) *Context {
	return c.GenericRegReg(x86asm.RCL, dst, src, true)
}
func (c *Context) RcrRegReg(dst, src Cell[x86asm.Reg]) *Context {
	return c.GenericRegReg(x86asm.RCR, dst, src, true)
}

// Triple register-operand templates.

func (c *Context) ShldRegRegReg(dst, src, shift Cell[x86asm.Reg]) *Context {
	return c.GenericRegRegReg(x86asm.SHLD, dst, src, shift, true)
}
func (c *Context) ShrdRegRegReg(dst, src, shift Cell[x86asm.Reg]) *Context {
	return c.GenericRegRegReg(x86asm.SHRD, dst, src, shift, true)
}

// FetchMemory matches a mov/movzx of memory at a register into another
// register, with zero displacement and no index.
func (c *Context) FetchMemory(dst, src Cell[x86asm.Reg], size Cell[int]) *Context {
	// mov(zx) %size:%dst, [%src]
	return c.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.MOV && ins.Op != x86asm.MOVZX {
			return false
		}
		if !regOK(dst, ins.Operand(0).Reg, false) {
			return false
		}
		if !size.check(ins.Operand(0).Size, eq[int]) {
			return false
		}
		mem := ins.Operand(1).Mem
		if !regOK(src, mem.Base, false) {
			return false
		}
		if mem.Disp != 0 || mem.Index != 0 {
			return false
		}
		dst.set(ins.Operand(0).Reg)
		size.set(ins.Operand(0).Size)
		src.set(mem.Base)
		return true
	}, 2, x86.OpReg, x86.OpMem)
}

// StoreMemory matches a mov/movzx of a register into memory at another
// register.
func (c *Context) StoreMemory(dst, src Cell[x86asm.Reg], size Cell[int]) *Context {
	// mov(zx) [%dst], %size:%src
	return c.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.MOV && ins.Op != x86asm.MOVZX {
			return false
		}
		if !regOK(dst, ins.Operand(0).Mem.Base, false) {
			return false
		}
		if !size.check(ins.Operand(1).Size, eq[int]) {
			return false
		}
		if !regOK(src, ins.Operand(1).Reg, false) {
			return false
		}
		dst.set(ins.Operand(0).Mem.Base)
		size.set(ins.Operand(1).Size)
		src.set(ins.Operand(1).Reg)
		return true
	}, 2, x86.OpMem, x86.OpReg)
}

// PushMemory matches a push of memory at a register, with zero displacement
// and unit scale.
func (c *Context) PushMemory(src Cell[x86asm.Reg], size Cell[int]) *Context {
	// push %size:[%src]
	return c.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.PUSH {
			return false
		}
		mem := ins.Operand(0).Mem
		if mem.Disp != 0 || (mem.Index != 0 && mem.Scale != 1) {
			return false
		}
		if !size.check(ins.Operand(0).Size, eq[int]) {
			return false
		}
		if !regOK(src, mem.Base, false) {
			return false
		}
		size.set(ins.Operand(0).Size)
		src.set(mem.Base)
		return true
	}, 1, x86.OpMem)
}

// UpdateReg matches an instruction that increments or decrements the given
// register by an immediate, via either ADD or SUB.
func (c *Context) UpdateReg(id Cell[x86asm.Op], reg Cell[x86asm.Reg], offset Cell[uint64]) *Context {
	// ADD %reg, %offset
	//      or
	// SUB %reg, %offset
	//  ^ %id
	return c.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.ADD && ins.Op != x86asm.SUB {
			return false
		}
		if !regOK(reg, ins.Operand(0).Reg, false) {
			return false
		}
		if !id.check(ins.Op, eq[x86asm.Op]) {
			return false
		}
		if !offset.check(uint64(ins.Operand(1).Imm), eq[uint64]) {
			return false
		}
		id.set(ins.Op)
		reg.set(ins.Operand(0).Reg)
		offset.set(uint64(ins.Operand(1).Imm))
		return true
	}, 2, x86.OpReg, x86.OpImm)
}

// OffsetReg matches an instruction that offsets the given register by
// another register, via either a unit-scale LEA or an ADD.
func (c *Context) OffsetReg(id Cell[x86asm.Op], reg, offsetReg Cell[x86asm.Reg]) *Context {
	// lea %reg, [%reg + %offset_reg]
	//      or
	// add %reg, %offset_reg
	// ^ %id
	return c.Match(func(ins *x86.Instruction) bool {
		switch ins.Op {
		case x86asm.LEA:
			if !id.check(x86asm.LEA, eq[x86asm.Op]) {
				return false
			}
			if ins.OperandType(0) != x86.OpReg || ins.OperandType(1) != x86.OpMem {
				return false
			}
			if !regOK(reg, ins.Operand(0).Reg, false) {
				return false
			}
			mem := ins.Operand(1).Mem
			if mem.Base != ins.Operand(0).Reg || mem.Index == 0 || mem.Disp != 0 || mem.Scale != 1 {
				return false
			}
			if !regOK(offsetReg, mem.Index, false) {
				return false
			}
			id.set(ins.Op)
			reg.set(ins.Operand(0).Reg)
			offsetReg.set(mem.Index)
			return true

		case x86asm.ADD:
			if !id.check(x86asm.ADD, eq[x86asm.Op]) {
				return false
			}
			if ins.OperandType(0) != x86.OpReg || ins.OperandType(1) != x86.OpReg {
				return false
			}
			if !regOK(reg, ins.Operand(0).Reg, false) {
				return false
			}
			if !regOK(offsetReg, ins.Operand(1).Reg, false) {
				return false
			}
			id.set(ins.Op)
			reg.set(ins.Operand(0).Reg)
			offsetReg.set(ins.Operand(1).Reg)
			return true
		}
		return false
	}, 0)
}

// BeginEncryption matches the instruction that begins an encryption sequence
// by XORing the given register with the rolling key. The matched rolling-key
// register is widened to its architecture-largest base name.
func (c *Context) BeginEncryption(reg, rkey Cell[x86asm.Reg]) *Context {
	result := c.GenericRegReg(x86asm.XOR, reg, rkey, true)
	if result.OK() {
		rkey.set(x86.RegBase(*rkey.p))
	}
	return result
}

// EndEncryption matches the instruction that ends an encryption sequence, by
// either pushing the rolling key for a later XOR, or XORing the rolling key
// with the given register directly. The rolling-key register is widened to
// its architecture-largest base name; reg is only bound in the non-stack
// variant.
func (c *Context) EndEncryption(reg, rkey Cell[x86asm.Reg]) *Context {
	// push %rkey
	//      or
	// xor %rkey, %reg
	return c.Match(func(ins *x86.Instruction) bool {
		switch ins.Op {
		case x86asm.PUSH:
			if ins.OperandType(0) != x86.OpReg {
				return false
			}
			if !regOK(rkey, ins.Operand(0).Reg, true) {
				return false
			}
			rkey.set(x86.RegBase(ins.Operand(0).Reg))
			return true

		case x86asm.XOR:
			if ins.OperandType(0) != x86.OpReg || ins.OperandType(1) != x86.OpReg {
				return false
			}
			if !regOK(rkey, ins.Operand(0).Reg, true) {
				return false
			}
			if !regOK(reg, ins.Operand(1).Reg, true) {
				return false
			}
			rkey.set(x86.RegBase(ins.Operand(0).Reg))
			reg.set(ins.Operand(1).Reg)
			return true
		}
		return false
	}, 0)
}

// FetchEncryptedVIP matches the instruction that fetches the encrypted VIP
// seed ("stub") from the native stack.
func (c *Context) FetchEncryptedVIP(reg Cell[x86asm.Reg], offset Cell[int64]) *Context {
	// mov %reg, 8:[rsp + %offset]
	return c.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.MOV {
			return false
		}
		mem := ins.Operand(1).Mem
		if mem.Base != x86asm.RSP || mem.Index != 0 {
			return false
		}
		if !regOK(reg, ins.Operand(0).Reg, false) {
			return false
		}
		if !offset.check(mem.Disp, eq[int64]) {
			return false
		}
		reg.set(ins.Operand(0).Reg)
		offset.set(mem.Disp)
		return true
	}, 2, x86.OpReg, x86.OpMem)
}

// SetFlow matches the instruction that loads the flow (the RIP of the
// current instruction) into a register, binding the flow RVA.
func (c *Context) SetFlow(reg Cell[x86asm.Reg], flow Cell[uint64]) *Context {
	// lea %reg, [rip - {ins_len}]
	return c.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.LEA {
			return false
		}
		if !regOK(reg, ins.Operand(0).Reg, false) {
			return false
		}
		mem := ins.Operand(1).Mem
		// RIP-relative displacements are 32 bits wide; read them as signed.
		disp := int64(int32(mem.Disp))
		if mem.Base != x86asm.RIP || mem.Index != 0 || disp != -int64(ins.Len) {
			return false
		}
		rva := uint64(int64(ins.Addr) + int64(ins.Len) + disp)
		if !flow.check(rva, eq[uint64]) {
			return false
		}
		reg.set(ins.Operand(0).Reg)
		flow.set(rva)
		return true
	}, 2, x86.OpReg, x86.OpMem)
}

// AllocateStack matches the stack-scratch allocation at VMENTRY.
func (c *Context) AllocateStack(imm Cell[uint64]) *Context {
	// sub rsp, %imm
	return c.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.SUB {
			return false
		}
		if ins.Operand(0).Reg != x86asm.RSP {
			return false
		}
		if !imm.check(uint64(ins.Operand(1).Imm), eq[uint64]) {
			return false
		}
		imm.set(uint64(ins.Operand(1).Imm))
		return true
	}, 2, x86.OpReg, x86.OpImm)
}
