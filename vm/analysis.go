package vm

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/analysis"
	"github.com/0xnobody/vmpattack/arith"
	"github.com/0xnobody/vmpattack/disasm/x86"
)

// Stack alignment used for virtual-stack slot sizes.
const stackAlignment = 2

// Analysis extends the pattern-matching context with templates that bind the
// VM-state registers (VSP, VIP, VCTX, RKEY, FLOW) into matchers.
type Analysis struct {
	*analysis.Context

	// The state providing the bound registers. Non-owning.
	state *State
}

// NewAnalysis returns a VM analysis context over the given stream and state.
// Both are non-owned.
func NewAnalysis(stream *x86.Stream, state *State) *Analysis {
	return &Analysis{Context: analysis.NewContext(stream), state: state}
}

// AddVSP matches an instruction that adds an immediate to the VSP register.
func (a *Analysis) AddVSP(imm analysis.Cell[uint64]) *Analysis {
	vsp := a.state.StackReg
	a.GenericRegImm(x86asm.ADD, analysis.In(&vsp), imm, false)
	return a
}

// UpdateVIP matches an instruction that increments or decrements the VIP by
// an immediate.
func (a *Analysis) UpdateVIP(id analysis.Cell[x86asm.Op], offset analysis.Cell[uint64]) *Analysis {
	vip := a.state.VIPReg
	a.UpdateReg(id, analysis.In(&vip), offset)
	return a
}

// FetchVIP matches an instruction that fetches memory from the VIP stream.
func (a *Analysis) FetchVIP(reg analysis.Cell[x86asm.Reg], size analysis.Cell[int]) *Analysis {
	// mov(zx) %reg, %size:[VIP]
	a.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.MOV && ins.Op != x86asm.MOVZX {
			return false
		}
		if !analysis.RegConstraintOK(reg, ins.Operand(0).Reg, false) {
			return false
		}
		mem := ins.Operand(1).Mem
		if mem.Base != a.state.VIPReg || mem.Index != 0 {
			return false
		}
		if !analysis.ConstraintOK(size, ins.Operand(1).Size) {
			return false
		}
		analysis.SetCell(reg, ins.Operand(0).Reg)
		analysis.SetCell(size, ins.Operand(1).Size)
		return true
	}, 2, x86.OpReg, x86.OpMem)
	return a
}

// FetchVSP matches an instruction that fetches memory from the virtual
// stack.
func (a *Analysis) FetchVSP(dst analysis.Cell[x86asm.Reg], size analysis.Cell[int], disp analysis.Cell[int64]) *Analysis {
	// mov(zx) %size:%dst, [VSP + %disp]
	a.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.MOV && ins.Op != x86asm.MOVZX {
			return false
		}
		if !analysis.RegConstraintOK(dst, ins.Operand(0).Reg, false) {
			return false
		}
		if !analysis.ConstraintOK(size, ins.Operand(0).Size) {
			return false
		}
		mem := ins.Operand(1).Mem
		if mem.Base != a.state.StackReg || mem.Index != 0 {
			return false
		}
		if !analysis.ConstraintOK(disp, mem.Disp) {
			return false
		}
		analysis.SetCell(dst, ins.Operand(0).Reg)
		analysis.SetCell(size, ins.Operand(0).Size)
		analysis.SetCell(disp, mem.Disp)
		return true
	}, 2, x86.OpReg, x86.OpMem)
	return a
}

// StoreVSP matches an instruction that stores a register to the top of the
// virtual stack.
func (a *Analysis) StoreVSP(src analysis.Cell[x86asm.Reg], size analysis.Cell[int]) *Analysis {
	// mov %size:[VSP], %src
	a.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.MOV {
			return false
		}
		mem := ins.Operand(0).Mem
		if mem.Base != a.state.StackReg || mem.Index != 0 || mem.Disp != 0 {
			return false
		}
		if !analysis.RegConstraintOK(src, ins.Operand(1).Reg, true) {
			return false
		}
		if !analysis.ConstraintOK(size, ins.Operand(0).Size) {
			return false
		}
		analysis.SetCell(src, ins.Operand(1).Reg)
		analysis.SetCell(size, ins.Operand(0).Size)
		return true
	}, 2, x86.OpMem, x86.OpReg)
	return a
}

// FetchCtx matches an instruction that fetches from the virtual register
// file, displaced by a register index.
func (a *Analysis) FetchCtx(dst analysis.Cell[x86asm.Reg], size analysis.Cell[int], disp analysis.Cell[x86asm.Reg]) *Analysis {
	// mov(zx) %dst, %size:[VCTX + %disp]
	a.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.MOV && ins.Op != x86asm.MOVZX {
			return false
		}
		if !analysis.RegConstraintOK(dst, ins.Operand(0).Reg, false) {
			return false
		}
		if !analysis.ConstraintOK(size, ins.Operand(1).Size) {
			return false
		}
		mem := ins.Operand(1).Mem
		if mem.Base != a.state.ContextReg || mem.Disp != 0 || (mem.Index != 0 && mem.Scale != 1) {
			return false
		}
		if !analysis.RegConstraintOK(disp, mem.Index, true) {
			return false
		}
		analysis.SetCell(dst, ins.Operand(0).Reg)
		analysis.SetCell(size, ins.Operand(1).Size)
		analysis.SetCell(disp, mem.Index)
		return true
	}, 2, x86.OpReg, x86.OpMem)
	return a
}

// StoreCtx matches an instruction that stores into the virtual register
// file, displaced by a register index.
func (a *Analysis) StoreCtx(src analysis.Cell[x86asm.Reg], size analysis.Cell[int], disp analysis.Cell[x86asm.Reg]) *Analysis {
	// mov %size:[VCTX + %disp], %src
	a.Match(func(ins *x86.Instruction) bool {
		if ins.Op != x86asm.MOV {
			return false
		}
		mem := ins.Operand(0).Mem
		if mem.Base != a.state.ContextReg || mem.Disp != 0 || (mem.Index != 0 && mem.Scale != 1) {
			return false
		}
		if !analysis.RegConstraintOK(src, ins.Operand(1).Reg, true) {
			return false
		}
		if !analysis.ConstraintOK(size, ins.Operand(0).Size) {
			return false
		}
		if !analysis.RegConstraintOK(disp, mem.Index, true) {
			return false
		}
		analysis.SetCell(src, ins.Operand(1).Reg)
		analysis.SetCell(size, ins.Operand(0).Size)
		analysis.SetCell(disp, mem.Index)
		return true
	}, 2, x86.OpMem, x86.OpReg)
	return a
}

// RecordEncryption advances to where the encryption sequence of the given
// register begins (the XOR with the rolling key), then records every
// arithmetic operation applied to the register until the sequence ends.
func (a *Analysis) RecordEncryption(reg x86asm.Reg, expr *arith.Expression) *Analysis {
	rkey := a.state.RollingKeyReg
	a.BeginEncryption(analysis.In(&reg), analysis.In(&rkey))
	a.RecordExpression(reg, expr, func() *analysis.Context {
		return a.EndEncryption(analysis.In(&reg), analysis.In(&rkey))
	})
	return a
}
