package vm

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/analysis"
	"github.com/0xnobody/vmpattack/disasm/x86"
	"github.com/0xnobody/vmpattack/vtil"
)

// matchBinaryVSP matches the shared prelude of the two-slot binary handlers:
// a fetch of the top of the virtual stack followed by a fetch of the next
// slot, returning the captured registers and sizes.
func matchBinaryVSP(a *Analysis, alignSizes bool) (r0, r1 x86asm.Reg, s0, s1 int) {
	initialDisp := int64(0)

	// MOV(ZX) %s0:%r0, [VSP]
	a.FetchVSP(analysis.Out(&r0), analysis.Out(&s0), analysis.In(&initialDisp))
	if alignSizes {
		a.Align(&s0, stackAlignment)
	}

	// MOV(ZX) %s1:%r1, [VSP + %s0]
	s0Disp := int64(s0)
	a.FetchVSP(analysis.Out(&r1), analysis.Out(&s1), analysis.In(&s0Disp))
	if alignSizes {
		a.Align(&s1, stackAlignment)
	}
	return r0, r1, s0, s1
}

// ADD: sum of the top two slots, pushed with flags.
var descAdd = &InstructionDesc{
	Name: "ADD",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		r0, r1, s0, s1 := matchBinaryVSP(a, false)

		// ADD %r0, %r1
		a.AddRegReg(analysis.In(&r0), analysis.In(&r1))

		// PUSHFQ
		a.Match(func(ins *x86.Instruction) bool {
			return ins.Op == x86asm.PUSHFQ || ins.Op == x86asm.PUSHF
		}, 0)

		if !a.OK() {
			return false
		}

		info.Sizes = append(info.Sizes, s0, s1)
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		sizes := ins.Handler.Info.Sizes

		lhs, rhs, result := block.Tmp3(sizes[0]*8, sizes[1]*8, sizes[0]*8)
		lhsSign, rhsSign, resultSign := block.Tmp3(1, 1, 1)

		block.
			Pop(lhs).
			Pop(rhs).
			Mov(result, vtil.Reg(lhs)).
			Add(result, vtil.Reg(rhs)).
			Tl(vtil.FlagSF, vtil.Reg(result), vtil.Imm64(0)).
			Te(vtil.FlagZF, vtil.Reg(result), vtil.Imm64(0)).
			Tul(vtil.FlagCF, vtil.Reg(result), vtil.Reg(lhs)).
			Tl(lhsSign, vtil.Reg(lhs), vtil.Imm64(0)).
			Tl(rhsSign, vtil.Reg(rhs), vtil.Imm64(0)).
			Tl(resultSign, vtil.Reg(result), vtil.Imm64(0)).
			Bxor(lhsSign, vtil.Reg(resultSign)).
			Bxor(rhsSign, vtil.Reg(resultSign)).
			Band(lhsSign, vtil.Reg(rhsSign)).
			Mov(vtil.FlagOF, vtil.Reg(lhsSign)).
			Push(vtil.Reg(result)).
			Pushf()
	},
}

// NAND: NOT both slots, OR them, push result with flags.
var descNand = &InstructionDesc{
	Name: "NAND",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		r0, r1, s0, s1 := matchBinaryVSP(a, false)

		// NOT %r0
		a.NotReg(analysis.In(&r0))
		// NOT %r1
		a.NotReg(analysis.In(&r1))
		// OR %r0, %r1
		a.OrRegReg(analysis.In(&r0), analysis.In(&r1))

		if !a.OK() {
			return false
		}

		info.Sizes = append(info.Sizes, s0, s1)
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		emitNandNor(block, ins, true)
	},
}

// NOR: NOT both slots, AND them, push result with flags.
var descNor = &InstructionDesc{
	Name: "NOR",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		r0, r1, s0, s1 := matchBinaryVSP(a, false)

		// NOT %r0
		a.NotReg(analysis.In(&r0))
		// NOT %r1
		a.NotReg(analysis.In(&r1))
		// AND %r0, %r1
		a.AndRegReg(analysis.In(&r0), analysis.In(&r1))

		if !a.OK() {
			return false
		}

		info.Sizes = append(info.Sizes, s0, s1)
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		emitNandNor(block, ins, false)
	},
}

// emitNandNor emits the shared NAND/NOR body; or selects OR over AND.
func emitNandNor(block *vtil.BasicBlock, ins *Instruction, or bool) {
	sizes := ins.Handler.Info.Sizes

	lhs, rhs, result := block.Tmp3(sizes[0]*8, sizes[1]*8, sizes[0]*8)

	block.
		Pop(lhs).
		Pop(rhs).
		Bnot(lhs).
		Bnot(rhs).
		Mov(result, vtil.Reg(lhs))
	if or {
		block.Bor(result, vtil.Reg(rhs))
	} else {
		block.Band(result, vtil.Reg(rhs))
	}
	block.
		Mov(vtil.FlagOF, vtil.Imm64(0)).
		Mov(vtil.FlagCF, vtil.Imm64(0)).
		Tl(vtil.FlagSF, vtil.Reg(result), vtil.Imm64(0)).
		Te(vtil.FlagZF, vtil.Reg(result), vtil.Imm64(0)).
		Push(vtil.Reg(result)).
		Pushf()
}

// SHL: left shift of the top slot by the next, with flag synthesis.
var descShl = &InstructionDesc{
	Name: "SHL",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		r0, r1, s0, s1 := matchBinaryVSP(a, true)

		// SHL %r0, %r1
		a.ShlRegReg(analysis.In(&r0), analysis.In(&r1))

		if !a.OK() {
			return false
		}

		info.Sizes = append(info.Sizes, s0, s1)
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		sizes := ins.Handler.Info.Sizes

		lhs, rhs, result := block.Tmp3(sizes[0]*8, sizes[1]*8, sizes[0]*8)
		t0, t1 := block.Tmp2(sizes[0]*8, sizes[1]*8)

		block.
			Pop(lhs).
			Pop(rhs).
			Mov(result, vtil.Reg(lhs)).
			Bshl(result, vtil.Reg(rhs)).
			// CF is the last bit shifted out.
			Mov(t1, vtil.Imm64(uint64(sizes[0]*8))).
			Sub(t1, vtil.Reg(rhs)).
			Mov(t0, vtil.Reg(lhs)).
			Bshr(t0, vtil.Reg(t1)).
			Mov(vtil.FlagCF, vtil.Reg(t0)).
			Tl(vtil.FlagSF, vtil.Reg(result), vtil.Imm64(0)).
			Te(vtil.FlagZF, vtil.Reg(result), vtil.Imm64(0)).
			Vpinw(vtil.FlagOF).
			Push(vtil.Reg(result)).
			Pushf()
	},
}

// SHR: right shift of the top slot by the next, with flag synthesis.
var descShr = &InstructionDesc{
	Name: "SHR",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		r0, r1, s0, s1 := matchBinaryVSP(a, true)

		// SHR %r0, %r1
		a.ShrRegReg(analysis.In(&r0), analysis.In(&r1))

		if !a.OK() {
			return false
		}

		info.Sizes = append(info.Sizes, s0, s1)
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		sizes := ins.Handler.Info.Sizes

		lhs, rhs, result := block.Tmp3(sizes[0]*8, sizes[1]*8, sizes[0]*8)
		t0, t1 := block.Tmp2(sizes[0]*8, sizes[1]*8)

		block.
			Pop(lhs).
			Pop(rhs).
			Mov(result, vtil.Reg(lhs)).
			Bshr(result, vtil.Reg(rhs)).
			// CF is the last bit shifted out.
			Mov(t1, vtil.Reg(rhs)).
			Sub(t1, vtil.Imm64(1)).
			Mov(t0, vtil.Reg(lhs)).
			Bshr(t0, vtil.Reg(t1)).
			Mov(vtil.FlagCF, vtil.Reg(t0)).
			Tl(vtil.FlagSF, vtil.Reg(result), vtil.Imm64(0)).
			Te(vtil.FlagZF, vtil.Reg(result), vtil.Imm64(0)).
			Vpinw(vtil.FlagOF).
			Push(vtil.Reg(result)).
			Pushf()
	},
}

// SHLD: double-precision left shift over three slots.
var descShld = &InstructionDesc{
	Name: "SHLD",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		return matchShiftD(state, stream, info, false)
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		emitShiftD(block, ins, false)
	},
}

// SHRD: double-precision right shift over three slots.
var descShrd = &InstructionDesc{
	Name: "SHRD",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		return matchShiftD(state, stream, info, true)
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		emitShiftD(block, ins, true)
	},
}

// matchShiftD matches the shared SHLD/SHRD template.
func matchShiftD(state *State, stream *x86.Stream, info *InstructionInfo, right bool) bool {
	a := NewAnalysis(stream, state)

	var r0, r1, r2 x86asm.Reg
	var size, shiftSize int
	var lastDisp int64
	initialDisp := int64(0)

	// MOV(ZX) %size:%r0, [VSP]
	a.FetchVSP(analysis.Out(&r0), analysis.Out(&size), analysis.In(&initialDisp))

	// MOV(ZX) %size:%r1, [VSP + %size]
	sizeDisp := int64(size)
	a.FetchVSP(analysis.Out(&r1), analysis.In(&size), analysis.In(&sizeDisp))

	// MOV(ZX) %shift_size:%r2, [VSP + %last_disp]
	a.FetchVSP(analysis.Out(&r2), analysis.Out(&shiftSize), analysis.Out(&lastDisp))

	// SHLD/SHRD %r0, %r1, %r2
	if right {
		a.ShrdRegRegReg(analysis.In(&r0), analysis.In(&r1), analysis.In(&r2))
	} else {
		a.ShldRegRegReg(analysis.In(&r0), analysis.In(&r1), analysis.In(&r2))
	}

	if !a.OK() {
		return false
	}

	info.Sizes = append(info.Sizes, size, shiftSize)
	return true
}

// emitShiftD emits the shared SHLD/SHRD body:
//
//	shld t0, t1, t2 = (t0 << t2) | (t1 >> (N - t2))
//	shrd t0, t1, t2 = (t0 >> t2) | (t1 << (N - t2))
func emitShiftD(block *vtil.BasicBlock, ins *Instruction, right bool) {
	sizes := ins.Handler.Info.Sizes

	t0, t1, t2 := block.Tmp3(sizes[0]*8, sizes[0]*8, sizes[1]*8)
	t4, t5 := block.Tmp2(sizes[0]*8, sizes[0]*8)

	block.
		Pop(t0).
		Pop(t1).
		Pop(t2).
		Mov(t5, vtil.Reg(t0))

	if right {
		block.Bshr(t0, vtil.Reg(t2))
	} else {
		block.Bshl(t0, vtil.Reg(t2))
	}

	block.
		Mov(t4, vtil.Imm64(uint64(sizes[0]*8))).
		Sub(t4, vtil.Reg(t2))

	if right {
		block.Bshl(t1, vtil.Reg(t4))
	} else {
		block.Bshr(t1, vtil.Reg(t4))
	}

	block.Bor(t0, vtil.Reg(t1))

	if right {
		block.
			Sub(t2, vtil.Imm64(1)).
			Bshr(t5, vtil.Reg(t2))
	} else {
		block.Bshr(t5, vtil.Reg(t4))
	}

	block.
		Mov(vtil.FlagCF, vtil.Reg(t5)).
		Tl(vtil.FlagSF, vtil.Reg(t0), vtil.Imm64(0)).
		Te(vtil.FlagZF, vtil.Reg(t0), vtil.Imm64(0)).
		Vpinw(vtil.FlagOF).
		Push(vtil.Reg(t0)).
		Pushf()
}

// RCL: rotate-through-carry left over two slots.
var descRcl = &InstructionDesc{
	Name: "RCL",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		r0, r1, s0, s1 := matchBinaryVSP(a, false)

		// RCL %r0, %r1
		a.RclRegReg(analysis.In(&r0), analysis.In(&r1))

		if !a.OK() {
			return false
		}

		info.Sizes = append(info.Sizes, s0, s1)
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		emitRotateCarry(block, ins, false)
	},
}

// RCR: rotate-through-carry right over two slots.
var descRcr = &InstructionDesc{
	Name: "RCR",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		r0, r1, s0, s1 := matchBinaryVSP(a, false)

		// RCR %r0, %r1
		a.RcrRegReg(analysis.In(&r0), analysis.In(&r1))

		if !a.OK() {
			return false
		}

		info.Sizes = append(info.Sizes, s0, s1)
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		emitRotateCarry(block, ins, true)
	},
}

// emitRotateCarry emits the rotate-through-carry approximation:
//
//	rcl t0, t1 = (t0 << t1) | (t0 >> (N - t1 + 1)), CF = (t0 >> (N - t1)) != 0
//	rcr t0, t1 = (t0 >> t1) | (t0 << (N - t1 + 1)), CF = (t0 >> (N - t1)) != 0
func emitRotateCarry(block *vtil.BasicBlock, ins *Instruction, right bool) {
	sizes := ins.Handler.Info.Sizes

	t0, t1 := block.Tmp2(sizes[0]*8, sizes[1]*8)
	t2, t3, t4 := block.Tmp3(sizes[0]*8, sizes[1]*8, sizes[0]*8)
	t5, t6 := block.Tmp2(sizes[0]*8, sizes[1]*8)

	block.
		Pop(t0).
		Pop(t1).
		Mov(t2, vtil.Reg(t0))

	if right {
		block.Bshr(t2, vtil.Reg(t1))
	} else {
		block.Bshl(t2, vtil.Reg(t1))
	}

	block.
		Mov(t3, vtil.Imm64(uint64(sizes[0]*8))).
		Sub(t3, vtil.Reg(t1)).
		Mov(t6, vtil.Reg(t3)).
		Add(t3, vtil.Imm64(1)).
		Mov(t4, vtil.Reg(t0))

	if right {
		block.Bshl(t4, vtil.Reg(t3))
	} else {
		block.Bshr(t4, vtil.Reg(t3))
	}

	block.
		Bor(t2, vtil.Reg(t4)).
		Mov(t5, vtil.Reg(t0)).
		Bshr(t5, vtil.Reg(t6)).
		Ifs(vtil.FlagCF, vtil.Reg(t5), vtil.Imm64(1)).
		Push(vtil.Reg(t2)).
		Pushf()
}
