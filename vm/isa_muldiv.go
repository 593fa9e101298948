package vm

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/analysis"
	"github.com/0xnobody/vmpattack/disasm/x86"
	"github.com/0xnobody/vmpattack/vtil"
)

// matchDivide matches the shared DIV/IDIV template: the dividend halves at
// fixed stack slots with bases DX and AX, and the divisor below them.
func matchDivide(state *State, stream *x86.Stream, info *InstructionInfo, signed bool) bool {
	a := NewAnalysis(stream, state)

	var r0, r1, r2 x86asm.Reg
	var s0, s1 int
	initialDisp := int64(0)
	var disp, divisorDisp int64

	// MOV(ZX) %s0:%r0, [VSP + %disp]
	a.FetchVSP(analysis.Out(&r0), analysis.Out(&s0), analysis.Out(&disp))

	// MOV(ZX) %s0:%r1, [VSP]
	a.FetchVSP(analysis.Out(&r1), analysis.In(&s0), analysis.In(&initialDisp))

	// MOV(ZX) %s1:%r2, [VSP + %divisor_disp]
	a.FetchVSP(analysis.Out(&r2), analysis.Out(&s1), analysis.Out(&divisorDisp))

	// (I)DIV %r2
	if signed {
		a.IdivReg(analysis.In(&r2))
	} else {
		a.DivReg(analysis.In(&r2))
	}

	if !a.OK() {
		return false
	}

	// Arguments of (I)DIV live in AX and DX.
	if !x86.RegBaseEqual(r0, x86asm.AX) || !x86.RegBaseEqual(r1, x86asm.DX) {
		return false
	}

	info.Sizes = append(info.Sizes, s0, s1)
	return true
}

// emitDivide emits the shared DIV/IDIV body: pop dx, ax and the divisor,
// push quotient, remainder, and flags.
func emitDivide(block *vtil.BasicBlock, ins *Instruction, signed bool) {
	sizes := ins.Handler.Info.Sizes

	t0, t1, t2, t3 := block.Tmp4(sizes[0]*8, sizes[0]*8, sizes[0]*8, sizes[1]*8)

	block.
		// dx
		Pop(t0).
		// ax
		Pop(t1).
		Mov(t2, vtil.Reg(t1)).
		// divisor
		Pop(t3)

	if signed {
		block.
			Idiv(t1, vtil.Reg(t0), vtil.Reg(t3)).
			Irem(t2, vtil.Reg(t0), vtil.Reg(t3))
	} else {
		block.
			Div(t1, vtil.Reg(t0), vtil.Reg(t3)).
			Rem(t2, vtil.Reg(t0), vtil.Reg(t3))
	}

	// Division leaves every arithmetic flag undefined; clobber them so no
	// stale value survives the pushf.
	block.
		Vpinw(vtil.FlagCF).
		Vpinw(vtil.FlagOF).
		Vpinw(vtil.FlagSF).
		Vpinw(vtil.FlagZF).
		Push(vtil.Reg(t1)).
		Push(vtil.Reg(t2)).
		Pushf()
}

// DIV: unsigned divide of the DX:AX pair at top-of-stack.
var descDiv = &InstructionDesc{
	Name: "DIV",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		return matchDivide(state, stream, info, false)
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		emitDivide(block, ins, false)
	},
}

// IDIV: signed divide of the DX:AX pair at top-of-stack.
var descIdiv = &InstructionDesc{
	Name: "IDIV",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		return matchDivide(state, stream, info, true)
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		emitDivide(block, ins, true)
	},
}

// matchMultiply matches the shared MUL/IMUL template: both factors at fixed
// stack slots with bases DX and AX.
func matchMultiply(state *State, stream *x86.Stream, info *InstructionInfo, signed bool) bool {
	a := NewAnalysis(stream, state)

	var r0, r1 x86asm.Reg
	var s0 int
	initialDisp := int64(0)
	var disp int64

	// MOV(ZX) %s0:%r0, [VSP + %disp]
	a.FetchVSP(analysis.Out(&r0), analysis.Out(&s0), analysis.Out(&disp))

	// MOV(ZX) %s0:%r1, [VSP]
	a.FetchVSP(analysis.Out(&r1), analysis.In(&s0), analysis.In(&initialDisp))

	// (I)MUL %r1
	if signed {
		a.ImulReg(analysis.In(&r1))
	} else {
		a.MulReg(analysis.In(&r1))
	}

	if !a.OK() {
		return false
	}

	// Arguments of (I)MUL live in AX and DX.
	if !x86.RegBaseEqual(r0, x86asm.AX) || !x86.RegBaseEqual(r1, x86asm.DX) {
		return false
	}

	info.Sizes = append(info.Sizes, s0)
	return true
}

// MUL: unsigned dual-result multiply; push lo, hi, flags.
var descMul = &InstructionDesc{
	Name: "MUL",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		return matchMultiply(state, stream, info, false)
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		sizes := ins.Handler.Info.Sizes

		t0, t1, t2, t3 := block.Tmp4(sizes[0]*8, sizes[0]*8, sizes[0]*8, sizes[0]*8)

		block.
			// dx
			Pop(t0).
			Mov(t2, vtil.Reg(t0)).
			// ax
			Pop(t1).
			Mov(t3, vtil.Reg(t1)).
			Mul(t0, vtil.Reg(t1)).
			Mulhi(t2, vtil.Reg(t3)).
			Tne(vtil.FlagCF, vtil.Reg(t2), vtil.Imm64(0)).
			Tne(vtil.FlagOF, vtil.Reg(t2), vtil.Imm64(0)).
			Vpinw(vtil.FlagSF).
			Vpinw(vtil.FlagZF).
			Push(vtil.Reg(t0)).
			Push(vtil.Reg(t2)).
			Pushf()
	},
}

// IMUL: signed dual-result multiply; push lo, hi, flags. CF/OF signal a
// significant high half, compared against the sign extension of the low
// half.
var descImul = &InstructionDesc{
	Name: "IMUL",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		return matchMultiply(state, stream, info, true)
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		sizes := ins.Handler.Info.Sizes

		t0, t1, t2, t3 := block.Tmp4(sizes[0]*8, sizes[0]*8, sizes[0]*8, sizes[0]*8)
		losign, sxd := block.Tmp2(1, sizes[0]*8)

		block.
			// dx
			Pop(t0).
			Mov(t2, vtil.Reg(t0)).
			// ax
			Pop(t1).
			Mov(t3, vtil.Reg(t1)).
			Imul(t0, vtil.Reg(t1)).
			Imulhi(t2, vtil.Reg(t3)).
			Tl(losign, vtil.Reg(t0), vtil.Imm64(0)).
			Ifs(sxd, vtil.Reg(losign), vtil.Imm(^uint64(0), sizes[0]*8)).
			Tne(vtil.FlagCF, vtil.Reg(t2), vtil.Reg(sxd)).
			Tne(vtil.FlagOF, vtil.Reg(t2), vtil.Reg(sxd)).
			Vpinw(vtil.FlagSF).
			Vpinw(vtil.FlagZF).
			Push(vtil.Reg(t0)).
			Push(vtil.Reg(t2)).
			Pushf()
	},
}
