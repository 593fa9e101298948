package vm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/analysis"
	"github.com/0xnobody/vmpattack/disasm/x86"
	"github.com/0xnobody/vmpattack/vtil"
)

// RDTSC: matched by raw opcode; emitted as an opaque passthrough with pinned
// output registers.
var descRdtsc = &InstructionDesc{
	Name: "RDTSC",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		// RDTSC
		a.ID(x86asm.RDTSC)

		return a.OK()
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		block.
			Vemits("rdtsc").
			Vpinw(vtil.PhysReg(x86asm.RDX)).
			Vpinw(vtil.PhysReg(x86asm.RAX)).
			Push(vtil.Reg(vtil.PhysReg(x86asm.EDX))).
			Push(vtil.Reg(vtil.PhysReg(x86asm.EAX)))
	},
}

// CPUID: leaf from top-of-stack; emitted as an opaque passthrough with
// pinned input and output registers.
var descCpuid = &InstructionDesc{
	Name: "CPUID",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		var r0 x86asm.Reg
		var s0 int
		initialDisp := int64(0)

		// MOV %s0:%r0, [VSP]
		a.FetchVSP(analysis.Out(&r0), analysis.Out(&s0), analysis.In(&initialDisp))

		// CPUID
		a.ID(x86asm.CPUID)

		return a.OK()
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		eax := block.Tmp(32)

		block.
			Pop(eax).
			Mov(vtil.PhysReg(x86asm.EAX), vtil.Reg(eax)).
			Vpinr(vtil.PhysReg(x86asm.EAX)).
			Vemits("cpuid").
			Vpinw(vtil.PhysReg(x86asm.EAX)).
			Vpinw(vtil.PhysReg(x86asm.EBX)).
			Vpinw(vtil.PhysReg(x86asm.ECX)).
			Vpinw(vtil.PhysReg(x86asm.EDX)).
			Push(vtil.Reg(vtil.PhysReg(x86asm.EAX))).
			Push(vtil.Reg(vtil.PhysReg(x86asm.EBX))).
			Push(vtil.Reg(vtil.PhysReg(x86asm.ECX))).
			Push(vtil.Reg(vtil.PhysReg(x86asm.EDX)))
	},
}

// PUSHREG: a debug or control register moved out and stored at VSP;
// remembered in custom data for emission.
var descPushReg = &InstructionDesc{
	Name: "PUSHREG",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		var r0, r1 x86asm.Reg
		s0 := 8

		// MOV %r0, %r1
		a.MovRegReg(analysis.Out(&r0), analysis.Out(&r1), true)

		// MOV 8:[VSP], %r0
		a.StoreVSP(analysis.In(&r0), analysis.In(&s0))

		if !a.OK() {
			return false
		}

		// Only debug and control registers qualify.
		if !x86.IsDebugReg(r1) && !x86.IsControlReg(r1) {
			return false
		}

		info.CustomData = r1
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		reg := ins.Handler.Info.CustomData.(x86asm.Reg)
		block.Push(vtil.Reg(vtil.PhysReg(reg)))
	},
}

// POPREG: top of the virtual stack moved into a debug or control register.
var descPopReg = &InstructionDesc{
	Name: "POPREG",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		var r0, r1 x86asm.Reg
		s0 := 8
		initialDisp := int64(0)

		// MOV %r0, 8:[VSP]
		a.FetchVSP(analysis.Out(&r0), analysis.In(&s0), analysis.In(&initialDisp))

		// MOV %r1, %r0
		a.MovRegReg(analysis.Out(&r1), analysis.In(&r0), true)

		if !a.OK() {
			return false
		}

		// Only debug and control registers qualify.
		if !x86.IsDebugReg(r1) && !x86.IsControlReg(r1) {
			return false
		}

		info.CustomData = r1
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		reg := ins.Handler.Info.CustomData.(x86asm.Reg)
		block.Pop(vtil.PhysReg(reg))
	},
}

// LOCKOR: an atomic `or [r0], r1` detected by the LOCK prefix; emitted as an
// opaque lock-prefixed passthrough.
var descLockOr = &InstructionDesc{
	Name: "LOCKOR",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		var r0, r1 x86asm.Reg
		s0 := 8
		var s1 int
		initialDisp := int64(0)
		d1 := int64(8)

		var lockOrIns *x86.Instruction

		// MOV %r0, 8:[VSP]
		a.FetchVSP(analysis.Out(&r0), analysis.In(&s0), analysis.In(&initialDisp))

		// MOV %r1, %s1:[VSP + 8]
		a.FetchVSP(analysis.Out(&r1), analysis.Out(&s1), analysis.In(&d1))

		// OR [%r0], %r1
		a.IDRef(x86asm.OR, &lockOrIns)

		if !a.OK() || lockOrIns == nil {
			return false
		}

		// The OR must carry the LOCK prefix.
		if !lockOrIns.HasLockPrefix() {
			return false
		}

		info.CustomData = []x86asm.Reg{r0, r1}
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		// The IR has no architecture-specific atomics; emit the LOCK OR
		// verbatim.
		regs := ins.Handler.Info.CustomData.([]x86asm.Reg)
		assembly := fmt.Sprintf("lock or [%s], %s", x86.RegName(regs[0]), x86.RegName(regs[1]))
		block.Vemits(assembly)
	},
}
