package vm

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/analysis"
	"github.com/0xnobody/vmpattack/arith"
	"github.com/0xnobody/vmpattack/disasm/x86"
	"github.com/0xnobody/vmpattack/vtil"
)

// POP: fetch from VSP, advance VSP, fetch the destination register index
// from the VIP stream, store into the register file at the decrypted index.
var descPop = &InstructionDesc{
	Name:         "POP",
	OperandCount: 1,
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		operandChain := &arith.Expression{}
		a := NewAnalysis(stream, state)

		var popReg, operandReg x86asm.Reg
		popDisp := int64(0)
		var popSize, operandSize, storeSize int

		// MOV(ZX) %pop_size:%pop_reg, [VSP]
		a.FetchVSP(analysis.Out(&popReg), analysis.Out(&popSize), analysis.In(&popDisp))

		// ADD VSP, %pop_size
		popAdvance := uint64(popSize)
		a.AddVSP(analysis.In(&popAdvance))

		// MOV(ZX) %operand_reg, %operand_size:[VIP]
		a.FetchVIP(analysis.Out(&operandReg), analysis.Out(&operandSize))

		a.RecordEncryption(operandReg, operandChain)

		// MOV %store_size:[VCTX + %operand_reg], %pop_reg
		a.StoreCtx(analysis.In(&popReg), analysis.Out(&storeSize), analysis.In(&operandReg))

		if !a.OK() {
			return false
		}

		info.Operands = append(info.Operands, OperandExpr{
			Operand: Operand{Type: OperandReg, Size: popSize, ByteLength: operandSize},
			Expr:    operandChain,
		})
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		operand := ins.Operands[0]
		info := ins.Handler.Info.Operands[0]

		reg := vtil.VirtualReg(operand, info.Size*8)
		block.Pop(reg)
	},
}

// PUSH: two variants, tried in order; (a) an immediate fetched from the VIP
// stream, decrypted and stored at VSP; (b) a register-file index fetched from
// the VIP stream, decrypted, loaded from the register file and stored at VSP
// with the slot size aligned to stack granularity.
var descPush = &InstructionDesc{
	Name:         "PUSH",
	OperandCount: 1,
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		// push %imm variant.
		{
			operandChain := &arith.Expression{}
			copied := stream.Copy()
			a := NewAnalysis(copied, state)

			var operandReg x86asm.Reg
			var operandSize, stackStoreSize int

			// MOV(ZX) %operand_size:%operand_reg, [VIP]
			a.FetchVIP(analysis.Out(&operandReg), analysis.Out(&operandSize))

			a.RecordEncryption(operandReg, operandChain)

			// MOV %stack_store_size:[VSP], %operand_reg
			a.StoreVSP(analysis.In(&operandReg), analysis.Out(&stackStoreSize))

			if a.OK() {
				stream.CommitFrom(copied)
				info.Operands = append(info.Operands, OperandExpr{
					Operand: Operand{Type: OperandImm, Size: stackStoreSize, ByteLength: operandSize},
					Expr:    operandChain,
				})
				return true
			}
		}

		// push %reg variant.
		{
			operandChain := &arith.Expression{}
			copied := stream.Copy()
			a := NewAnalysis(copied, state)

			var operandReg, contextReg x86asm.Reg
			var operandSize, stackStoreSize int

			// MOV(ZX) %operand_size:%operand_reg, [VIP]
			a.FetchVIP(analysis.Out(&operandReg), analysis.Out(&operandSize))

			a.RecordEncryption(operandReg, operandChain)

			// MOV(ZX) %context_reg, %stack_store_size:[VCTX + %operand_reg]
			a.FetchCtx(analysis.Out(&contextReg), analysis.Out(&stackStoreSize), analysis.In(&operandReg))

			// %stack_store_size = ALIGN(%stack_store_size)
			a.Align(&stackStoreSize, stackAlignment)

			// MOV %stack_store_size:[VSP], %context_reg
			a.StoreVSP(analysis.In(&contextReg), analysis.In(&stackStoreSize))

			if a.OK() {
				stream.CommitFrom(copied)
				info.Operands = append(info.Operands, OperandExpr{
					Operand: Operand{Type: OperandReg, Size: stackStoreSize, ByteLength: operandSize},
					Expr:    operandChain,
				})
				return true
			}
		}

		return false
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		operand := ins.Operands[0]
		info := ins.Handler.Info.Operands[0]

		switch info.Type {
		case OperandImm:
			block.Push(vtil.Imm(operand, info.Size*8))
		case OperandReg:
			block.Push(vtil.Reg(vtil.VirtualReg(operand, info.Size*8)))
		}
	},
}

// PUSHSTK: stores the current VSP onto the virtual stack.
var descPushStk = &InstructionDesc{
	Name: "PUSHSTK",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		var storedStackReg x86asm.Reg
		stackReg := state.StackReg
		var storeSize int

		// MOV %stored_stack_reg, VSP
		a.MovRegReg(analysis.Out(&storedStackReg), analysis.In(&stackReg), true)

		// MOV %store_size:[VSP], %stored_stack_reg
		a.StoreVSP(analysis.In(&storedStackReg), analysis.Out(&storeSize))

		if !a.OK() {
			return false
		}

		info.Sizes = append(info.Sizes, storeSize)
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		sizes := ins.Handler.Info.Sizes

		t0 := block.Tmp(sizes[0] * 8)
		block.
			Mov(t0, vtil.Reg(vtil.RegSP)).
			Push(vtil.Reg(t0))
	},
}

// POPSTK: loads the VSP from the virtual stack.
var descPopStk = &InstructionDesc{
	Name: "POPSTK",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		stackReg := state.StackReg
		popSize := 8
		disp := int64(0)

		// MOV 8:VSP, [VSP]
		a.FetchVSP(analysis.In(&stackReg), analysis.In(&popSize), analysis.In(&disp))

		return a.OK()
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		block.Pop(vtil.RegSP)
	},
}

// LDD: [VSP] := mem[[VSP]].
var descLdd = &InstructionDesc{
	Name: "LDD",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		var r0, r1 x86asm.Reg
		var alignedSize, size int
		initialDisp := int64(0)

		// MOV(ZX) %aligned_size:%r0, [VSP]
		a.FetchVSP(analysis.Out(&r0), analysis.Out(&alignedSize), analysis.In(&initialDisp))

		// MOV(ZX) %size:%r1, [%r0]
		a.FetchMemory(analysis.Out(&r1), analysis.In(&r0), analysis.Out(&size))

		// MOV %size:[VSP], %r1
		a.StoreVSP(analysis.In(&r1), analysis.In(&size))

		if !a.OK() {
			return false
		}

		info.Sizes = append(info.Sizes, alignedSize, size)
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		sizes := ins.Handler.Info.Sizes

		t0, t1 := block.Tmp2(sizes[0]*8, sizes[1]*8)
		block.
			Pop(t0).
			Ldd(t1, t0, 0).
			Push(vtil.Reg(t1))
	},
}

// STR: mem[[VSP]] := [VSP+8].
var descStr = &InstructionDesc{
	Name: "STR",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		var r0, r1 x86asm.Reg
		var s0, s1 int
		initialDisp := int64(0)

		// MOV(ZX) %s0:%r0, [VSP]
		a.FetchVSP(analysis.Out(&r0), analysis.Out(&s0), analysis.In(&initialDisp))

		// MOV(ZX) %s1:%r1, [VSP + %s0]
		s0Disp := int64(s0)
		a.FetchVSP(analysis.Out(&r1), analysis.Out(&s1), analysis.In(&s0Disp))

		// MOV [%r0], %s1:%r1
		a.StoreMemory(analysis.In(&r0), analysis.In(&r1), analysis.In(&s1))

		if !a.OK() {
			return false
		}

		info.Sizes = append(info.Sizes, s0, s1)
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		sizes := ins.Handler.Info.Sizes

		t0, t1 := block.Tmp2(sizes[0]*8, sizes[1]*8)
		block.
			Pop(t0).
			Pop(t1).
			Str(t0, 0, vtil.Reg(t1))
	},
}

// POPF: push [VSP]; popfq.
var descPopf = &InstructionDesc{
	Name: "POPF",
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		stackReg := state.StackReg
		s0 := 8

		// PUSH 8:[VSP]
		a.PushMemory(analysis.In(&stackReg), analysis.In(&s0))

		// POPFQ
		a.Match(func(ins *x86.Instruction) bool {
			return ins.Op == x86asm.POPFQ || ins.Op == x86asm.POPF
		}, 0)

		return a.OK()
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		block.Popf()
	},
}

// NOP: reestablishes the flow register, opening a new basic block.
var descNop = &InstructionDesc{
	Name:  "NOP",
	Flags: FlagCreatesBlock | FlagUpdatesState,
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		c := analysis.NewContext(stream)

		flowReg := state.FlowReg
		var flowRVA uint64

		// LEA %flow_reg, [rip - {ins_len}]
		c.SetFlow(analysis.In(&flowReg), analysis.Out(&flowRVA))

		if !c.OK() {
			return false
		}

		updated := state.Clone()
		updated.Flow = flowRVA
		info.UpdatedState = updated
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		block.Nop()
	},
}
