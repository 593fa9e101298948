package vm

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/analysis"
	"github.com/0xnobody/vmpattack/disasm/x86"
	"github.com/0xnobody/vmpattack/vtil"
)

// Minimum register count a VMEXIT restore sequence must pop; matches the
// entry frame size.
const minExitFrame = 10

// VMEXIT: the native stack pointer takes over from VSP, the saved register
// set is popped back, and a RET leaves the virtual context. Custom data holds
// the recovered pop sequence.
var descVMExit = &InstructionDesc{
	Name:  "VMEXIT",
	Flags: FlagVMExit,
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		a := NewAnalysis(stream, state)

		rsp := x86asm.RSP
		vsp := state.StackReg

		var popped []x86asm.Reg

		// MOV RSP, VSP
		a.MovRegReg(analysis.In(&rsp), analysis.In(&vsp), true)

		// (n...) POP %reg, then RET
		a.TrackPops(&popped, func() *analysis.Context {
			return a.ID(x86asm.RET)
		})

		if !a.OK() || len(popped) < minExitFrame {
			return false
		}

		info.CustomData = popped
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		// Pop all registers back. The flags marker pops the IR flags
		// register to aid downstream optimization.
		for _, reg := range ins.Handler.Info.CustomData.([]x86asm.Reg) {
			if reg == x86.RegFlags {
				block.Pop(vtil.RegFlags)
				continue
			}
			block.Pop(vtil.PhysReg(reg))
		}
	},
}

// RET: the only handler that changes the VM state mid-routine. The new flow,
// VIP register, rolling-key register and direction are recovered over several
// passes on copies of the stream, leaving the caller's stream at the handler
// start for the ensuing bridge scan.
var descRet = &InstructionDesc{
	Name:  "RET",
	Flags: FlagBranch | FlagUpdatesState,
	Match: func(state *State, stream *x86.Stream, info *InstructionInfo) bool {
		initialCopy := stream.Copy()
		a := NewAnalysis(initialCopy, state)

		var reg, flowReg x86asm.Reg
		initialDisp := int64(0)
		regSize := 8
		var newFlowRVA uint64

		stackReg := state.StackReg

		// MOV(ZX) 8:%reg, [VSP]
		a.FetchVSP(analysis.Out(&reg), analysis.In(&regSize), analysis.In(&initialDisp))

		// The VSP may be renamed before the new flow is established; follow
		// it across MOV/XCHG while scanning for the flow load.
		a.TrackRegisters([]*x86asm.Reg{&stackReg}, func() *analysis.Context {
			return a.SetFlow(analysis.Out(&flowReg), analysis.Out(&newFlowRVA))
		})

		if !a.OK() {
			return false
		}

		// Discover the new VIP register by watching the first 4-byte read
		// through it. Fresh copy: the information lives in the same span of
		// instructions.
		copied := initialCopy.Copy()
		post := analysis.NewContext(copied)

		var vipReg, vipFetchReg x86asm.Reg
		vipFetchSize := 4

		// MOV %vip_fetch_reg, 4:[%vip_reg]
		post.FetchMemory(analysis.Out(&vipFetchReg), analysis.Out(&vipReg), analysis.In(&vipFetchSize))

		if !post.OK() {
			return false
		}

		// Determine the new fetch direction and rolling-key register.
		copied = stream.Copy()
		post = analysis.NewContext(copied)

		var rollingKeyReg, relocReg x86asm.Reg
		var vipOffsetIns x86asm.Op
		vipOffset := uint64(4)

		// MOVABS %reloc_reg, 0
		post.Match(func(ins *x86.Instruction) bool {
			if !ins.IsMovabs() {
				return false
			}
			relocReg = ins.Operand(0).Reg
			return true
		}, 2, x86.OpReg, x86.OpImm)

		// SUB %rolling_key_reg, %reloc_reg
		post.GenericRegReg(x86asm.SUB, analysis.Out(&rollingKeyReg), analysis.In(&relocReg), false)

		// ADD/SUB %vip_reg, 4
		post.UpdateReg(analysis.Out(&vipOffsetIns), analysis.In(&vipReg), analysis.In(&vipOffset))

		// XOR %vip_fetch_reg, %rolling_key_reg
		post.BeginEncryption(analysis.In(&vipFetchReg), analysis.In(&rollingKeyReg))

		if !post.OK() {
			return false
		}

		direction := DirectionUp
		if vipOffsetIns == x86asm.ADD {
			direction = DirectionDown
		}

		// The caller's stream stays at the handler start: the bridge scan
		// skips the handler body and locks onto the new-VIP fetch.
		info.UpdatedState = &State{
			StackReg:      stackReg,
			VIPReg:        vipReg,
			ContextReg:    state.ContextReg,
			RollingKeyReg: rollingKeyReg,
			FlowReg:       flowReg,
			Direction:     direction,
			Flow:          newFlowRVA,
		}
		return true
	},
	Emit: func(block *vtil.BasicBlock, ins *Instruction) {
		t0 := block.Tmp(64)

		block.Pop(t0)

		// Offset the destination by -1 when the new stream walks upwards, so
		// up and down streams sharing a logical address land in distinct
		// blocks.
		if ins.Handler.Info.UpdatedState.Direction == DirectionUp {
			block.Sub(t0, vtil.Imm64(1))
		}

		block.Jmp(vtil.Reg(t0))
	},
}
