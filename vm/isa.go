package vm

import (
	"github.com/0xnobody/vmpattack/disasm/x86"
	"github.com/0xnobody/vmpattack/vtil"
)

// Flags describe special virtual-instruction behaviours the lifter dispatches
// on.
type Flags uint32

const (
	// FlagBranch marks instructions that modify the VIP.
	FlagBranch Flags = 1 << 0
	// FlagVMExit marks instructions that leave the virtual context.
	FlagVMExit Flags = 1 << 1
	// FlagUpdatesState marks instructions that mutate the VM state.
	FlagUpdatesState Flags = 1 << 3
	// FlagCreatesBlock marks instructions that open a new basic block
	// without branching.
	FlagCreatesBlock Flags = 1 << 4
)

// MatchFunc matches an instruction stream against one virtual-instruction
// template. On success it fills info and advances the stream past the handler
// body (RET leaves the stream at the handler start); a failed match may leave
// the stream advanced, so callers pass a copy.
type MatchFunc func(state *State, stream *x86.Stream, info *InstructionInfo) bool

// EmitFunc emits the IR of one decoded virtual instruction into a block.
type EmitFunc func(block *vtil.BasicBlock, ins *Instruction)

// InstructionDesc describes one virtual instruction of the catalog.
type InstructionDesc struct {
	// User-friendly instruction name.
	Name string
	// The number of VIP-stream operands the instruction takes.
	OperandCount int
	// Behaviour flags.
	Flags Flags
	// The match delegate.
	Match MatchFunc
	// The emission delegate.
	Emit EmitFunc
}

// InstructionSet is the virtual instruction catalog. Order is authoritative:
// matching tries descriptors front to back and the first match wins, so
// specific variants precede more general ones.
var InstructionSet = []*InstructionDesc{
	descPush, descPop,
	descPushStk, descPopStk,
	descLdd, descStr,
	descAdd, descNand, descNor,
	descShld, descShrd, descShl, descShr,
	descDiv, descIdiv,
	descMul, descImul,
	descRet,
	descNop, descPopf,
	descVMExit,
	descRdtsc, descCpuid,
	descPushReg, descPopReg,
	descLockOr,
	descRcl, descRcr,
}
