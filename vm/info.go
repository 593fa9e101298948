package vm

import (
	"github.com/0xnobody/vmpattack/arith"
)

// OperandType is the kind of a virtual-instruction operand.
type OperandType uint8

const (
	// An immediate value.
	OperandImm OperandType = iota
	// A virtual-register-file offset.
	OperandReg
)

// Operand describes a single virtual-instruction operand.
type Operand struct {
	// The operand kind.
	Type OperandType
	// The execution size in bytes, e.g. 8 for an 8-byte register slot.
	Size int
	// How many bytes the operand consumes from the VIP stream, e.g. 2 for a
	// register index addressing an 8-byte slot.
	ByteLength int
}

// OperandExpr pairs an operand descriptor with the arithmetic chain that
// decrypts it.
type OperandExpr struct {
	Operand
	// The decryption chain learned at match time.
	Expr *arith.Expression
}

// InstructionInfo is the per-handler decoding metadata determined at match
// time. It holds no VIP-derived information.
type InstructionInfo struct {
	// Operand descriptors with their decryption expressions, in decode order.
	Operands []OperandExpr
	// Arbitrary sizes captured during matching, used during emission.
	Sizes []int
	// Instruction-specific data.
	CustomData any
	// The state after execution, for handlers that mutate the VM state.
	UpdatedState *State
}
