package arith

import (
	"fmt"
	"strings"

	"github.com/0xnobody/vmpattack/disasm/x86"
)

// Operation is an operation instance, binding a descriptor with the concrete
// additional operand values read from the matched instruction. Operations are
// immutable after construction.
type Operation struct {
	// The backing operation descriptor.
	Desc *OperationDesc
	// Any additional argument operands in order.
	Operands []uint64
}

// OperationFromDesc constructs an operation instance from the given
// descriptor and instruction, collecting its additional immediate operands.
// Non-immediate additional operands are unsupported and fail the
// construction.
func OperationFromDesc(desc *OperationDesc, ins *x86.Instruction) (Operation, bool) {
	var imms []uint64
	// The first operand is always the target; only the remaining operands
	// contribute arguments.
	for i := 1; i < ins.OperandCount(); i++ {
		op := ins.Operand(i)
		if op.Type != x86.OpImm {
			return Operation{}, false
		}
		imms = append(imms, uint64(op.Imm))
	}
	return Operation{Desc: desc, Operands: imms}, true
}

// OperationFromInstruction constructs an operation instance from the given
// instruction alone, resolving its descriptor from the catalog.
func OperationFromInstruction(ins *x86.Instruction) (Operation, bool) {
	desc := DescFromInstruction(ins)
	if desc == nil {
		return Operation{}, false
	}
	return OperationFromDesc(desc, ins)
}

// Expression is an ordered composition of operations applied to a seed value,
// truncating the intermediate to the requested output width after each step.
// Evaluation is deterministic and pure.
type Expression struct {
	// An ordered list of operations.
	Operations []Operation
}

// Append appends an operation to the expression.
func (expr *Expression) Append(op Operation) {
	expr.Operations = append(expr.Operations, op)
}

// Compute evaluates the expression for the given input, applying each
// operation in order and size-casting the intermediate to byteCount bytes
// after each step.
func (expr *Expression) Compute(input uint64, byteCount int) uint64 {
	output := input
	for _, op := range expr.Operations {
		output = op.Desc.Transform(output, op.Operands)
		output = SizeCast(output, byteCount)
	}
	return output
}

// String returns a compact rendering of the operation chain.
func (expr *Expression) String() string {
	parts := make([]string, len(expr.Operations))
	for i, op := range expr.Operations {
		if len(op.Operands) > 0 {
			parts[i] = fmt.Sprintf("%s(0x%x)", op.Desc.Name, op.Operands[0])
		} else {
			parts[i] = op.Desc.Name
		}
	}
	return strings.Join(parts, " -> ")
}

// SizeCast truncates the integral value to the specified byte count.
func SizeCast(value uint64, bytes int) uint64 {
	if bytes >= 8 {
		return value
	}
	mask := uint64(1)<<(uint(bytes)*8) - 1
	return value & mask
}
