package vm

import (
	"bytes"
	"fmt"
)

// Instruction is a fully-formed virtual instruction instance: a handler plus
// its decoded, decrypted operand values.
type Instruction struct {
	// The instruction's handler. Non-owning.
	Handler *Handler
	// The decoded operand values, index-aligned with the handler's operand
	// descriptors. Values may be immediates or register-file offsets
	// depending on the descriptor.
	Operands []uint64
}

// String converts the instruction to human-readable form.
func (ins *Instruction) String() string {
	buf := &bytes.Buffer{}
	buf.WriteString(ins.Handler.Desc.Name)
	buf.WriteString("\t")
	for i, value := range ins.Operands {
		operand := ins.Handler.Info.Operands[i].Operand
		switch operand.Type {
		case OperandImm:
			fmt.Fprintf(buf, "%d:0x%x", operand.Size, value)
		case OperandReg:
			fmt.Fprintf(buf, "REG:%d:0x%x", operand.Size, value)
		}
		if i != len(ins.Operands)-1 {
			buf.WriteString(",\t")
		}
	}
	return buf.String()
}
