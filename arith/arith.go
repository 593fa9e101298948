// Package arith implements the catalog of arithmetic transforms the
// obfuscator composes into operand- and handler-offset-decryption chains,
// together with the expressions that evaluate them.
package arith

import (
	"math/bits"

	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/disasm/x86"
)

// TransformFunc applies an operation's semantic to the running value, with
// any additional operands bound at match time.
type TransformFunc func(input uint64, operands []uint64) uint64

// OperationDesc describes one arithmetic operation of the catalog.
type OperationDesc struct {
	// Display name of the operation.
	Name string
	// The instruction opcode corresponding to the operation.
	// NOTE: not necessarily unique per operation.
	Op x86asm.Op
	// The number of additional operands, NOT including the main input.
	// e.g. `neg rax` = 0, `xor rax, 0Ah` = 1.
	ExtraOperands int
	// The transformation function.
	Transform TransformFunc
	// The operation input size in bytes, or 0 if not relevant.
	InputSize int
}

// Operation descriptors.
var (
	Add = &OperationDesc{"add", x86asm.ADD, 1, func(d uint64, a []uint64) uint64 { return d + a[0] }, 0}
	Sub = &OperationDesc{"sub", x86asm.SUB, 1, func(d uint64, a []uint64) uint64 { return d - a[0] }, 0}

	Bswap64 = &OperationDesc{"bswap64", x86asm.BSWAP, 0, func(d uint64, a []uint64) uint64 { return bits.ReverseBytes64(d) }, 8}
	Bswap32 = &OperationDesc{"bswap32", x86asm.BSWAP, 0, func(d uint64, a []uint64) uint64 { return uint64(bits.ReverseBytes32(uint32(d))) }, 4}
	Bswap16 = &OperationDesc{"bswap16", x86asm.BSWAP, 0, func(d uint64, a []uint64) uint64 { return uint64(bits.ReverseBytes16(uint16(d))) }, 2}

	Inc = &OperationDesc{"inc", x86asm.INC, 0, func(d uint64, a []uint64) uint64 { return d + 1 }, 0}
	Dec = &OperationDesc{"dec", x86asm.DEC, 0, func(d uint64, a []uint64) uint64 { return d - 1 }, 0}

	Bnot = &OperationDesc{"not", x86asm.NOT, 0, func(d uint64, a []uint64) uint64 { return ^d }, 0}
	Bneg = &OperationDesc{"neg", x86asm.NEG, 0, func(d uint64, a []uint64) uint64 { return -d }, 0}
	Bxor = &OperationDesc{"xor", x86asm.XOR, 1, func(d uint64, a []uint64) uint64 { return d ^ a[0] }, 0}

	Brol64 = &OperationDesc{"rol64", x86asm.ROL, 1, func(d uint64, a []uint64) uint64 { return bits.RotateLeft64(d, int(a[0]&63)) }, 8}
	Brol32 = &OperationDesc{"rol32", x86asm.ROL, 1, func(d uint64, a []uint64) uint64 { return uint64(bits.RotateLeft32(uint32(d), int(a[0]&31))) }, 4}
	Brol16 = &OperationDesc{"rol16", x86asm.ROL, 1, func(d uint64, a []uint64) uint64 { return uint64(bits.RotateLeft16(uint16(d), int(a[0]&15))) }, 2}
	Brol8  = &OperationDesc{"rol8", x86asm.ROL, 1, func(d uint64, a []uint64) uint64 { return uint64(bits.RotateLeft8(uint8(d), int(a[0]&7))) }, 1}

	Bror64 = &OperationDesc{"ror64", x86asm.ROR, 1, func(d uint64, a []uint64) uint64 { return bits.RotateLeft64(d, -int(a[0]&63)) }, 8}
	Bror32 = &OperationDesc{"ror32", x86asm.ROR, 1, func(d uint64, a []uint64) uint64 { return uint64(bits.RotateLeft32(uint32(d), -int(a[0]&31))) }, 4}
	Bror16 = &OperationDesc{"ror16", x86asm.ROR, 1, func(d uint64, a []uint64) uint64 { return uint64(bits.RotateLeft16(uint16(d), -int(a[0]&15))) }, 2}
	Bror8  = &OperationDesc{"ror8", x86asm.ROR, 1, func(d uint64, a []uint64) uint64 { return uint64(bits.RotateLeft8(uint8(d), -int(a[0]&7))) }, 1}
)

// Descriptors is the full operation descriptor list, scanned in order by
// DescFromInstruction.
var Descriptors = []*OperationDesc{
	Add, Sub,
	Bswap64, Bswap32, Bswap16,
	Inc, Dec,
	Bnot, Bneg, Bxor,
	Brol64, Brol32, Brol16, Brol8,
	Bror64, Bror32, Bror16, Bror8,
}

// DescFromInstruction returns the operation descriptor matching the given
// instruction, or nil if the instruction is not an arithmetic transform. A
// candidate matches when its opcode equals the instruction's opcode and its
// input size, if set, equals the first operand's byte size.
func DescFromInstruction(ins *x86.Instruction) *OperationDesc {
	for _, desc := range Descriptors {
		if desc.Op != ins.Op {
			continue
		}
		if desc.InputSize != 0 && desc.InputSize != ins.Operand(0).Size {
			continue
		}
		return desc
	}
	return nil
}
