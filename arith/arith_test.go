package arith

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/disasm/x86"
)

// inputs exercises boundary and mixed-bit patterns.
var inputs = []uint64{0, 1, 0x7F, 0x80, 0xFFFF, 0x12345678, 0xDEADBEEFCAFEBABE, ^uint64(0)}

func TestInversePairs(t *testing.T) {
	// Every operation composed with its inverse restores the input at the
	// operation's width.
	cases := []struct {
		name     string
		fwd, inv *OperationDesc
		operands []uint64
		bytes    int
	}{
		{"add/sub", Add, Sub, []uint64{0x1337}, 8},
		{"sub/add", Sub, Add, []uint64{0x42}, 8},
		{"inc/dec", Inc, Dec, nil, 8},
		{"dec/inc", Dec, Inc, nil, 8},
		{"not/not", Bnot, Bnot, nil, 8},
		{"neg/neg", Bneg, Bneg, nil, 8},
		{"xor/xor", Bxor, Bxor, []uint64{0xA5A5A5A5}, 8},
		{"bswap64/bswap64", Bswap64, Bswap64, nil, 8},
		{"bswap32/bswap32", Bswap32, Bswap32, nil, 4},
		{"bswap16/bswap16", Bswap16, Bswap16, nil, 2},
		{"rol64/ror64", Brol64, Bror64, []uint64{13}, 8},
		{"ror64/rol64", Bror64, Brol64, []uint64{51}, 8},
		{"rol32/ror32", Brol32, Bror32, []uint64{7}, 4},
		{"ror32/rol32", Bror32, Brol32, []uint64{19}, 4},
		{"rol16/ror16", Brol16, Bror16, []uint64{5}, 2},
		{"ror16/rol16", Bror16, Brol16, []uint64{9}, 2},
		{"rol8/ror8", Brol8, Bror8, []uint64{3}, 1},
		{"ror8/rol8", Bror8, Brol8, []uint64{6}, 1},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			expr := &Expression{Operations: []Operation{
				{Desc: c.fwd, Operands: c.operands},
				{Desc: c.inv, Operands: c.operands},
			}}
			for _, x := range inputs {
				want := SizeCast(x, c.bytes)
				assert.Equal(t, want, expr.Compute(x, c.bytes), "input 0x%x", x)
			}
		})
	}
}

func TestExpressionCompute(t *testing.T) {
	// Each step truncates to the output width before the next applies.
	expr := &Expression{Operations: []Operation{
		{Desc: Add, Operands: []uint64{1}},
		{Desc: Bnot},
	}}
	// (0xFFFFFFFF + 1) & 0xFFFFFFFF = 0, ^0 & 0xFFFFFFFF = 0xFFFFFFFF.
	assert.Equal(t, uint64(0xFFFFFFFF), expr.Compute(0xFFFFFFFF, 4))
	// Without truncation the carry would survive.
	assert.Equal(t, ^uint64(0x100000000), expr.Compute(0xFFFFFFFF, 8))
}

func TestComputeEmptyExpression(t *testing.T) {
	expr := &Expression{}
	assert.Equal(t, uint64(0x1234), expr.Compute(0x1234, 8))
}

// regInst builds a synthetic instruction with a register first operand.
func regInst(op x86asm.Op, reg x86asm.Reg, extra ...x86asm.Arg) *x86.Instruction {
	ins := &x86.Instruction{}
	ins.Op = op
	ins.Args[0] = reg
	for i, arg := range extra {
		ins.Args[1+i] = arg
	}
	return ins
}

func TestDescFromInstruction(t *testing.T) {
	cases := []struct {
		name string
		ins  *x86.Instruction
		want *OperationDesc
	}{
		{"add", regInst(x86asm.ADD, x86asm.RAX, x86asm.Imm(5)), Add},
		{"xor", regInst(x86asm.XOR, x86asm.ECX, x86asm.Imm(1)), Bxor},
		{"not", regInst(x86asm.NOT, x86asm.RDX), Bnot},
		{"bswap64", regInst(x86asm.BSWAP, x86asm.RAX), Bswap64},
		{"bswap32", regInst(x86asm.BSWAP, x86asm.EAX), Bswap32},
		{"bswap16", regInst(x86asm.BSWAP, x86asm.AX), Bswap16},
		{"ror16", regInst(x86asm.ROR, x86asm.CX, x86asm.Imm(5)), Bror16},
		{"rol8", regInst(x86asm.ROL, x86asm.CL, x86asm.Imm(1)), Brol8},
		{"mov is not arithmetic", regInst(x86asm.MOV, x86asm.RAX, x86asm.RBX), nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			got := DescFromInstruction(c.ins)
			if c.want == nil {
				assert.Nil(t, got)
				return
			}
			assert.Same(t, c.want, got)
		})
	}
}

func TestOperationFromInstruction(t *testing.T) {
	// Immediate extra operands are captured in order.
	op, ok := OperationFromInstruction(regInst(x86asm.XOR, x86asm.RAX, x86asm.Imm(0xAB)))
	require.True(t, ok)
	assert.Equal(t, Bxor, op.Desc)
	assert.Equal(t, []uint64{0xAB}, op.Operands)

	// Register extra operands are unsupported.
	_, ok = OperationFromInstruction(regInst(x86asm.XOR, x86asm.RAX, x86asm.RBX))
	assert.False(t, ok)
}
