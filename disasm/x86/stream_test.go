package x86

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/bin"
)

// code assembles the fixture at RVA 0:
//
//	push rcx
//	mov  rbp, rsp
//	sub  rsp, 0x140
//	xor  rax, rbx
//	push rdx
//	ret
var code = []byte{
	0x51,
	0x48, 0x89, 0xE5,
	0x48, 0x81, 0xEC, 0x40, 0x01, 0x00, 0x00,
	0x48, 0x31, 0xD8,
	0x52,
	0xC3,
}

func TestStreamNext(t *testing.T) {
	s := NewStream(code, 0)
	assert.Equal(t, bin.Addr(0), s.Base())

	var ops []x86asm.Op
	for {
		ins := s.Next()
		if ins == nil {
			break
		}
		ops = append(ops, ins.Op)
	}
	assert.Equal(t, []x86asm.Op{
		x86asm.PUSH, x86asm.MOV, x86asm.SUB, x86asm.XOR, x86asm.PUSH, x86asm.RET,
	}, ops)
}

func TestStreamCopyIsIndependent(t *testing.T) {
	s := NewStream(code, 0)
	require.NotNil(t, s.Next())

	// Advancing a copy leaves the original untouched.
	c := s.Copy()
	require.NotNil(t, c.Next())
	require.NotNil(t, c.Next())
	assert.Equal(t, bin.Addr(1), s.RVA())
	assert.NotEqual(t, s.RVA(), c.RVA())
}

func TestStreamRestartDeterminism(t *testing.T) {
	// Running any chain on a failed copy does not disturb a fresh copy of
	// the same stream: decode is deterministic and position-independent.
	s := NewStream(code, 0)
	exhausted := s.Copy()
	for exhausted.Next() != nil {
	}

	fresh := s.Copy()
	ins := fresh.Next()
	require.NotNil(t, ins)
	assert.Equal(t, x86asm.PUSH, ins.Op)
	assert.Equal(t, bin.Addr(0), ins.Addr)
}

func TestDecodeAt(t *testing.T) {
	ins, err := DecodeAt(code, 1)
	require.NoError(t, err)
	assert.Equal(t, x86asm.MOV, ins.Op)
	assert.Equal(t, 3, ins.Len)
	assert.Equal(t, []byte{0x48, 0x89, 0xE5}, ins.Bytes)

	op0, op1 := ins.Operand(0), ins.Operand(1)
	assert.Equal(t, OpReg, op0.Type)
	assert.Equal(t, x86asm.RBP, op0.Reg)
	assert.Equal(t, x86asm.RSP, op1.Reg)

	_, err = DecodeAt(code, bin.Addr(len(code)+1))
	assert.Error(t, err)
}

func TestDisassembleBranchBounded(t *testing.T) {
	insts := DisassembleBranchBounded(code, 0, 16)
	// The RET terminates the run, inclusively.
	require.Len(t, insts, 6)
	assert.Equal(t, x86asm.RET, insts[5].Op)
}

func TestRegBases(t *testing.T) {
	assert.Equal(t, x86asm.RAX, RegBase(x86asm.AL))
	assert.Equal(t, x86asm.RAX, RegBase(x86asm.AH))
	assert.Equal(t, x86asm.RAX, RegBase(x86asm.AX))
	assert.Equal(t, x86asm.RAX, RegBase(x86asm.EAX))
	assert.Equal(t, x86asm.R15, RegBase(x86asm.R15L))
	assert.True(t, RegBaseEqual(x86asm.CL, x86asm.RCX))
	assert.False(t, RegBaseEqual(x86asm.CL, x86asm.RDX))
	assert.False(t, RegBaseEqual(0, 0))

	assert.Equal(t, 8, RegBits(x86asm.AL))
	assert.Equal(t, 16, RegBits(x86asm.AX))
	assert.Equal(t, 32, RegBits(x86asm.R10L))
	assert.Equal(t, 64, RegBits(x86asm.R10))
}

func TestRegsAccessed(t *testing.T) {
	// xor rax, rbx reads both and writes the destination.
	ins, err := DecodeAt(code, 11)
	require.NoError(t, err)
	require.Equal(t, x86asm.XOR, ins.Op)

	read, write := RegsAccessed(ins)
	assert.Contains(t, read, x86asm.RAX)
	assert.Contains(t, read, x86asm.RBX)
	assert.Contains(t, write, x86asm.RAX)
	assert.NotContains(t, write, x86asm.RBX)

	// push rcx reads the operand and updates the stack pointer.
	ins, err = DecodeAt(code, 0)
	require.NoError(t, err)
	read, write = RegsAccessed(ins)
	assert.Contains(t, read, x86asm.RCX)
	assert.Contains(t, write, x86asm.RSP)
}
