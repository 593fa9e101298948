package llvm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xnobody/vmpattack/vtil"
)

func TestExport(t *testing.T) {
	block := vtil.Begin(0x1000)
	t0 := block.Tmp(64)
	block.
		Push(vtil.Imm64(0x42)).
		Pop(t0).
		Add(t0, vtil.Imm64(1)).
		Jmp(vtil.Imm64(0x2000))
	next := block.Fork(0x2000)
	next.Vexit(vtil.Reg(t0))

	m := Export(block.Owner)
	require.NotNil(t, m)

	s := m.String()
	assert.Contains(t, s, "routine_00001000")
	assert.Contains(t, s, "block_00001000")
	assert.Contains(t, s, "block_00002000")
	assert.Contains(t, s, "vmp.push")
	assert.Contains(t, s, "vmp.pop")
	assert.Contains(t, s, "vmp.exit")
}

func TestExportOpaquePassthrough(t *testing.T) {
	block := vtil.Begin(0x1000)
	block.
		Vpinr(vtil.PhysReg(0x90)).
		Vemit(0x0F).
		Vemit(0x31).
		Vemits("cpuid").
		Vexit(vtil.Imm64(0))

	s := Export(block.Owner).String()
	assert.Contains(t, s, "vmp.emit")
	assert.Contains(t, s, "vmp.emits")
	assert.Contains(t, s, "vmp.pin")
}
