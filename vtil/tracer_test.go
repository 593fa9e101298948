package vtil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracerResolvesPushPop(t *testing.T) {
	block := Begin(0x1000)
	t0 := block.Tmp(64)
	block.
		Push(Imm64(0x11223344)).
		Pop(t0)

	tracer := NewTracer()
	expr := tracer.Rtrace(End(block), t0)
	require.True(t, expr.IsConstant())
	assert.Equal(t, uint64(0x11223344), expr.Uint64())
}

func TestTracerFoldsArithmetic(t *testing.T) {
	block := Begin(0x1000)
	t0 := block.Tmp(64)
	block.
		Mov(t0, Imm64(0x100)).
		Add(t0, Imm64(0x23)).
		Bxor(t0, Imm64(0xFF))

	tracer := NewTracer()
	expr := tracer.Rtrace(End(block), t0)
	require.True(t, expr.IsConstant())
	assert.Equal(t, uint64(0x123^0xFF), expr.Uint64())
}

func TestTracerCrossBlock(t *testing.T) {
	// A value pushed in the parent resolves from a forked child.
	parent := Begin(0x1000)
	parent.Push(Imm64(0xCAFEBABE))
	parent.Jmp(Imm64(0x2000))

	child := parent.Fork(0x2000)
	t0 := child.Tmp(64)
	child.Pop(t0)

	tracer := NewTracer()
	expr := tracer.Rtrace(End(child), t0)
	require.True(t, expr.IsConstant())
	assert.Equal(t, uint64(0xCAFEBABE), expr.Uint64())
}

func TestTracerOpaqueStaysSymbolic(t *testing.T) {
	block := Begin(0x1000)
	t0, t1 := block.Tmp2(64, 64)
	block.
		Ldd(t0, t1, 0).
		Add(t0, Imm64(4))

	tracer := NewTracer()
	expr := tracer.Rtrace(End(block), t0)
	assert.False(t, expr.IsConstant())
}

func TestTracerPinWriteClobbers(t *testing.T) {
	// A pin-write models an externally clobbered (undefined) value; the
	// prior constant must not survive, locally or across blocks.
	block := Begin(0x1000)
	block.
		Mov(FlagZF, Imm64(1)).
		Vpinw(FlagZF)

	tracer := NewTracer()
	assert.False(t, tracer.Rtrace(End(block), FlagZF).IsConstant())

	block.Jmp(Imm64(0x2000))
	child := block.Fork(0x2000)
	child.Nop()
	tracer.Flush()
	assert.False(t, tracer.Rtrace(End(child), FlagZF).IsConstant())
}

func TestTracerFlush(t *testing.T) {
	block := Begin(0x1000)
	t0 := block.Tmp(64)
	block.Push(Imm64(1)).Pop(t0)

	tracer := NewTracer()
	require.True(t, tracer.Rtrace(End(block), t0).IsConstant())

	// Appending to the block invalidates the cached exit state.
	block.Mov(t0, Imm64(7))
	tracer.Flush()
	expr := tracer.Rtrace(End(block), t0)
	require.True(t, expr.IsConstant())
	assert.Equal(t, uint64(7), expr.Uint64())
}

func TestEraseTransform(t *testing.T) {
	// Transform rebuilds bottom-up; replacing a var by a constant folds the
	// whole expression.
	v := &Expression{Kind: ExprVar, Bits: 64, Reg: RegImgBase}
	sum := &Expression{Kind: ExprBin, Bits: 64, Op: OpAdd, X: v, Y: Const(0x1000, 64)}

	folded := sum.Transform(func(e *Expression) *Expression {
		if e.Kind == ExprVar && e.Reg.Kind == RegImageBase {
			return Const(0, e.Bits)
		}
		return e
	}).Simplify()
	require.True(t, folded.IsConstant())
	assert.Equal(t, uint64(0x1000), folded.Uint64())
}

func TestAnalyzeBranchConstant(t *testing.T) {
	block := Begin(0x1000)
	t0 := block.Tmp(64)
	block.
		Push(Imm64(0x4000)).
		Pop(t0).
		Jmp(Reg(t0))

	info := AnalyzeBranch(block, NewTracer())
	require.Len(t, info.Destinations, 1)
	require.True(t, info.Destinations[0].IsConstant())
	assert.Equal(t, uint64(0x4000), info.Destinations[0].Uint64())
}

func TestAnalyzeBranchSelect(t *testing.T) {
	// A conditional destination contributes both arms.
	block := Begin(0x1000)
	cond := block.Tmp(1)
	dst := block.Tmp(64)
	block.
		Te(cond, Reg(block.Tmp(64)), Imm64(0)).
		Ifs(dst, Reg(cond), Imm64(0x4000)).
		Jmp(Reg(dst))

	info := AnalyzeBranch(block, NewTracer())
	require.Len(t, info.Destinations, 2)

	var values []uint64
	for _, dest := range info.Destinations {
		require.True(t, dest.IsConstant())
		values = append(values, dest.Uint64())
	}
	assert.ElementsMatch(t, []uint64{0x4000, 0}, values)
}

func TestBlockFork(t *testing.T) {
	block := Begin(0x1000)
	child := block.Fork(0x2000)
	assert.Same(t, block.Owner, child.Owner)
	assert.Contains(t, block.Next, child)
	assert.Contains(t, child.Prev, block)

	// Forking the same VIP twice returns the same block.
	again := block.Fork(0x2000)
	assert.Same(t, child, again)
}

func TestIsComplete(t *testing.T) {
	block := Begin(0x1000)
	assert.False(t, block.IsComplete())
	block.Push(Imm64(1))
	assert.False(t, block.IsComplete())
	block.Jmp(Imm64(0x2000))
	assert.True(t, block.IsComplete())
}

func TestOptimizePrunesNops(t *testing.T) {
	block := Begin(0x1000)
	block.
		Nop().
		Push(Imm64(1)).
		Label("x").
		Nop().
		Vexit(Imm64(0))

	removed := Optimize(block.Owner)
	assert.Equal(t, 3, removed)
	require.Len(t, block.Instructions, 2)
	assert.Equal(t, OpPush, block.Instructions[0].Op)
}

func TestOptimizeThreadsJumps(t *testing.T) {
	entry := Begin(0x1000)
	entry.Jmp(Imm64(0x2000))
	mid := entry.Fork(0x2000)
	mid.Jmp(Imm64(0x3000))
	final := mid.Fork(0x3000)
	final.Vexit(Imm64(0))

	Optimize(entry.Owner)
	last := entry.Instructions[len(entry.Instructions)-1]
	assert.Equal(t, uint64(0x3000), last.Operands[0].Immediate())
}

func TestRoutineString(t *testing.T) {
	block := Begin(0x1000)
	block.Push(Imm64(0x42)).Vexit(Imm64(0))
	s := block.Owner.String()
	assert.Contains(t, s, "routine_00001000")
	assert.Contains(t, s, "block_00001000:")
	assert.Contains(t, s, "push")
	assert.Contains(t, s, "vexit")
}
