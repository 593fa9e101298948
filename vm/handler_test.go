package vm

import (
	"encoding/binary"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/arith"
	"github.com/0xnobody/vmpattack/disasm/x86"
)

// testState is a plausible mid-routine register assignment.
func testState() *State {
	return &State{
		StackReg:      x86asm.RBP,
		VIPReg:        x86asm.RAX,
		ContextReg:    x86asm.RSP,
		RollingKeyReg: x86asm.RBX,
		FlowReg:       x86asm.RSI,
		Direction:     DirectionDown,
		Flow:          0x2000,
	}
}

// popHandlerCode assembles a POP handler followed by its bridge at RVA 0:
//
//	mov   rdx, [rbp]            ; fetch from the virtual stack
//	add   rbp, 8                ; advance VSP
//	movzx ecx, word [rax]       ; fetch the operand index from the VIP stream
//	xor   cx, bx                ; begin decryption
//	ror   cx, 5                 ; decryption chain
//	xor   bx, cx                ; fold into the rolling key
//	mov   [rsp+rcx], rdx        ; store into the register file
//	mov   edi, [rax]            ; bridge: fetch the next handler offset
//	xor   edi, ebx
//	bswap edi
//	push  rdi
//	ret
var popHandlerCode = []byte{
	0x48, 0x8B, 0x55, 0x00,
	0x48, 0x83, 0xC5, 0x08,
	0x0F, 0xB7, 0x08,
	0x66, 0x31, 0xD9,
	0x66, 0xC1, 0xC9, 0x05,
	0x66, 0x31, 0xCB,
	0x48, 0x89, 0x14, 0x0C,
	0x8B, 0x38,
	0x31, 0xDF,
	0x0F, 0xCF,
	0x57,
	0xC3,
}

func TestHandlerFromStreamPop(t *testing.T) {
	state := testState()
	stream := x86.NewStream(popHandlerCode, 0)

	handler, ok := HandlerFromStream(state, stream)
	require.True(t, ok)
	assert.Equal(t, "POP", handler.Desc.Name)
	require.NotNil(t, handler.Bridge)

	require.Len(t, handler.Info.Operands, 1)
	operand := handler.Info.Operands[0]
	assert.Equal(t, OperandReg, operand.Type)
	assert.Equal(t, 8, operand.Size)
	assert.Equal(t, 2, operand.ByteLength)

	// The decryption chain holds the single ror.
	require.Len(t, operand.Expr.Operations, 1)
	assert.Same(t, arith.Bror16, operand.Expr.Operations[0].Desc)

	// The bridge chain holds the single bswap.
	require.Len(t, handler.Bridge.HandlerExpr.Operations, 1)
	assert.Same(t, arith.Bswap32, handler.Bridge.HandlerExpr.Operations[0].Desc)
}

func TestHandlerDecodeRollingKey(t *testing.T) {
	state := testState()
	handler, ok := HandlerFromStream(state, x86.NewStream(popHandlerCode, 0))
	require.True(t, ok)

	// Lay out 2 encrypted operand bytes at the VIP.
	image := make([]byte, 0x100)
	binary.LittleEndian.PutUint16(image[0x40:], 0xBEEF)

	key := uint64(0x123456789ABCDEF0)
	ctx := NewContext(state.Clone(), key, 0x40, image)

	decoded := handler.Decode(ctx)
	require.Len(t, decoded.Operands, 1)

	// operand = ror16(raw ^ (u16)key); the key absorbs the result.
	want := uint64(bits.RotateLeft16(0xBEEF^uint16(key), -5))
	assert.Equal(t, want, decoded.Operands[0])
	assert.Equal(t, key^want, ctx.RollingKey)
	// Direction down advances the VIP past the operand.
	assert.Equal(t, uint64(0x42), ctx.VIP)
}

func TestHandlerFromStreamNoMatch(t *testing.T) {
	// A bare ret matches nothing in the catalog.
	state := testState()
	_, ok := HandlerFromStream(state, x86.NewStream([]byte{0xC3}, 0))
	assert.False(t, ok)
}

func TestBridgeAdvance(t *testing.T) {
	// advance = flow + sxt32(expr(fetch ^ (u32)key)), key ^= decrypted.
	expr := &arith.Expression{Operations: []arith.Operation{{Desc: arith.Bnot}}}
	bridge := &Bridge{RVA: 0, HandlerExpr: expr}

	image := make([]byte, 0x100)
	binary.LittleEndian.PutUint32(image[0x10:], 0x11223344)

	key := uint64(0xFFFF0000AAAA5555)
	state := testState()
	state.Flow = 0x10000
	ctx := NewContext(state, key, 0x10, image)

	next := bridge.Advance(ctx)

	decrypted := ^(uint32(0x11223344) ^ uint32(key))
	wantFlow := uint64(0x10000) + uint64(int64(int32(decrypted)))
	assert.Equal(t, wantFlow, uint64(next))
	assert.Equal(t, wantFlow, ctx.State.Flow)
	assert.Equal(t, key^uint64(decrypted), ctx.RollingKey)
	assert.Equal(t, uint64(0x14), ctx.VIP)
}

func TestBridgeAdvanceDeterministic(t *testing.T) {
	expr := &arith.Expression{}
	bridge := &Bridge{HandlerExpr: expr}

	image := make([]byte, 0x100)
	binary.LittleEndian.PutUint32(image[0x20:], 0xCAFE)

	run := func() (uint64, uint64, uint64) {
		state := testState()
		state.Flow = 0x5000
		ctx := NewContext(state, 0x77, 0x20, image)
		next := bridge.Advance(ctx)
		return uint64(next), ctx.RollingKey, ctx.State.Flow
	}
	n1, k1, f1 := run()
	n2, k2, f2 := run()
	assert.Equal(t, n1, n2)
	assert.Equal(t, k1, k2)
	assert.Equal(t, f1, f2)
}

func TestFetchDirectionUp(t *testing.T) {
	state := testState()
	state.Direction = DirectionUp

	image := make([]byte, 0x100)
	binary.LittleEndian.PutUint32(image[0x3C:], 0xDDCCBBAA)

	ctx := NewContext(state, 0, 0x40, image)
	// Up pre-decrements: the read lands at vip-4.
	assert.Equal(t, uint64(0xDDCCBBAA), ctx.Fetch(4))
	assert.Equal(t, uint64(0x3C), ctx.VIP)
}
