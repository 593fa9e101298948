package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/bin"
	"github.com/0xnobody/vmpattack/disasm/x86"
	"github.com/0xnobody/vmpattack/vtil"
)

// vmentryCode assembles a minimal VMENTRY prologue at RVA 0:
//
//	pushfq                      ; entry frame
//	push rcx
//	push rdx
//	push rbx
//	push rsi
//	push rdi                    ; image-base fixup, dropped from the frame
//	mov  rax, [rsp+0x90]        ; fetch encrypted vip
//	not  rax                    ; vip decryption chain
//	lea  rax, [rax+rdi]         ; image base fixup
//	mov  rbp, rsp               ; virtual stack takes over
//	sub  rsp, 0x140             ; stack scratch
//	mov  rbx, rax               ; rolling key seeds from vip
//	lea  rsi, [rip-7]           ; flow base
//	mov  edx, [rax]             ; bridge: fetch handler offset
//	add  rax, 4                 ; vip advances downwards
//	xor  edx, ebx               ; mix with rolling key
//	not  edx                    ; offset decryption chain
//	push rdx                    ; dispatch
//	ret
var vmentryCode = []byte{
	0x9C,
	0x51,
	0x52,
	0x53,
	0x56,
	0x57,
	0x48, 0x8B, 0x84, 0x24, 0x90, 0x00, 0x00, 0x00,
	0x48, 0xF7, 0xD0,
	0x48, 0x8D, 0x04, 0x38,
	0x48, 0x89, 0xE5,
	0x48, 0x81, 0xEC, 0x40, 0x01, 0x00, 0x00,
	0x48, 0x89, 0xC3,
	0x48, 0x8D, 0x35, 0xF9, 0xFF, 0xFF, 0xFF,
	0x8B, 0x10,
	0x48, 0x83, 0xC0, 0x04,
	0x31, 0xDA,
	0xF7, 0xD2,
	0x52,
	0xC3,
}

func TestInstanceFromStream(t *testing.T) {
	stream := x86.NewStream(vmentryCode, 0)
	instance, ok := InstanceFromStream(stream)
	require.True(t, ok)

	state := instance.InitialState()
	assert.Equal(t, x86asm.RBP, state.StackReg)
	assert.Equal(t, x86asm.RAX, state.VIPReg)
	assert.Equal(t, x86asm.RSP, state.ContextReg)
	assert.Equal(t, x86asm.RBX, state.RollingKeyReg)
	assert.Equal(t, x86asm.RSI, state.FlowReg)
	assert.Equal(t, DirectionDown, state.Direction)
	// The flow base is the address of the lea itself.
	assert.Equal(t, uint64(34), state.Flow)

	// The frame keeps push order and drops the trailing fixup push.
	require.Len(t, instance.EntryFrame, 5)
	assert.Equal(t, vtil.RegFlags, instance.EntryFrame[0])
	assert.Equal(t, vtil.PhysReg(x86asm.RCX), instance.EntryFrame[1])
	assert.Equal(t, vtil.PhysReg(x86asm.RSI), instance.EntryFrame[4])

	// The vip chain recorded the NOT between the seed fetch and the base
	// fixup.
	assert.Equal(t, ^uint64(0x1122334455667788), instance.VIPExpr().Compute(0x1122334455667788, 8))

	// The entry bridge recorded the NOT of the offset chain.
	require.NotNil(t, instance.Bridge)
	assert.Equal(t, uint64(^uint32(0x12345678)), instance.Bridge.HandlerExpr.Compute(0x12345678, 4))
}

func TestInstanceFromStreamRejectsPlainCode(t *testing.T) {
	// An ordinary function prologue is not a VMENTRY.
	code := []byte{
		0x55,             // push rbp
		0x48, 0x89, 0xE5, // mov rbp, rsp
		0xC3, // ret
	}
	_, ok := InstanceFromStream(x86.NewStream(code, 0))
	assert.False(t, ok)
}

func TestInitializeContext(t *testing.T) {
	instance, ok := InstanceFromStream(x86.NewStream(vmentryCode, 0))
	require.True(t, ok)

	image := make([]byte, 0x1000)
	stub := uint64(0x00000000DEAD0000)
	ctx := instance.InitializeContext(stub, -0x140000000, image)

	// vip = (u32)not(stub) + 0x1_0000_0000; rolling key is the logical vip.
	wantVIP := uint64(uint32(^stub)) + 0x100000000
	assert.Equal(t, wantVIP, ctx.RollingKey)
	assert.Equal(t, wantVIP-0x140000000, ctx.VIP)
	assert.Equal(t, DirectionDown, ctx.State.Direction)
}

func TestHandlerCacheIdempotence(t *testing.T) {
	instance, ok := InstanceFromStream(x86.NewStream(vmentryCode, 0))
	require.True(t, ok)

	h1 := &Handler{RVA: bin.Addr(0x5000), Desc: descPop}
	h2 := &Handler{RVA: bin.Addr(0x5000), Desc: descPush}
	instance.AddHandler(h1)
	instance.AddHandler(h2)

	// The first insertion wins and stays stable.
	got, ok := instance.FindHandler(0x5000)
	require.True(t, ok)
	assert.Same(t, h1, got)

	_, ok = instance.FindHandler(0x6000)
	assert.False(t, ok)
}
