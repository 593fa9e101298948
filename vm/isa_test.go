package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/arith"
	"github.com/0xnobody/vmpattack/disasm/x86"
	"github.com/0xnobody/vmpattack/vtil"
)

// bridgeTail is the minimal bridge every non-exit handler fixture ends with:
//
//	mov  edi, [rax]     ; fetch the next handler offset
//	xor  edi, ebx       ; mix with the rolling key
//	push rdi            ; dispatch
//	ret
var bridgeTail = []byte{
	0x8B, 0x38,
	0x31, 0xDF,
	0x57,
	0xC3,
}

// withBridge appends the standard bridge tail to a handler body.
func withBridge(body ...byte) []byte {
	return append(body, bridgeTail...)
}

// matchHandler runs the catalog against the fixture and requires a match of
// the named descriptor, returning the handler and the (possibly updated)
// state.
func matchHandler(t *testing.T, name string, code []byte) (*Handler, *State) {
	t.Helper()
	state := testState()
	handler, ok := HandlerFromStream(state, x86.NewStream(code, 0))
	require.True(t, ok, "no handler matched")
	require.Equal(t, name, handler.Desc.Name)
	return handler, state
}

// emit runs the handler's emission into a fresh block.
func emit(handler *Handler, operands ...uint64) *vtil.BasicBlock {
	block := vtil.Begin(0x1000)
	handler.Desc.Emit(block, &Instruction{Handler: handler, Operands: operands})
	return block
}

// countOp counts instructions of the given op, optionally filtered to a
// first-operand register.
func countOp(block *vtil.BasicBlock, op vtil.Op, reg *vtil.RegisterDesc) int {
	n := 0
	for _, ins := range block.Instructions {
		if ins.Op != op {
			continue
		}
		if reg != nil && (!ins.Operands[0].IsReg() || ins.Operands[0].Register() != *reg) {
			continue
		}
		n++
	}
	return n
}

func TestHandlerPushImm(t *testing.T) {
	// mov edx, [rax]; xor edx, ebx; not edx; xor ebx, edx;
	// sub rbp, 4; mov [rbp], edx
	code := withBridge(
		0x8B, 0x10,
		0x31, 0xDA,
		0xF7, 0xD2,
		0x31, 0xD3,
		0x48, 0x83, 0xED, 0x04,
		0x89, 0x55, 0x00,
	)
	handler, _ := matchHandler(t, "PUSH", code)

	require.Len(t, handler.Info.Operands, 1)
	operand := handler.Info.Operands[0]
	assert.Equal(t, OperandImm, operand.Type)
	assert.Equal(t, 4, operand.Size)
	assert.Equal(t, 4, operand.ByteLength)
	require.Len(t, operand.Expr.Operations, 1)
	assert.Same(t, arith.Bnot, operand.Expr.Operations[0].Desc)

	block := emit(handler, 0x1337)
	assert.Equal(t, 1, countOp(block, vtil.OpPush, nil))
}

func TestHandlerPushReg(t *testing.T) {
	// movzx ecx, word [rax]; xor cx, bx; xor bx, cx;
	// mov rdx, [rsp+rcx]; sub rbp, 8; mov [rbp], rdx
	code := withBridge(
		0x0F, 0xB7, 0x08,
		0x66, 0x31, 0xD9,
		0x66, 0x31, 0xCB,
		0x48, 0x8B, 0x14, 0x0C,
		0x48, 0x83, 0xED, 0x08,
		0x48, 0x89, 0x55, 0x00,
	)
	handler, _ := matchHandler(t, "PUSH", code)

	require.Len(t, handler.Info.Operands, 1)
	operand := handler.Info.Operands[0]
	assert.Equal(t, OperandReg, operand.Type)
	assert.Equal(t, 8, operand.Size)
	assert.Equal(t, 2, operand.ByteLength)
}

func TestHandlerPushStk(t *testing.T) {
	// mov rdx, rbp; sub rbp, 8; mov [rbp], rdx
	code := withBridge(
		0x48, 0x89, 0xEA,
		0x48, 0x83, 0xED, 0x08,
		0x48, 0x89, 0x55, 0x00,
	)
	handler, _ := matchHandler(t, "PUSHSTK", code)
	assert.Equal(t, []int{8}, handler.Info.Sizes)
}

func TestHandlerPopStk(t *testing.T) {
	// mov rbp, [rbp]
	code := withBridge(
		0x48, 0x8B, 0x6D, 0x00,
	)
	handler, _ := matchHandler(t, "POPSTK", code)

	block := emit(handler)
	require.Len(t, block.Instructions, 1)
	assert.Equal(t, vtil.OpPop, block.Instructions[0].Op)
	assert.Equal(t, vtil.RegSP, block.Instructions[0].Operands[0].Register())
}

func TestHandlerLdd(t *testing.T) {
	// mov rdx, [rbp]; mov rdx, [rdx]; mov [rbp], rdx
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x48, 0x8B, 0x12,
		0x48, 0x89, 0x55, 0x00,
	)
	handler, _ := matchHandler(t, "LDD", code)
	assert.Equal(t, []int{8, 8}, handler.Info.Sizes)

	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpLdd, nil))
}

func TestHandlerStr(t *testing.T) {
	// mov rdx, [rbp]; mov rcx, [rbp+8]; mov [rdx], rcx
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x48, 0x8B, 0x4D, 0x08,
		0x48, 0x89, 0x0A,
	)
	handler, _ := matchHandler(t, "STR", code)
	assert.Equal(t, []int{8, 8}, handler.Info.Sizes)

	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpStr, nil))
}

func TestHandlerAdd(t *testing.T) {
	// mov rdx, [rbp]; mov rcx, [rbp+8]; add rdx, rcx; pushfq
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x48, 0x8B, 0x4D, 0x08,
		0x48, 0x01, 0xCA,
		0x9C,
	)
	handler, _ := matchHandler(t, "ADD", code)
	assert.Equal(t, []int{8, 8}, handler.Info.Sizes)

	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpAdd, nil))
	assert.Equal(t, 1, countOp(block, vtil.OpPushf, nil))
}

func TestHandlerNand(t *testing.T) {
	// mov rdx, [rbp]; mov rcx, [rbp+8]; not rdx; not rcx; or rdx, rcx
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x48, 0x8B, 0x4D, 0x08,
		0x48, 0xF7, 0xD2,
		0x48, 0xF7, 0xD1,
		0x48, 0x09, 0xCA,
	)
	handler, _ := matchHandler(t, "NAND", code)

	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpBor, nil))
	assert.Equal(t, 2, countOp(block, vtil.OpBnot, nil))
}

func TestHandlerNor(t *testing.T) {
	// mov rdx, [rbp]; mov rcx, [rbp+8]; not rdx; not rcx; and rdx, rcx
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x48, 0x8B, 0x4D, 0x08,
		0x48, 0xF7, 0xD2,
		0x48, 0xF7, 0xD1,
		0x48, 0x21, 0xCA,
	)
	handler, _ := matchHandler(t, "NOR", code)

	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpBand, nil))
}

func TestHandlerShl(t *testing.T) {
	// mov rdx, [rbp]; mov cl, [rbp+8]; shl rdx, cl
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x8A, 0x4D, 0x08,
		0x48, 0xD3, 0xE2,
	)
	handler, _ := matchHandler(t, "SHL", code)
	// The 1-byte shift-count slot aligns to stack granularity.
	assert.Equal(t, []int{8, 2}, handler.Info.Sizes)

	// OF is undefined after a shift; emission clobbers it.
	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpVpinw, &vtil.FlagOF))
}

func TestHandlerShr(t *testing.T) {
	// mov rdx, [rbp]; mov cl, [rbp+8]; shr rdx, cl
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x8A, 0x4D, 0x08,
		0x48, 0xD3, 0xEA,
	)
	handler, _ := matchHandler(t, "SHR", code)
	assert.Equal(t, []int{8, 2}, handler.Info.Sizes)

	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpVpinw, &vtil.FlagOF))
}

func TestHandlerShld(t *testing.T) {
	// mov rdx, [rbp]; mov r8, [rbp+8]; mov cl, [rbp+16]; shld rdx, r8, cl
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x4C, 0x8B, 0x45, 0x08,
		0x8A, 0x4D, 0x10,
		0x4C, 0x0F, 0xA5, 0xC2,
	)
	handler, _ := matchHandler(t, "SHLD", code)
	assert.Equal(t, []int{8, 1}, handler.Info.Sizes)

	block := emit(handler)
	assert.Equal(t, 3, countOp(block, vtil.OpPop, nil))
	assert.Equal(t, 1, countOp(block, vtil.OpVpinw, &vtil.FlagOF))
}

func TestHandlerShrd(t *testing.T) {
	// mov rdx, [rbp]; mov r8, [rbp+8]; mov cl, [rbp+16]; shrd rdx, r8, cl
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x4C, 0x8B, 0x45, 0x08,
		0x8A, 0x4D, 0x10,
		0x4C, 0x0F, 0xAD, 0xC2,
	)
	handler, _ := matchHandler(t, "SHRD", code)

	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpVpinw, &vtil.FlagOF))
}

func TestHandlerDiv(t *testing.T) {
	// mov rax, [rbp+8]; mov rdx, [rbp]; mov rcx, [rbp+16]; div rcx
	code := withBridge(
		0x48, 0x8B, 0x45, 0x08,
		0x48, 0x8B, 0x55, 0x00,
		0x48, 0x8B, 0x4D, 0x10,
		0x48, 0xF7, 0xF1,
	)
	handler, _ := matchHandler(t, "DIV", code)
	assert.Equal(t, []int{8, 8}, handler.Info.Sizes)

	// Quotient, remainder and flags are pushed; CF/OF/SF/ZF are clobbered
	// as undefined.
	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpDiv, nil))
	assert.Equal(t, 1, countOp(block, vtil.OpRem, nil))
	assert.Equal(t, 2, countOp(block, vtil.OpPush, nil))
	assert.Equal(t, 1, countOp(block, vtil.OpPushf, nil))
	for _, flag := range []vtil.RegisterDesc{vtil.FlagCF, vtil.FlagOF, vtil.FlagSF, vtil.FlagZF} {
		flag := flag
		assert.Equal(t, 1, countOp(block, vtil.OpVpinw, &flag), "%v", flag)
	}
}

func TestHandlerIdiv(t *testing.T) {
	// mov rax, [rbp+8]; mov rdx, [rbp]; mov rcx, [rbp+16]; idiv rcx
	code := withBridge(
		0x48, 0x8B, 0x45, 0x08,
		0x48, 0x8B, 0x55, 0x00,
		0x48, 0x8B, 0x4D, 0x10,
		0x48, 0xF7, 0xF9,
	)
	handler, _ := matchHandler(t, "IDIV", code)

	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpIdiv, nil))
	assert.Equal(t, 1, countOp(block, vtil.OpIrem, nil))
	assert.Equal(t, 4, countOp(block, vtil.OpVpinw, nil))
}

func TestHandlerMul(t *testing.T) {
	// mov rax, [rbp+8]; mov rdx, [rbp]; mul rdx
	code := withBridge(
		0x48, 0x8B, 0x45, 0x08,
		0x48, 0x8B, 0x55, 0x00,
		0x48, 0xF7, 0xE2,
	)
	handler, _ := matchHandler(t, "MUL", code)
	assert.Equal(t, []int{8}, handler.Info.Sizes)

	// CF/OF are derived from the high half; SF/ZF are undefined.
	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpMul, nil))
	assert.Equal(t, 1, countOp(block, vtil.OpMulhi, nil))
	assert.Equal(t, 2, countOp(block, vtil.OpTne, nil))
	assert.Equal(t, 1, countOp(block, vtil.OpVpinw, &vtil.FlagSF))
	assert.Equal(t, 1, countOp(block, vtil.OpVpinw, &vtil.FlagZF))
}

func TestHandlerImul(t *testing.T) {
	// mov rax, [rbp+8]; mov rdx, [rbp]; imul rdx
	code := withBridge(
		0x48, 0x8B, 0x45, 0x08,
		0x48, 0x8B, 0x55, 0x00,
		0x48, 0xF7, 0xEA,
	)
	handler, _ := matchHandler(t, "IMUL", code)

	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpImul, nil))
	assert.Equal(t, 1, countOp(block, vtil.OpImulhi, nil))
	assert.Equal(t, 1, countOp(block, vtil.OpVpinw, &vtil.FlagSF))
	assert.Equal(t, 1, countOp(block, vtil.OpVpinw, &vtil.FlagZF))
}

func TestHandlerRcl(t *testing.T) {
	// mov rdx, [rbp]; mov cl, [rbp+8]; rcl rdx, cl
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x8A, 0x4D, 0x08,
		0x48, 0xD3, 0xD2,
	)
	handler, _ := matchHandler(t, "RCL", code)
	assert.Equal(t, []int{8, 1}, handler.Info.Sizes)
}

func TestHandlerRcr(t *testing.T) {
	// mov rdx, [rbp]; mov cl, [rbp+8]; rcr rdx, cl
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x8A, 0x4D, 0x08,
		0x48, 0xD3, 0xDA,
	)
	handler, _ := matchHandler(t, "RCR", code)
	assert.Equal(t, []int{8, 1}, handler.Info.Sizes)
}

func TestHandlerPopf(t *testing.T) {
	// push qword [rbp]; popfq
	code := withBridge(
		0xFF, 0x75, 0x00,
		0x9D,
	)
	handler, _ := matchHandler(t, "POPF", code)

	block := emit(handler)
	require.Len(t, block.Instructions, 1)
	assert.Equal(t, vtil.OpPopf, block.Instructions[0].Op)
}

func TestHandlerNop(t *testing.T) {
	// lea rsi, [rip-7]
	code := withBridge(
		0x48, 0x8D, 0x35, 0xF9, 0xFF, 0xFF, 0xFF,
	)
	handler, state := matchHandler(t, "NOP", code)
	assert.NotZero(t, handler.Desc.Flags&FlagCreatesBlock)
	require.NotNil(t, handler.Info.UpdatedState)
	// The flow rebases onto the lea's own address.
	assert.Equal(t, uint64(0), handler.Info.UpdatedState.Flow)
	assert.Equal(t, uint64(0), state.Flow)
}

func TestHandlerRdtsc(t *testing.T) {
	// rdtsc
	code := withBridge(0x0F, 0x31)
	handler, _ := matchHandler(t, "RDTSC", code)

	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpVemits, nil))
	assert.Equal(t, 2, countOp(block, vtil.OpVpinw, nil))
	assert.Equal(t, 2, countOp(block, vtil.OpPush, nil))
}

func TestHandlerCpuid(t *testing.T) {
	// mov edx, [rbp]; cpuid
	code := withBridge(
		0x8B, 0x55, 0x00,
		0x0F, 0xA2,
	)
	handler, _ := matchHandler(t, "CPUID", code)

	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpVemits, nil))
	assert.Equal(t, 1, countOp(block, vtil.OpVpinr, nil))
	assert.Equal(t, 4, countOp(block, vtil.OpVpinw, nil))
	assert.Equal(t, 4, countOp(block, vtil.OpPush, nil))
}

func TestHandlerPushReg_Debug(t *testing.T) {
	// mov rdx, dr7; sub rbp, 8; mov [rbp], rdx
	code := withBridge(
		0x0F, 0x21, 0xFA,
		0x48, 0x83, 0xED, 0x08,
		0x48, 0x89, 0x55, 0x00,
	)
	handler, _ := matchHandler(t, "PUSHREG", code)
	assert.Equal(t, x86asm.DR7, handler.Info.CustomData.(x86asm.Reg))
}

func TestHandlerPopReg_Debug(t *testing.T) {
	// mov rdx, [rbp]; mov dr7, rdx
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x0F, 0x23, 0xFA,
	)
	handler, _ := matchHandler(t, "POPREG", code)
	assert.Equal(t, x86asm.DR7, handler.Info.CustomData.(x86asm.Reg))
}

func TestHandlerLockOr(t *testing.T) {
	// mov rdx, [rbp]; mov rcx, [rbp+8]; lock or [rdx], rcx
	code := withBridge(
		0x48, 0x8B, 0x55, 0x00,
		0x48, 0x8B, 0x4D, 0x08,
		0xF0, 0x48, 0x09, 0x0A,
	)
	handler, _ := matchHandler(t, "LOCKOR", code)
	assert.Equal(t, []x86asm.Reg{x86asm.RDX, x86asm.RCX}, handler.Info.CustomData.([]x86asm.Reg))

	block := emit(handler)
	require.Len(t, block.Instructions, 1)
	assert.Equal(t, vtil.OpVemits, block.Instructions[0].Op)
	assert.Equal(t, "lock or [rdx], rcx", block.Instructions[0].Operands[0].TextValue())
}

func TestHandlerVMExit(t *testing.T) {
	// mov rsp, rbp; pop ×10 with popfq in the middle; ret
	code := []byte{
		0x48, 0x89, 0xEC,
		0x58,       // pop rax
		0x59,       // pop rcx
		0x5A,       // pop rdx
		0x5B,       // pop rbx
		0x9D,       // popfq
		0x5D,       // pop rbp
		0x5E,       // pop rsi
		0x5F,       // pop rdi
		0x41, 0x58, // pop r8
		0x41, 0x59, // pop r9
		0x41, 0x5A, // pop r10
		0xC3,
	}
	handler, _ := matchHandler(t, "VMEXIT", code)
	assert.Nil(t, handler.Bridge)

	popped := handler.Info.CustomData.([]x86asm.Reg)
	require.Len(t, popped, 11)
	assert.Equal(t, x86asm.RAX, popped[0])
	assert.Equal(t, x86.RegFlags, popped[4])
	assert.Equal(t, x86asm.R10, popped[10])

	// The flags marker pops the IR flags register.
	block := emit(handler)
	assert.Equal(t, 11, countOp(block, vtil.OpPop, nil))
	assert.Equal(t, 1, countOp(block, vtil.OpPop, &vtil.RegFlags))
}

func TestHandlerVMExitTooShort(t *testing.T) {
	// A restore sequence under the frame minimum is not a VMEXIT.
	code := []byte{
		0x48, 0x89, 0xEC,
		0x58,
		0x59,
		0xC3,
	}
	state := testState()
	_, ok := HandlerFromStream(state, x86.NewStream(code, 0))
	assert.False(t, ok)
}

// retHandlerCode assembles a RET handler that renames the VSP and switches
// the VM to a new VIP, rolling-key register and flow base:
//
//	mov    rcx, [rbp]           ; new flow value from the virtual stack
//	mov    rdx, rbp             ; VSP renamed
//	lea    rdi, [rip-7]         ; new flow base
//	mov    r9d, [rcx]           ; first fetch through the new VIP
//	movabs r10, 0               ; relocation placeholder
//	sub    rbx, r10             ; new rolling-key register
//	add    rcx, 4               ; new VIP advances downwards
//	xor    r9d, ebx             ; re-keyed fetch
//	not    r9d                  ; offset decryption chain
//	push   r9                   ; dispatch
//	ret
var retHandlerCode = []byte{
	0x48, 0x8B, 0x4D, 0x00,
	0x48, 0x89, 0xEA,
	0x48, 0x8D, 0x3D, 0xF9, 0xFF, 0xFF, 0xFF,
	0x44, 0x8B, 0x09,
	0x49, 0xBA, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x4C, 0x29, 0xD3,
	0x48, 0x83, 0xC1, 0x04,
	0x41, 0x31, 0xD9,
	0x41, 0xF7, 0xD1,
	0x41, 0x51,
	0xC3,
}

func TestHandlerRet(t *testing.T) {
	handler, state := matchHandler(t, "RET", retHandlerCode)
	assert.NotZero(t, handler.Desc.Flags&FlagBranch)
	assert.NotZero(t, handler.Desc.Flags&FlagUpdatesState)

	updated := handler.Info.UpdatedState
	require.NotNil(t, updated)
	assert.Equal(t, x86asm.RDX, updated.StackReg)
	assert.Equal(t, x86asm.RCX, updated.VIPReg)
	assert.Equal(t, x86asm.RSP, updated.ContextReg)
	assert.Equal(t, x86asm.RBX, updated.RollingKeyReg)
	assert.Equal(t, x86asm.RDI, updated.FlowReg)
	assert.Equal(t, DirectionDown, updated.Direction)
	// The new flow base is the lea's own address.
	assert.Equal(t, uint64(7), updated.Flow)

	// The caller's state followed the update.
	assert.Equal(t, x86asm.RDX, state.StackReg)
	assert.Equal(t, x86asm.RCX, state.VIPReg)

	// The bridge locked onto the re-keyed fetch and its chain.
	require.NotNil(t, handler.Bridge)
	require.Len(t, handler.Bridge.HandlerExpr.Operations, 1)
	assert.Same(t, arith.Bnot, handler.Bridge.HandlerExpr.Operations[0].Desc)

	// Down-stream RETs pop and jump without the -1 disambiguation.
	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpPop, nil))
	assert.Equal(t, 0, countOp(block, vtil.OpSub, nil))
	assert.Equal(t, 1, countOp(block, vtil.OpJmp, nil))
}

func TestHandlerRetUpStream(t *testing.T) {
	// Flipping the VIP update to SUB flips the direction and makes the RET
	// emission offset the destination by -1.
	code := append([]byte{}, retHandlerCode...)
	// add rcx, 4 -> sub rcx, 4 (83 /5).
	code[30+2] = 0xE9
	handler, state := matchHandler(t, "RET", code)
	assert.Equal(t, DirectionUp, handler.Info.UpdatedState.Direction)
	assert.Equal(t, DirectionUp, state.Direction)

	block := emit(handler)
	assert.Equal(t, 1, countOp(block, vtil.OpSub, nil))
}
