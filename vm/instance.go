package vm

import (
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/analysis"
	"github.com/0xnobody/vmpattack/arith"
	"github.com/0xnobody/vmpattack/bin"
	"github.com/0xnobody/vmpattack/disasm/x86"
	"github.com/0xnobody/vmpattack/vtil"
)

// The image-base fixup constant the obfuscator folds into the decrypted VIP
// seed.
const vipBaseFixup = 0x100000000

// Instance is a single virtual machine instance, one per VMENTRY: the
// initial state, the entry frame, the VIP seed decryption chain, the entry
// bridge, and the instance's handler cache.
type Instance struct {
	// The RVA of the first instruction of the VMENTRY.
	RVA bin.Addr
	// The bridge of the VMENTRY.
	Bridge *Bridge
	// The registers pushed at VMENTRY, in push order, with the flags
	// register where PUSHF appeared.
	EntryFrame []vtil.RegisterDesc

	// Guards handlers.
	mu sync.Mutex
	// Handler cache keyed by handler RVA. Lookup is stable: the same RVA
	// resolves to the same handler for the lifetime of the instance.
	handlers map[bin.Addr]*Handler

	// The initial state as recovered from the VMENTRY prologue.
	initialState *State
	// The chain decrypting the VMENTRY stub into the initial VIP.
	vipExpr *arith.Expression
}

// InitializeContext creates an initial context for this instance over the
// given mapped image buffer, from an entry stub and the image's load delta.
// The context is positioned just before the VMENTRY bridge; the rolling key
// seeds from the pre-relocation VIP.
func (i *Instance) InitializeContext(stub uint64, loadDelta int64, image []byte) *Context {
	// Decrypt the stub into the logical VIP, always truncated to 32 bits
	// before the base fixup is applied.
	vip := uint64(uint32(i.vipExpr.Compute(stub, 8))) + vipBaseFixup

	// The absolute VIP follows the live load address.
	absoluteVIP := vip + uint64(loadDelta)

	return NewContext(i.initialState.Clone(), vip, absoluteVIP, image)
}

// VIPExpr returns the VMENTRY stub decryption chain.
func (i *Instance) VIPExpr() *arith.Expression {
	return i.vipExpr
}

// InitialState returns a copy of the instance's initial state.
func (i *Instance) InitialState() *State {
	return i.initialState.Clone()
}

// AddHandler inserts a handler into the instance's cache.
func (i *Instance) AddHandler(h *Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.handlers[h.RVA]; !ok {
		i.handlers[h.RVA] = h
	}
}

// FindHandler looks up a cached handler by RVA. Returned handlers are
// immutable and may be used without the lock.
func (i *Instance) FindHandler(rva bin.Addr) (*Handler, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	h, ok := i.handlers[rva]
	return h, ok
}

// InstanceFromStream reconstructs a VM instance from its VMENTRY instruction
// stream, recovering the full register assignment, the VIP direction, the
// entry frame, and the entry bridge. Returns false when the stream is not a
// VMENTRY of this obfuscator family.
func InstanceFromStream(stream *x86.Stream) (*Instance, bool) {
	copied := stream.Copy()
	c := analysis.NewContext(copied)

	vipExpr := &arith.Expression{}

	var (
		vipReg         x86asm.Reg
		vipOffsetIns   x86asm.Op
		vipOffsetReg   x86asm.Reg
		vipStackOffset int64

		rsp      = x86asm.RSP
		stackReg x86asm.Reg
		allocImm uint64

		rollingKeyReg x86asm.Reg

		flowReg x86asm.Reg
		flowRVA uint64

		pushedRegs []x86asm.Reg
	)

	// The whole prologue runs under the push recorder; the recorded pushes
	// are the entry frame.
	c.TrackPushes(&pushedRegs, func() *analysis.Context {
		c.FetchEncryptedVIP(analysis.Out(&vipReg), analysis.Out(&vipStackOffset))
		c.RecordExpression(vipReg, vipExpr, func() *analysis.Context {
			return c.OffsetReg(analysis.Out(&vipOffsetIns), analysis.In(&vipReg), analysis.Out(&vipOffsetReg))
		})
		c.MovRegReg(analysis.Out(&stackReg), analysis.In(&rsp), false)
		c.AllocateStack(analysis.Out(&allocImm))
		c.MovRegReg(analysis.Out(&rollingKeyReg), analysis.In(&vipReg), true)
		return c.SetFlow(analysis.Out(&flowReg), analysis.Out(&flowRVA))
	})
	if !c.OK() {
		return nil, false
	}

	// Peek into the bridge to determine the VIP fetch direction: the VIP is
	// offset by 4 at each handler dispatch.
	peek := copied.Copy()
	peekCtx := analysis.NewContext(peek)

	vipOffsetSize := uint64(4)
	var updateVIPIns x86asm.Op
	peekCtx.UpdateReg(analysis.Out(&updateVIPIns), analysis.In(&vipReg), analysis.In(&vipOffsetSize))
	if !peekCtx.OK() {
		return nil, false
	}

	direction := DirectionUp
	if updateVIPIns == x86asm.ADD {
		direction = DirectionDown
	}

	initialState := &State{
		StackReg:      stackReg,
		VIPReg:        vipReg,
		ContextReg:    x86asm.RSP,
		RollingKeyReg: rollingKeyReg,
		FlowReg:       flowReg,
		Direction:     direction,
		Flow:          flowRVA,
	}

	// The VMENTRY bridge follows the prologue.
	bridge, ok := BridgeFromStream(initialState, copied)
	if !ok {
		return nil, false
	}

	// Capture the entry frame in push order.
	frame := make([]vtil.RegisterDesc, 0, len(pushedRegs))
	for _, reg := range pushedRegs {
		if reg == x86.RegFlags {
			frame = append(frame, vtil.RegFlags)
			continue
		}
		frame = append(frame, vtil.PhysReg(reg))
	}
	if len(frame) == 0 {
		return nil, false
	}

	// The last pushed value is the image-base fixup synthesised by the
	// obfuscator; the lifter re-pushes it against the live image base.
	frame = frame[:len(frame)-1]

	return &Instance{
		RVA:          copied.Base(),
		Bridge:       bridge,
		EntryFrame:   frame,
		handlers:     make(map[bin.Addr]*Handler),
		initialState: initialState,
		vipExpr:      vipExpr,
	}, true
}
