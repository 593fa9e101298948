package vm

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/analysis"
	"github.com/0xnobody/vmpattack/arith"
	"github.com/0xnobody/vmpattack/bin"
	"github.com/0xnobody/vmpattack/disasm/x86"
)

// Bridge is the native glue following every non-exit handler: it decrypts
// the next handler's signed 32-bit offset from the VIP stream and adds it to
// the current flow address.
type Bridge struct {
	// The RVA of the bridge in image space.
	RVA bin.Addr
	// The arithmetic chain used to decrypt the next handler's offset.
	HandlerExpr *arith.Expression
}

// Advance computes the next handler from the bridge, updating the context:
// the offset is fetched from the VIP stream, XORed with the rolling key,
// decrypted, folded back into the rolling key, sign-extended, and added to
// the flow. Returns the next handler's address.
func (b *Bridge) Advance(ctx *Context) bin.Addr {
	// XOR the encrypted next handler offset by the rolling key.
	next := uint32(ctx.Fetch(4)) ^ uint32(ctx.RollingKey)

	// Decrypt the next handler offset via the arithmetic chain.
	next = uint32(b.HandlerExpr.Compute(uint64(next), 4))

	// Update the rolling key.
	ctx.RollingKey ^= uint64(next)

	// Handler offsets may be negative; sign-extend before the add.
	ctx.State.Flow += uint64(int64(int32(next)))

	return bin.Addr(ctx.State.Flow)
}

// BridgeFromStream parses a bridge at the stream position: a 4-byte VIP
// fetch, the XOR with the rolling key, and the ensuing decryption chain
// terminated by the push of the decrypted offset. Returns false on a
// structural mismatch, leaving the caller's stream untouched.
func BridgeFromStream(state *State, stream *x86.Stream) (*Bridge, bool) {
	copied := stream.Copy()
	expr := &arith.Expression{}

	a := NewAnalysis(copied, state)

	var fetchReg x86asm.Reg
	fetchSize := 4
	rkeyReg := state.RollingKeyReg

	a.FetchVIP(analysis.Out(&fetchReg), analysis.In(&fetchSize))
	a.XorRegReg(analysis.In(&fetchReg), analysis.In(&rkeyReg))
	a.RecordExpression(fetchReg, expr, func() *analysis.Context {
		return a.ID(x86asm.PUSH)
	})
	if !a.OK() {
		return nil, false
	}

	return &Bridge{RVA: stream.RVA(), HandlerExpr: expr}, true
}
