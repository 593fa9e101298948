package vm

import (
	"github.com/0xnobody/vmpattack/arith"
	"github.com/0xnobody/vmpattack/bin"
	"github.com/0xnobody/vmpattack/disasm/x86"
)

// Handler is a decoded virtual machine handler: the native code implementing
// one virtual opcode, its decoding metadata, and the bridge linking it to the
// next handler. Handlers are immutable once constructed.
type Handler struct {
	// The handler's RVA in the loaded image.
	RVA bin.Addr
	// The backing instruction descriptor.
	Desc *InstructionDesc
	// The per-handler decoding metadata.
	Info *InstructionInfo
	// The handler's bridge; nil on VMEXIT handlers, which have no forward
	// handler to pass execution to.
	Bridge *Bridge
}

// Decode reads and decrypts the handler's operands from the context,
// advancing it, and returns the fully-formed virtual instruction. Each
// operand is fetched at its VIP byte length, XORed with the rolling key's low
// bits at that width, run through its decryption chain, and folded back into
// the rolling key.
func (h *Handler) Decode(ctx *Context) *Instruction {
	operands := make([]uint64, 0, len(h.Info.Operands))
	for _, operand := range h.Info.Operands {
		value := ctx.Fetch(operand.ByteLength)
		value ^= arith.SizeCast(ctx.RollingKey, operand.ByteLength)
		value = operand.Expr.Compute(value, operand.ByteLength)
		ctx.RollingKey ^= value
		operands = append(operands, value)
	}
	return &Instruction{Handler: h, Operands: operands}
}

// HandlerFromStream matches the instruction stream against the catalog,
// trying each descriptor in order on a fresh copy of the stream. The first
// match wins. When the matched descriptor updates the VM state, the caller's
// state is overwritten from the produced updated state. Returns false when
// no descriptor matches, leaving the caller's stream untouched.
func HandlerFromStream(state *State, stream *x86.Stream) (*Handler, bool) {
	info := &InstructionInfo{}

	var matched *InstructionDesc
	copied := stream.Copy()
	for _, desc := range InstructionSet {
		if desc.Match(state, copied, info) {
			matched = desc
			break
		}
		// Refresh the stream and the info for the next candidate.
		copied = stream.Copy()
		*info = InstructionInfo{}
	}
	if matched == nil {
		return nil, false
	}

	if matched.Flags&FlagUpdatesState != 0 && info.UpdatedState != nil {
		*state = *info.UpdatedState
	}

	// VMEXITs carry no bridge.
	if matched.Flags&FlagVMExit != 0 {
		return &Handler{RVA: stream.RVA(), Desc: matched, Info: info}, true
	}

	// Matching leaves the copy at the bridge's first instruction; RET leaves
	// it at the handler start, and the bridge scan skips forward to the VIP
	// fetch.
	bridge, ok := BridgeFromStream(state, copied)
	if !ok {
		return nil, false
	}

	return &Handler{RVA: stream.RVA(), Desc: matched, Info: info, Bridge: bridge}, true
}
