// Package llvm lowers recovered IR routines into LLVM IR modules. The
// lowering is best-effort: the virtual stack and the opaque passthrough ops
// become calls to declared runtime helpers, while data flow lowers to plain
// LLVM arithmetic. The output is meant for downstream decompilation
// pipelines that speak LLVM.
package llvm

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"

	"github.com/0xnobody/vmpattack/vtil"
)

// exporter carries the per-module lowering state.
type exporter struct {
	m *ir.Module

	// Runtime helpers.
	fnPush  *ir.Func
	fnPop   *ir.Func
	fnLoad  *ir.Func
	fnStore *ir.Func
	fnEmit  *ir.Func
	fnEmits *ir.Func
	fnPin   *ir.Func
	fnJmp   *ir.Func
	fnExit  *ir.Func
	fnXcall *ir.Func
}

// Export lowers the given routine into a fresh LLVM module.
func Export(rtn *vtil.Routine) *ir.Module {
	m := ir.NewModule()
	e := &exporter{m: m}
	e.declareHelpers()
	e.lowerRoutine(rtn)
	return m
}

// declareHelpers declares the external runtime helpers the lowering calls
// into.
func (e *exporter) declareHelpers() {
	i64, i8, i8p := types.I64, types.I8, types.NewPointer(types.I8)
	e.fnPush = e.m.NewFunc("vmp.push", types.Void, ir.NewParam("v", i64))
	e.fnPop = e.m.NewFunc("vmp.pop", i64)
	e.fnLoad = e.m.NewFunc("vmp.load", i64, ir.NewParam("addr", i64))
	e.fnStore = e.m.NewFunc("vmp.store", types.Void, ir.NewParam("addr", i64), ir.NewParam("v", i64))
	e.fnEmit = e.m.NewFunc("vmp.emit", types.Void, ir.NewParam("b", i8))
	e.fnEmits = e.m.NewFunc("vmp.emits", types.Void, ir.NewParam("s", i8p))
	e.fnPin = e.m.NewFunc("vmp.pin", types.Void, ir.NewParam("reg", i64), ir.NewParam("write", i8))
	e.fnJmp = e.m.NewFunc("vmp.jmp", types.Void, ir.NewParam("dst", i64))
	e.fnExit = e.m.NewFunc("vmp.exit", types.Void, ir.NewParam("dst", i64))
	e.fnXcall = e.m.NewFunc("vmp.xcall", types.Void, ir.NewParam("dst", i64))
}

// funcExporter carries the per-function lowering state.
type funcExporter struct {
	*exporter
	f *ir.Func

	// Map from logical VIP to lowered block.
	blocks map[uint64]*ir.Block
	// Register storage slots, allocated in the entry block.
	slots map[vtil.RegisterDesc]*ir.InstAlloca
	entry *ir.Block
}

// lowerRoutine lowers one routine to an LLVM function.
func (e *exporter) lowerRoutine(rtn *vtil.Routine) {
	f := e.m.NewFunc(fmt.Sprintf("routine_%08x", rtn.EntryVIP()), types.Void)
	fe := &funcExporter{
		exporter: e,
		f:        f,
		blocks:   make(map[uint64]*ir.Block),
		slots:    make(map[vtil.RegisterDesc]*ir.InstAlloca),
	}
	fe.entry = f.NewBlock("entry")
	for _, vip := range rtn.SortedVIPs() {
		fe.blocks[vip] = f.NewBlock(fmt.Sprintf("block_%08x", vip))
	}
	for _, vip := range rtn.SortedVIPs() {
		fe.lowerBlock(rtn.Blocks[vip], fe.blocks[vip])
	}
	fe.entry.NewBr(fe.blocks[rtn.EntryVIP()])
	// Blocks the lifter abandoned stay unterminated; close them.
	for _, block := range f.Blocks {
		if block.Term == nil {
			block.NewRet(nil)
		}
	}
}

// slot returns the storage slot of a register, allocating it on first use.
// Every descriptor view gets an i64 slot of its own; the lowering does not
// model overlapping sub-views.
func (fe *funcExporter) slot(r vtil.RegisterDesc) *ir.InstAlloca {
	if s, ok := fe.slots[r]; ok {
		return s
	}
	s := fe.entry.NewAlloca(types.I64)
	s.SetName(r.String())
	fe.slots[r] = s
	return s
}

// eval lowers an operand read.
func (fe *funcExporter) eval(b *ir.Block, op vtil.Operand) value.Value {
	if op.IsImm() {
		return constant.NewInt(types.I64, int64(op.Immediate()))
	}
	return b.NewLoad(types.I64, fe.slot(op.Register()))
}

// assign lowers a register write.
func (fe *funcExporter) assign(b *ir.Block, r vtil.RegisterDesc, v value.Value) {
	b.NewStore(v, fe.slot(r))
}

// binop lowers a read-modify-write arithmetic instruction.
func (fe *funcExporter) binop(b *ir.Block, ins *vtil.Instruction, op func(x, y value.Value) value.Value) {
	dst := ins.Operands[0].Register()
	x := b.NewLoad(types.I64, fe.slot(dst))
	y := fe.eval(b, ins.Operands[1])
	fe.assign(b, dst, op(x, y))
}

// cmp lowers a flag-setting comparison.
func (fe *funcExporter) cmp(b *ir.Block, ins *vtil.Instruction, pred enum.IPred) {
	x := fe.eval(b, ins.Operands[1])
	y := fe.eval(b, ins.Operands[2])
	bit := b.NewICmp(pred, x, y)
	fe.assign(b, ins.Operands[0].Register(), b.NewZExt(bit, types.I64))
}

// hi64 lowers a widening dual-result multiply's high half.
func (fe *funcExporter) hi64(b *ir.Block, x, y value.Value, signed bool) value.Value {
	i128 := types.NewInt(128)
	var wx, wy value.Value
	if signed {
		wx, wy = b.NewSExt(x, i128), b.NewSExt(y, i128)
	} else {
		wx, wy = b.NewZExt(x, i128), b.NewZExt(y, i128)
	}
	product := b.NewMul(wx, wy)
	shifted := b.NewLShr(product, constant.NewInt(i128, 64))
	return b.NewTrunc(shifted, types.I64)
}

// divmod lowers a 128/64 division or remainder.
func (fe *funcExporter) divmod(b *ir.Block, lo, hi, by value.Value, signed, rem bool) value.Value {
	i128 := types.NewInt(128)
	wide := b.NewOr(
		b.NewShl(b.NewZExt(hi, i128), constant.NewInt(i128, 64)),
		b.NewZExt(lo, i128))
	var wby value.Value
	if signed {
		wby = b.NewSExt(by, i128)
	} else {
		wby = b.NewZExt(by, i128)
	}
	var result value.Value
	switch {
	case signed && rem:
		result = b.NewSRem(wide, wby)
	case signed:
		result = b.NewSDiv(wide, wby)
	case rem:
		result = b.NewURem(wide, wby)
	default:
		result = b.NewUDiv(wide, wby)
	}
	return b.NewTrunc(result, types.I64)
}

// lowerBlock lowers the instructions of one IR block.
func (fe *funcExporter) lowerBlock(src *vtil.BasicBlock, b *ir.Block) {
	for _, ins := range src.Instructions {
		if b.Term != nil {
			break
		}
		switch ins.Op {
		case vtil.OpPush:
			b.NewCall(fe.fnPush, fe.eval(b, ins.Operands[0]))
		case vtil.OpPop:
			fe.assign(b, ins.Operands[0].Register(), b.NewCall(fe.fnPop))
		case vtil.OpPushf:
			b.NewCall(fe.fnPush, b.NewLoad(types.I64, fe.slot(vtil.RegFlags)))
		case vtil.OpPopf:
			fe.assign(b, vtil.RegFlags, b.NewCall(fe.fnPop))
		case vtil.OpMov:
			fe.assign(b, ins.Operands[0].Register(), fe.eval(b, ins.Operands[1]))
		case vtil.OpAdd:
			fe.binop(b, ins, func(x, y value.Value) value.Value { return b.NewAdd(x, y) })
		case vtil.OpSub:
			fe.binop(b, ins, func(x, y value.Value) value.Value { return b.NewSub(x, y) })
		case vtil.OpMul, vtil.OpImul:
			fe.binop(b, ins, func(x, y value.Value) value.Value { return b.NewMul(x, y) })
		case vtil.OpMulhi:
			fe.binop(b, ins, func(x, y value.Value) value.Value { return fe.hi64(b, x, y, false) })
		case vtil.OpImulhi:
			fe.binop(b, ins, func(x, y value.Value) value.Value { return fe.hi64(b, x, y, true) })
		case vtil.OpDiv, vtil.OpIdiv, vtil.OpRem, vtil.OpIrem:
			dst := ins.Operands[0].Register()
			lo := b.NewLoad(types.I64, fe.slot(dst))
			hi := fe.eval(b, ins.Operands[1])
			by := fe.eval(b, ins.Operands[2])
			signed := ins.Op == vtil.OpIdiv || ins.Op == vtil.OpIrem
			rem := ins.Op == vtil.OpRem || ins.Op == vtil.OpIrem
			fe.assign(b, dst, fe.divmod(b, lo, hi, by, signed, rem))
		case vtil.OpBshl:
			fe.binop(b, ins, func(x, y value.Value) value.Value { return b.NewShl(x, y) })
		case vtil.OpBshr:
			fe.binop(b, ins, func(x, y value.Value) value.Value { return b.NewLShr(x, y) })
		case vtil.OpBor:
			fe.binop(b, ins, func(x, y value.Value) value.Value { return b.NewOr(x, y) })
		case vtil.OpBand:
			fe.binop(b, ins, func(x, y value.Value) value.Value { return b.NewAnd(x, y) })
		case vtil.OpBxor:
			fe.binop(b, ins, func(x, y value.Value) value.Value { return b.NewXor(x, y) })
		case vtil.OpBnot:
			dst := ins.Operands[0].Register()
			x := b.NewLoad(types.I64, fe.slot(dst))
			fe.assign(b, dst, b.NewXor(x, constant.NewInt(types.I64, -1)))
		case vtil.OpTe:
			fe.cmp(b, ins, enum.IPredEQ)
		case vtil.OpTne:
			fe.cmp(b, ins, enum.IPredNE)
		case vtil.OpTl:
			fe.cmp(b, ins, enum.IPredSLT)
		case vtil.OpTul:
			fe.cmp(b, ins, enum.IPredULT)
		case vtil.OpIfs:
			cond := fe.eval(b, ins.Operands[1])
			bit := b.NewICmp(enum.IPredNE, cond, constant.NewInt(types.I64, 0))
			v := fe.eval(b, ins.Operands[2])
			fe.assign(b, ins.Operands[0].Register(),
				b.NewSelect(bit, v, constant.NewInt(types.I64, 0)))
		case vtil.OpLdd:
			addr := b.NewAdd(fe.eval(b, vtil.Reg(ins.Operands[1].Register())),
				constant.NewInt(types.I64, int64(ins.Operands[2].Immediate())))
			fe.assign(b, ins.Operands[0].Register(), b.NewCall(fe.fnLoad, addr))
		case vtil.OpStr:
			addr := b.NewAdd(fe.eval(b, vtil.Reg(ins.Operands[0].Register())),
				constant.NewInt(types.I64, int64(ins.Operands[1].Immediate())))
			b.NewCall(fe.fnStore, addr, fe.eval(b, ins.Operands[2]))
		case vtil.OpVemit:
			b.NewCall(fe.fnEmit, constant.NewInt(types.I8, int64(ins.Operands[0].Immediate())))
		case vtil.OpVemits:
			b.NewCall(fe.fnEmits, fe.stringPtr(ins.Operands[0].TextValue()))
		case vtil.OpVpinr:
			b.NewCall(fe.fnPin, constant.NewInt(types.I64, int64(ins.Operands[0].Register().ID)),
				constant.NewInt(types.I8, 0))
		case vtil.OpVpinw:
			b.NewCall(fe.fnPin, constant.NewInt(types.I64, int64(ins.Operands[0].Register().ID)),
				constant.NewInt(types.I8, 1))
		case vtil.OpJmp:
			if ins.Operands[0].IsImm() {
				if target, ok := fe.blocks[ins.Operands[0].Immediate()]; ok {
					b.NewBr(target)
					break
				}
			}
			b.NewCall(fe.fnJmp, fe.eval(b, ins.Operands[0]))
			b.NewRet(nil)
		case vtil.OpVexit:
			b.NewCall(fe.fnExit, fe.eval(b, ins.Operands[0]))
			b.NewRet(nil)
		case vtil.OpVxcall:
			b.NewCall(fe.fnXcall, fe.eval(b, ins.Operands[0]))
		case vtil.OpNop, vtil.OpLabel:
		}
	}
}

// stringPtr interns a NUL-terminated global string and returns a pointer to
// its first character.
func (fe *funcExporter) stringPtr(s string) value.Value {
	g := fe.m.NewGlobalDef("", constant.NewCharArrayFromString(s+"\x00"))
	g.Immutable = true
	zero := constant.NewInt(types.I64, 0)
	return constant.NewGetElementPtr(g.ContentType, g, zero, zero)
}
