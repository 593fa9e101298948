package vtil

import (
	"fmt"
)

// ExprKind classifies a symbolic expression node.
type ExprKind uint8

// Expression kinds.
const (
	// A known constant.
	ExprConst ExprKind = iota
	// An unresolved variable, originating from a register at some point.
	ExprVar
	// A binary operation.
	ExprBin
	// A unary operation.
	ExprUn
	// A conditional select: Cond != 0 ? X : Y.
	ExprSelect
)

// Expression is an immutable symbolic expression produced by the tracer.
type Expression struct {
	// Node kind.
	Kind ExprKind
	// Width in bits.
	Bits int
	// Constant value, valid for ExprConst.
	Val uint64
	// Origin register, valid for ExprVar.
	Reg RegisterDesc
	// Variable identity, valid for ExprVar.
	varID uint64
	// Operation, valid for ExprBin/ExprUn.
	Op Op
	// Operands.
	X, Y, Cond *Expression
}

// Const returns a constant expression.
func Const(v uint64, bits int) *Expression {
	return &Expression{Kind: ExprConst, Bits: bits, Val: maskBits(v, bits)}
}

// IsConstant reports whether the expression is a known constant.
func (e *Expression) IsConstant() bool {
	return e != nil && e.Kind == ExprConst
}

// Uint64 returns the constant value of the expression.
func (e *Expression) Uint64() uint64 {
	return e.Val
}

// Transform rebuilds the expression bottom-up, applying fn to every node.
// fn may return its argument unchanged.
func (e *Expression) Transform(fn func(*Expression) *Expression) *Expression {
	if e == nil {
		return nil
	}
	next := *e
	next.X = e.X.Transform(fn)
	next.Y = e.Y.Transform(fn)
	next.Cond = e.Cond.Transform(fn)
	return fn(&next)
}

// Simplify folds constant subtrees and trivial identities.
func (e *Expression) Simplify() *Expression {
	return e.Transform(simplifyNode)
}

// String returns the display form of the expression.
func (e *Expression) String() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case ExprConst:
		return fmt.Sprintf("0x%x", e.Val)
	case ExprVar:
		return fmt.Sprintf("%v#%d", e.Reg, e.varID)
	case ExprBin:
		return fmt.Sprintf("(%v %s %v)", e.X, e.Op, e.Y)
	case ExprUn:
		return fmt.Sprintf("(%s %v)", e.Op, e.X)
	case ExprSelect:
		return fmt.Sprintf("(%v ? %v : %v)", e.Cond, e.X, e.Y)
	}
	return "?"
}

// simplifyNode folds a single node whose children are already simplified.
func simplifyNode(e *Expression) *Expression {
	switch e.Kind {
	case ExprUn:
		if e.X.IsConstant() && e.Op == OpBnot {
			return Const(^e.X.Val, e.Bits)
		}
	case ExprSelect:
		if e.Cond.IsConstant() {
			if e.Cond.Val != 0 {
				return e.X
			}
			return e.Y
		}
	case ExprBin:
		x, y := e.X, e.Y
		if x.IsConstant() && y.IsConstant() {
			if v, ok := foldBin(e.Op, x.Val, y.Val, e.Bits); ok {
				return Const(v, e.Bits)
			}
		}
		// Additive and bitwise identities with zero.
		if y.IsConstant() && y.Val == 0 {
			switch e.Op {
			case OpAdd, OpSub, OpBxor, OpBor, OpBshl, OpBshr:
				return x
			}
		}
		if x.IsConstant() && x.Val == 0 {
			switch e.Op {
			case OpAdd, OpBxor, OpBor:
				return y
			}
		}
	}
	return e
}

// foldBin evaluates a binary operation over constants.
func foldBin(op Op, x, y uint64, bits int) (uint64, bool) {
	shift := y & 63
	switch op {
	case OpAdd:
		return x + y, true
	case OpSub:
		return x - y, true
	case OpMul:
		return x * y, true
	case OpBxor:
		return x ^ y, true
	case OpBor:
		return x | y, true
	case OpBand:
		return x & y, true
	case OpBshl:
		return x << shift, true
	case OpBshr:
		return x >> shift, true
	case OpTe:
		return boolVal(x == y), true
	case OpTne:
		return boolVal(x != y), true
	case OpTl:
		return boolVal(int64(signExtend(x, bits)) < int64(signExtend(y, bits))), true
	case OpTul:
		return boolVal(x < y), true
	}
	return 0, false
}

func boolVal(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func maskBits(v uint64, bits int) uint64 {
	if bits <= 0 || bits >= 64 {
		return v
	}
	return v & (uint64(1)<<uint(bits) - 1)
}

func signExtend(v uint64, bits int) uint64 {
	if bits <= 0 || bits >= 64 {
		return v
	}
	shift := uint(64 - bits)
	return uint64(int64(v<<shift) >> shift)
}

// Point identifies a position in a basic block; Index is the number of
// instructions executed, len(Instructions) meaning the block end.
type Point struct {
	Block *BasicBlock
	Index int
}

// End returns the point after the last instruction of the block.
func End(block *BasicBlock) Point {
	return Point{Block: block, Index: len(block.Instructions)}
}

// Tracer resolves register values at points of a routine by forward symbolic
// execution, following single-predecessor edges across blocks. Exit states
// are cached; Flush discards the cache after the instruction stream has been
// modified.
type Tracer struct {
	exits     map[*BasicBlock]*traceState
	inFlight  map[*BasicBlock]bool
	nextVarID uint64
}

// NewTracer returns an empty tracer.
func NewTracer() *Tracer {
	return &Tracer{
		exits:    make(map[*BasicBlock]*traceState),
		inFlight: make(map[*BasicBlock]bool),
	}
}

// Flush discards all cached block states.
func (t *Tracer) Flush() {
	t.exits = make(map[*BasicBlock]*traceState)
}

// Rtrace resolves the value of the given register at the given point.
func (t *Tracer) Rtrace(p Point, r RegisterDesc) *Expression {
	state := t.run(p.Block, p.Index)
	return state.readReg(r).Simplify()
}

// regKey identifies a register in a trace state.
type regKey struct {
	kind RegKind
	id   uint64
	off  int
}

func keyOf(r RegisterDesc) regKey {
	return regKey{kind: r.Kind, id: r.ID, off: r.BitOffset}
}

// traceState is the symbolic machine state at a point of one block: register
// values, stack slots keyed by offset from the block-entry stack pointer, and
// the running stack-pointer delta.
type traceState struct {
	tracer *Tracer
	block  *BasicBlock
	regs   map[regKey]*Expression
	stack  map[int64]*Expression
	sp     int64
}

// run simulates the block's first n instructions and returns the resulting
// state. Block exit states (n == len) are memoized.
func (t *Tracer) run(block *BasicBlock, n int) *traceState {
	full := n == len(block.Instructions)
	if full {
		if state, ok := t.exits[block]; ok {
			return state
		}
	}
	state := &traceState{
		tracer: t,
		block:  block,
		regs:   make(map[regKey]*Expression),
		stack:  make(map[int64]*Expression),
	}
	for i := 0; i < n && i < len(block.Instructions); i++ {
		state.step(block.Instructions[i])
	}
	if full {
		t.exits[block] = state
	}
	return state
}

// freshVar returns a new opaque variable originating from the given
// register.
func (t *Tracer) freshVar(r RegisterDesc) *Expression {
	t.nextVarID++
	bits := r.BitCount
	if bits == 0 {
		bits = 64
	}
	return &Expression{Kind: ExprVar, Bits: bits, Reg: r, varID: t.nextVarID}
}

// readReg resolves a register, falling back to the single predecessor's exit
// state, and to an opaque variable when no unique predecessor exists.
func (s *traceState) readReg(r RegisterDesc) *Expression {
	if e, ok := s.regs[keyOf(r)]; ok {
		return e
	}
	if pred := s.pred(); pred != nil {
		s.tracer.inFlight[s.block] = true
		e := s.tracer.run(pred, len(pred.Instructions)).readReg(r)
		delete(s.tracer.inFlight, s.block)
		return e
	}
	return s.tracer.freshVar(r)
}

// readStack resolves a stack slot, rebasing reads above the block entry into
// the predecessor's frame.
func (s *traceState) readStack(off int64) *Expression {
	if e, ok := s.stack[off]; ok {
		return e
	}
	if pred := s.pred(); pred != nil {
		s.tracer.inFlight[s.block] = true
		predExit := s.tracer.run(pred, len(pred.Instructions))
		e := predExit.readStack(predExit.sp + off)
		delete(s.tracer.inFlight, s.block)
		return e
	}
	return s.tracer.freshVar(RegisterDesc{Kind: RegTemporary, BitCount: 64})
}

// pred returns the block's only predecessor, or nil when none is uniquely
// resolvable or following it would cycle.
func (s *traceState) pred() *BasicBlock {
	if len(s.block.Prev) != 1 {
		return nil
	}
	pred := s.block.Prev[0]
	if s.tracer.inFlight[pred] || s.tracer.inFlight[s.block] {
		return nil
	}
	return pred
}

// eval resolves an operand to an expression.
func (s *traceState) eval(op Operand) *Expression {
	if op.IsImm() {
		return Const(op.Immediate(), op.Bits())
	}
	return s.readReg(op.Register())
}

// write assigns an expression to a register.
func (s *traceState) write(r RegisterDesc, e *Expression) {
	s.regs[keyOf(r)] = e
}

// bin builds a binary node over the current value of dst.
func (s *traceState) bin(op Op, dst RegisterDesc, src Operand) {
	s.write(dst, &Expression{
		Kind: ExprBin,
		Bits: dst.BitCount,
		Op:   op,
		X:    s.readReg(dst),
		Y:    s.eval(src),
	})
}

// step applies one IR instruction to the state.
func (s *traceState) step(ins *Instruction) {
	switch ins.Op {
	case OpPush:
		delta := -ins.StackDelta()
		s.sp -= delta
		s.stack[s.sp] = s.eval(ins.Operands[0])
	case OpPop:
		delta := ins.StackDelta()
		s.write(ins.Operands[0].Register(), s.readStack(s.sp))
		s.sp += delta
	case OpPushf:
		s.sp -= 8
		s.stack[s.sp] = s.readReg(RegFlags)
	case OpPopf:
		s.write(RegFlags, s.readStack(s.sp))
		s.sp += 8
	case OpMov:
		s.write(ins.Operands[0].Register(), s.eval(ins.Operands[1]))
	case OpAdd, OpSub, OpMul, OpMulhi, OpImul, OpImulhi,
		OpBshl, OpBshr, OpBor, OpBand, OpBxor:
		s.bin(ins.Op, ins.Operands[0].Register(), ins.Operands[1])
	case OpBnot:
		dst := ins.Operands[0].Register()
		s.write(dst, &Expression{Kind: ExprUn, Bits: dst.BitCount, Op: OpBnot, X: s.readReg(dst)})
	case OpDiv, OpRem, OpIdiv, OpIrem, OpLdd:
		// Memory loads and wide divisions stay opaque.
		s.write(ins.Operands[0].Register(), s.tracer.freshVar(ins.Operands[0].Register()))
	case OpVpinw:
		// A pin-write marks the register as externally clobbered; any prior
		// value is gone.
		s.write(ins.Operands[0].Register(), s.tracer.freshVar(ins.Operands[0].Register()))
	case OpTe, OpTne, OpTl, OpTul:
		dst := ins.Operands[0].Register()
		s.write(dst, &Expression{
			Kind: ExprBin,
			Bits: 1,
			Op:   ins.Op,
			X:    s.eval(ins.Operands[1]),
			Y:    s.eval(ins.Operands[2]),
		})
	case OpIfs:
		dst := ins.Operands[0].Register()
		s.write(dst, &Expression{
			Kind: ExprSelect,
			Bits: dst.BitCount,
			Cond: s.eval(ins.Operands[1]),
			X:    s.eval(ins.Operands[2]),
			Y:    Const(0, dst.BitCount),
		})
	}
}
