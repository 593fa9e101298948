// Package analysis provides a chainable pattern matcher over disassembled
// instruction streams. Matcher primitives advance a cursor one instruction at
// a time, run any installed side-channel observers, and either bind captured
// operands or keep consuming until the stream is exhausted. All virtual
// machine structure discovery is built on this package.
package analysis

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/arith"
	"github.com/0xnobody/vmpattack/disasm/x86"
)

// Cell binds a match capture to a caller variable, tagged with a direction.
// An in-tagged cell must equal the matched value for the match to succeed; an
// out-tagged cell is written with the matched value on success.
type Cell[T any] struct {
	p  *T
	in bool
}

// In returns an in-tagged cell: the matched value must equal *p.
func In[T any](p *T) Cell[T] {
	return Cell[T]{p: p, in: true}
}

// Out returns an out-tagged cell: *p receives the matched value.
func Out[T any](p *T) Cell[T] {
	return Cell[T]{p: p, in: false}
}

// set writes the matched value through the cell.
func (c Cell[T]) set(v T) {
	*c.p = v
}

// check reports whether the constraint holds for the matched value.
func (c Cell[T]) check(v T, eq func(a, b T) bool) bool {
	if !c.in {
		return true
	}
	return eq(*c.p, v)
}

// Context walks an instruction stream to provide analysis capabilities:
// template pattern matching, arithmetic expression recording, and register
// tracking. A failed chain is absorbing: once a match fails, every further
// chain call is a no-op returning the failed context.
type Context struct {
	// The current instruction stream. Non-owning.
	stream *x86.Stream

	// Sticky failure flag; set when a chain primitive exhausts the stream.
	failed bool

	// The arithmetic expression recorded from operations on exprReg, or nil
	// when no expression recording is active.
	expr *arith.Expression
	// The target register of expr.
	exprReg x86asm.Reg

	// Registers followed across MOV/XCHG reg, reg renames.
	tracked []*x86asm.Reg

	// Destination for recorded stack pushes, or nil.
	pushed *[]x86asm.Reg
	// Destination for recorded stack pops, or nil.
	popped *[]x86asm.Reg
}

// NewContext returns an analysis context over the given stream. The stream
// must stay valid for the lifetime of the context.
func NewContext(stream *x86.Stream) *Context {
	return &Context{stream: stream}
}

// OK reports whether the chain is still alive.
func (c *Context) OK() bool {
	return !c.failed
}

// Stream returns the underlying stream.
func (c *Context) Stream() *x86.Stream {
	return c.stream
}

// process runs the universal side-channel updates for a consumed
// instruction: expression recording, register rename tracking, and push/pop
// recording. Observers fire on every instruction consumed under their scope,
// including instructions the matchers reject.
func (c *Context) process(ins *x86.Instruction) {
	if c.expr != nil {
		if desc := arith.DescFromInstruction(ins); desc != nil {
			// Only operations that write to the target register's base join
			// the expression.
			_, writes := x86.RegsAccessed(ins)
			for _, w := range writes {
				if x86.RegBaseEqual(w, c.exprReg) {
					if op, ok := arith.OperationFromDesc(desc, ins); ok {
						c.expr.Append(op)
					}
					break
				}
			}
		}
	}

	if len(c.tracked) > 0 && (ins.Op == x86asm.MOV || ins.Op == x86asm.XCHG) {
		op0, op1 := ins.Operand(0), ins.Operand(1)
		if op0.Type == x86.OpReg && op1.Type == x86.OpReg {
			for _, reg := range c.tracked {
				switch ins.Op {
				case x86asm.MOV:
					if op1.Reg == *reg {
						*reg = op0.Reg
					}
				case x86asm.XCHG:
					if op0.Reg == *reg {
						*reg = op1.Reg
					} else if op1.Reg == *reg {
						*reg = op0.Reg
					}
				}
			}
		}
	}

	if c.pushed != nil {
		switch {
		case ins.Op == x86asm.PUSH && ins.OperandType(0) == x86.OpReg:
			*c.pushed = append(*c.pushed, ins.Operand(0).Reg)
		case ins.Op == x86asm.PUSHF || ins.Op == x86asm.PUSHFD || ins.Op == x86asm.PUSHFQ:
			*c.pushed = append(*c.pushed, x86.RegFlags)
		}
	}

	if c.popped != nil {
		switch {
		case ins.Op == x86asm.POP && ins.OperandType(0) == x86.OpReg:
			*c.popped = append(*c.popped, ins.Operand(0).Reg)
		case ins.Op == x86asm.POPF || ins.Op == x86asm.POPFD || ins.Op == x86asm.POPFQ:
			*c.popped = append(*c.popped, x86.RegFlags)
		}
	}
}

// Match consumes instructions until test accepts one, optionally filtering on
// operand count and per-operand types first. A zero type in types is a
// wildcard. On stream exhaustion the chain fails.
func (c *Context) Match(test func(ins *x86.Instruction) bool, operands int, types ...x86.OperandType) *Context {
	if c.failed {
		return c
	}
	for {
		ins := c.stream.Next()
		if ins == nil {
			break
		}
		// Observers run before any filtering.
		c.process(ins)

		if operands > 0 {
			if ins.OperandCount() != operands {
				continue
			}
			mismatch := false
			for i, want := range types {
				if want != x86.OpInvalid && ins.OperandType(i) != want {
					mismatch = true
					break
				}
			}
			if mismatch {
				continue
			}
		}
		if test(ins) {
			return c
		}
	}
	c.failed = true
	return c
}

// ### [ Observer scopes ] #####################################################

// TrackRegisters follows the given register variables across simple
// MOV/XCHG reg, reg renames for the duration of fn. The observer detaches on
// exit, even on failure.
func (c *Context) TrackRegisters(regs []*x86asm.Reg, fn func() *Context) *Context {
	if c.failed {
		return c
	}
	c.tracked = regs
	result := fn()
	c.tracked = nil
	return result
}

// RecordExpression records every arithmetic operation applied to the given
// register into expr for the duration of fn.
func (c *Context) RecordExpression(target x86asm.Reg, expr *arith.Expression, fn func() *Context) *Context {
	if c.failed {
		return c
	}
	c.exprReg = target
	c.expr = expr
	result := fn()
	c.exprReg = 0
	c.expr = nil
	return result
}

// TrackPushes appends the register of every stack push consumed during fn to
// dst, recording RegFlags for PUSHF/PUSHFD/PUSHFQ.
func (c *Context) TrackPushes(dst *[]x86asm.Reg, fn func() *Context) *Context {
	if c.failed {
		return c
	}
	c.pushed = dst
	result := fn()
	c.pushed = nil
	return result
}

// TrackPops appends the register of every stack pop consumed during fn to
// dst, recording RegFlags for POPF/POPFD/POPFQ.
func (c *Context) TrackPops(dst *[]x86asm.Reg, fn func() *Context) *Context {
	if c.failed {
		return c
	}
	c.popped = dst
	result := fn()
	c.popped = nil
	return result
}

// Align rounds *val up to the given modulus. It consumes no instructions.
func (c *Context) Align(val *int, mod int) *Context {
	if c.failed {
		return c
	}
	if rem := *val % mod; rem != 0 {
		*val += mod - rem
	}
	return c
}
