package vtil

// BasicBlock is a single basic block of an IR routine, identified by the
// logical VIP it was lifted from. Builder methods append one instruction and
// return the block, so emission chains.
type BasicBlock struct {
	// The owning routine.
	Owner *Routine
	// The logical VIP the block was lifted from.
	EntryVIP uint64
	// Emitted instructions in order.
	Instructions []*Instruction
	// Successor blocks.
	Next []*BasicBlock
	// Predecessor blocks.
	Prev []*BasicBlock
}

// append appends an instruction to the block.
func (b *BasicBlock) append(op Op, operands ...Operand) *BasicBlock {
	b.Instructions = append(b.Instructions, &Instruction{Op: op, Operands: operands})
	return b
}

// IsComplete reports whether the block ends in a branching instruction.
func (b *BasicBlock) IsComplete() bool {
	n := len(b.Instructions)
	return n > 0 && b.Instructions[n-1].IsBranching()
}

// Tmp allocates a routine-unique temporary register of the given width in
// bits.
func (b *BasicBlock) Tmp(bits int) RegisterDesc {
	return b.Owner.newTmp(bits)
}

// Tmp2 allocates two temporaries.
func (b *BasicBlock) Tmp2(bits0, bits1 int) (RegisterDesc, RegisterDesc) {
	return b.Tmp(bits0), b.Tmp(bits1)
}

// Tmp3 allocates three temporaries.
func (b *BasicBlock) Tmp3(bits0, bits1, bits2 int) (RegisterDesc, RegisterDesc, RegisterDesc) {
	return b.Tmp(bits0), b.Tmp(bits1), b.Tmp(bits2)
}

// Tmp4 allocates four temporaries.
func (b *BasicBlock) Tmp4(bits0, bits1, bits2, bits3 int) (RegisterDesc, RegisterDesc, RegisterDesc, RegisterDesc) {
	return b.Tmp(bits0), b.Tmp(bits1), b.Tmp(bits2), b.Tmp(bits3)
}

// Fork returns the block at the given VIP, creating it if absent, and links
// it as a successor of b.
func (b *BasicBlock) Fork(vip uint64) *BasicBlock {
	next := b.Owner.blockAt(vip)
	b.Next = append(b.Next, next)
	next.Prev = append(next.Prev, b)
	return next
}

// ### [ Builder methods ] #####################################################

// Push pushes the operand onto the virtual stack.
func (b *BasicBlock) Push(v Operand) *BasicBlock {
	return b.append(OpPush, v)
}

// Pop pops the top of the virtual stack into dst.
func (b *BasicBlock) Pop(dst RegisterDesc) *BasicBlock {
	return b.append(OpPop, Reg(dst))
}

// Mov assigns src to dst.
func (b *BasicBlock) Mov(dst RegisterDesc, src Operand) *BasicBlock {
	return b.append(OpMov, Reg(dst), src)
}

// Add computes dst += src.
func (b *BasicBlock) Add(dst RegisterDesc, src Operand) *BasicBlock {
	return b.append(OpAdd, Reg(dst), src)
}

// Sub computes dst -= src.
func (b *BasicBlock) Sub(dst RegisterDesc, src Operand) *BasicBlock {
	return b.append(OpSub, Reg(dst), src)
}

// Mul computes the low half of the unsigned product dst *= src.
func (b *BasicBlock) Mul(dst RegisterDesc, src Operand) *BasicBlock {
	return b.append(OpMul, Reg(dst), src)
}

// Mulhi computes the high half of the unsigned product.
func (b *BasicBlock) Mulhi(dst RegisterDesc, src Operand) *BasicBlock {
	return b.append(OpMulhi, Reg(dst), src)
}

// Imul computes the low half of the signed product.
func (b *BasicBlock) Imul(dst RegisterDesc, src Operand) *BasicBlock {
	return b.append(OpImul, Reg(dst), src)
}

// Imulhi computes the high half of the signed product.
func (b *BasicBlock) Imulhi(dst RegisterDesc, src Operand) *BasicBlock {
	return b.append(OpImulhi, Reg(dst), src)
}

// Div computes the unsigned quotient of hi:dst by src.
func (b *BasicBlock) Div(dst RegisterDesc, hi, src Operand) *BasicBlock {
	return b.append(OpDiv, Reg(dst), hi, src)
}

// Rem computes the unsigned remainder of hi:dst by src.
func (b *BasicBlock) Rem(dst RegisterDesc, hi, src Operand) *BasicBlock {
	return b.append(OpRem, Reg(dst), hi, src)
}

// Idiv computes the signed quotient of hi:dst by src.
func (b *BasicBlock) Idiv(dst RegisterDesc, hi, src Operand) *BasicBlock {
	return b.append(OpIdiv, Reg(dst), hi, src)
}

// Irem computes the signed remainder of hi:dst by src.
func (b *BasicBlock) Irem(dst RegisterDesc, hi, src Operand) *BasicBlock {
	return b.append(OpIrem, Reg(dst), hi, src)
}

// Bshl computes dst <<= src.
func (b *BasicBlock) Bshl(dst RegisterDesc, src Operand) *BasicBlock {
	return b.append(OpBshl, Reg(dst), src)
}

// Bshr computes dst >>= src.
func (b *BasicBlock) Bshr(dst RegisterDesc, src Operand) *BasicBlock {
	return b.append(OpBshr, Reg(dst), src)
}

// Bor computes dst |= src.
func (b *BasicBlock) Bor(dst RegisterDesc, src Operand) *BasicBlock {
	return b.append(OpBor, Reg(dst), src)
}

// Band computes dst &= src.
func (b *BasicBlock) Band(dst RegisterDesc, src Operand) *BasicBlock {
	return b.append(OpBand, Reg(dst), src)
}

// Bxor computes dst ^= src.
func (b *BasicBlock) Bxor(dst RegisterDesc, src Operand) *BasicBlock {
	return b.append(OpBxor, Reg(dst), src)
}

// Bnot computes dst = ^dst.
func (b *BasicBlock) Bnot(dst RegisterDesc) *BasicBlock {
	return b.append(OpBnot, Reg(dst))
}

// Str stores src to memory at [base+offset].
func (b *BasicBlock) Str(base RegisterDesc, offset int64, src Operand) *BasicBlock {
	return b.append(OpStr, Reg(base), Imm(uint64(offset), 64), src)
}

// Ldd loads dst from memory at [base+offset].
func (b *BasicBlock) Ldd(dst, base RegisterDesc, offset int64) *BasicBlock {
	return b.append(OpLdd, Reg(dst), Reg(base), Imm(uint64(offset), 64))
}

// Jmp branches to the destination VIP.
func (b *BasicBlock) Jmp(dst Operand) *BasicBlock {
	return b.append(OpJmp, dst)
}

// Vxcall emits a call into non-virtualized code at dst.
func (b *BasicBlock) Vxcall(dst Operand) *BasicBlock {
	return b.append(OpVxcall, dst)
}

// Vexit leaves virtualized execution, branching to dst.
func (b *BasicBlock) Vexit(dst Operand) *BasicBlock {
	return b.append(OpVexit, dst)
}

// Vemit passes a single opaque byte through to the output stream.
func (b *BasicBlock) Vemit(byt byte) *BasicBlock {
	return b.append(OpVemit, Imm(uint64(byt), 8))
}

// Vemits passes an opaque assembly string through to the output stream.
func (b *BasicBlock) Vemits(assembly string) *BasicBlock {
	return b.append(OpVemits, Text(assembly))
}

// Vpinr pins a physical register as read by surrounding opaque bytes.
func (b *BasicBlock) Vpinr(r RegisterDesc) *BasicBlock {
	return b.append(OpVpinr, Reg(r))
}

// Vpinw pins a physical register as written by surrounding opaque bytes.
func (b *BasicBlock) Vpinw(r RegisterDesc) *BasicBlock {
	return b.append(OpVpinw, Reg(r))
}

// Nop emits a no-op.
func (b *BasicBlock) Nop() *BasicBlock {
	return b.append(OpNop)
}

// Popf pops the flags register.
func (b *BasicBlock) Popf() *BasicBlock {
	return b.append(OpPopf)
}

// Pushf pushes the flags register.
func (b *BasicBlock) Pushf() *BasicBlock {
	return b.append(OpPushf)
}

// Te sets dst to a == b.
func (b *BasicBlock) Te(dst RegisterDesc, a, cmp Operand) *BasicBlock {
	return b.append(OpTe, Reg(dst), a, cmp)
}

// Tne sets dst to a != b.
func (b *BasicBlock) Tne(dst RegisterDesc, a, cmp Operand) *BasicBlock {
	return b.append(OpTne, Reg(dst), a, cmp)
}

// Tl sets dst to a < b, signed.
func (b *BasicBlock) Tl(dst RegisterDesc, a, cmp Operand) *BasicBlock {
	return b.append(OpTl, Reg(dst), a, cmp)
}

// Tul sets dst to a < b, unsigned.
func (b *BasicBlock) Tul(dst RegisterDesc, a, cmp Operand) *BasicBlock {
	return b.append(OpTul, Reg(dst), a, cmp)
}

// Ifs sets dst to v when cond holds and to zero otherwise.
func (b *BasicBlock) Ifs(dst RegisterDesc, cond, v Operand) *BasicBlock {
	return b.append(OpIfs, Reg(dst), cond, v)
}

// Label attaches a free-form annotation to the instruction stream.
func (b *BasicBlock) Label(text string) *BasicBlock {
	return b.append(OpLabel, Text(text))
}
