package vtil

// BranchInfo holds the resolved destination expressions of a block's
// terminating branch.
type BranchInfo struct {
	// Destination expressions; constants filter at the caller.
	Destinations []*Expression
}

// Maximum select-nesting depth explored when splitting conditional
// destinations.
const maxSelectDepth = 8

// AnalyzeBranch resolves the possible destinations of the block's final
// branch via the tracer. Conditional destinations encoded as selects
// contribute both arms.
func AnalyzeBranch(block *BasicBlock, t *Tracer) BranchInfo {
	n := len(block.Instructions)
	if n == 0 {
		return BranchInfo{}
	}
	last := block.Instructions[n-1]
	switch last.Op {
	case OpJmp, OpVexit, OpVxcall:
	default:
		return BranchInfo{}
	}
	dst := last.Operands[0]
	var expr *Expression
	if dst.IsImm() {
		expr = Const(dst.Immediate(), dst.Bits())
	} else {
		expr = t.Rtrace(End(block), dst.Register())
	}
	var info BranchInfo
	splitSelects(expr, maxSelectDepth, &info.Destinations)
	return info
}

// splitSelects collects the leaves of nested select expressions.
func splitSelects(e *Expression, depth int, dst *[]*Expression) {
	if e.Kind == ExprSelect && depth > 0 {
		splitSelects(e.X, depth-1, dst)
		splitSelects(e.Y, depth-1, dst)
		return
	}
	*dst = append(*dst, e.Simplify())
}
