package vtil

// Optimize runs the light normalization passes over the routine in place and
// returns the number of instructions removed. Full optimizing rewrites are
// left to downstream consumers; these passes only prune noise the lifter
// emits mechanically.
func Optimize(rtn *Routine) int {
	removed := 0
	removed += pruneNops(rtn)
	threadJumps(rtn)
	return removed
}

// pruneNops drops nop and label instructions.
func pruneNops(rtn *Routine) int {
	removed := 0
	for _, block := range rtn.Blocks {
		kept := block.Instructions[:0]
		for _, ins := range block.Instructions {
			if ins.Op == OpNop || ins.Op == OpLabel {
				removed++
				continue
			}
			kept = append(kept, ins)
		}
		block.Instructions = kept
	}
	return removed
}

// threadJumps rewrites jumps targeting blocks that consist of a single
// unconditional jump, pointing them at the final destination instead.
func threadJumps(rtn *Routine) int {
	changed := 0
	for _, block := range rtn.Blocks {
		n := len(block.Instructions)
		if n == 0 {
			continue
		}
		last := block.Instructions[n-1]
		if last.Op != OpJmp || !last.Operands[0].IsImm() {
			continue
		}
		// Follow trivial forwarding blocks, bounded to avoid cycles.
		for hops := 0; hops < 8; hops++ {
			target, ok := rtn.Blocks[last.Operands[0].Immediate()]
			if !ok || len(target.Instructions) != 1 {
				break
			}
			fwd := target.Instructions[0]
			if fwd.Op != OpJmp || !fwd.Operands[0].IsImm() {
				break
			}
			last.Operands[0] = fwd.Operands[0]
			changed++
		}
	}
	return changed
}
