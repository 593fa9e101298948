package analysis

import (
	"golang.org/x/arch/x86/x86asm"
)

// The helpers below let packages layering custom matchers on top of Match
// apply the same cell semantics as the built-in primitives.

// RegConstraintOK reports whether the given register satisfies the cell's
// constraint, comparing by base unless strict comparison is requested.
func RegConstraintOK(cell Cell[x86asm.Reg], r x86asm.Reg, bases bool) bool {
	return regOK(cell, r, bases)
}

// ConstraintOK reports whether the given value satisfies the cell's
// constraint.
func ConstraintOK[T comparable](cell Cell[T], v T) bool {
	return cell.check(v, eq[T])
}

// SetCell writes the matched value through the cell.
func SetCell[T any](cell Cell[T], v T) {
	cell.set(v)
}
