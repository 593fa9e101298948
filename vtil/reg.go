// Package vtil implements the target intermediate representation of the
// devirtualizer: routines of basic blocks holding stack-machine pseudo-ops,
// a builder API for emitting them, a symbolic tracer for resolving branch
// destinations, and a textual serializer.
package vtil

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/disasm/x86"
)

// RegKind classifies a register descriptor.
type RegKind uint8

// Register kinds.
const (
	// A physical architectural register.
	RegPhysical RegKind = iota
	// A virtual register of the VM's register file.
	RegVirtual
	// A temporary local to a routine.
	RegTemporary
	// The flags register, or a single flag bit of it.
	RegFlagsKind
	// The virtual stack pointer.
	RegStackPtr
	// The symbolic image base.
	RegImageBase
)

// RegisterDesc identifies a register of the IR: physical, virtual,
// temporary, flags, stack pointer, or the symbolic image base. A descriptor
// may view a sub-range of its underlying register via BitCount/BitOffset.
type RegisterDesc struct {
	// The register kind.
	Kind RegKind
	// Identifier; the x86asm register number for physical registers, the
	// slot index for virtual registers, the allocation index for
	// temporaries.
	ID uint64
	// Width of the view in bits.
	BitCount int
	// Offset of the view in bits.
	BitOffset int
}

// Distinguished registers.
var (
	// The virtual stack pointer.
	RegSP = RegisterDesc{Kind: RegStackPtr, BitCount: 64}
	// The full flags register.
	RegFlags = RegisterDesc{Kind: RegFlagsKind, BitCount: 64}
	// The symbolic image base register.
	RegImgBase = RegisterDesc{Kind: RegImageBase, BitCount: 64}
)

// Individual flag bits of the flags register.
var (
	FlagCF = RegisterDesc{Kind: RegFlagsKind, BitCount: 1, BitOffset: 0}
	FlagPF = RegisterDesc{Kind: RegFlagsKind, BitCount: 1, BitOffset: 2}
	FlagAF = RegisterDesc{Kind: RegFlagsKind, BitCount: 1, BitOffset: 4}
	FlagZF = RegisterDesc{Kind: RegFlagsKind, BitCount: 1, BitOffset: 6}
	FlagSF = RegisterDesc{Kind: RegFlagsKind, BitCount: 1, BitOffset: 7}
	FlagIF = RegisterDesc{Kind: RegFlagsKind, BitCount: 1, BitOffset: 9}
	FlagDF = RegisterDesc{Kind: RegFlagsKind, BitCount: 1, BitOffset: 10}
	FlagOF = RegisterDesc{Kind: RegFlagsKind, BitCount: 1, BitOffset: 11}
)

// PhysReg returns the descriptor of a physical register, viewed at the
// register's own width.
func PhysReg(r x86asm.Reg) RegisterDesc {
	return RegisterDesc{
		Kind:     RegPhysical,
		ID:       uint64(x86.RegBase(r)),
		BitCount: x86.RegBits(r),
	}
}

// VirtualReg returns the descriptor of the virtual-register-file slot
// addressed by the given context offset, at the given width in bits.
func VirtualReg(offset uint64, bits int) RegisterDesc {
	return RegisterDesc{
		Kind:      RegVirtual,
		ID:        offset / 8,
		BitCount:  bits,
		BitOffset: int(offset%8) * 8,
	}
}

// String returns the display name of the register.
func (r RegisterDesc) String() string {
	switch r.Kind {
	case RegPhysical:
		return x86.RegName(x86asm.Reg(r.ID))
	case RegVirtual:
		if r.BitOffset != 0 {
			return fmt.Sprintf("vr%d@%d", r.ID, r.BitOffset)
		}
		return fmt.Sprintf("vr%d", r.ID)
	case RegTemporary:
		return fmt.Sprintf("t%d", r.ID)
	case RegFlagsKind:
		if r.BitCount == 1 {
			switch r.BitOffset {
			case 0:
				return "$cf"
			case 2:
				return "$pf"
			case 4:
				return "$af"
			case 6:
				return "$zf"
			case 7:
				return "$sf"
			case 9:
				return "$if"
			case 10:
				return "$df"
			case 11:
				return "$of"
			}
		}
		return "$flags"
	case RegStackPtr:
		return "$sp"
	case RegImageBase:
		return "base"
	}
	return "?"
}
