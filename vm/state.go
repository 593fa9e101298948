// Package vm reconstructs the virtual machine of the obfuscator: its
// calling convention, instruction-set catalog, handlers, bridges, and
// per-VMENTRY instances.
package vm

import (
	"golang.org/x/arch/x86/x86asm"
)

// Direction specifies which way the Fetch-Decode-Execute loop walks the VIP
// stream.
type Direction uint8

const (
	// The VIP is decremented before each read (via SUB).
	DirectionUp Direction = iota
	// The VIP is incremented after each read (via ADD).
	DirectionDown
)

// String returns the display name of the direction.
func (d Direction) String() string {
	if d == DirectionUp {
		return "up"
	}
	return "down"
}

// State is the active virtualization scheme at a program point: the register
// assignment, the VIP direction, and the handler-dispatch base.
type State struct {
	// The virtual stack register.
	StackReg x86asm.Reg
	// The virtual instruction pointer register.
	VIPReg x86asm.Reg
	// The virtual register-file base register.
	ContextReg x86asm.Reg
	// The rolling decryption key register.
	RollingKeyReg x86asm.Reg
	// The register holding the absolute address handlers are offset from.
	FlowReg x86asm.Reg
	// The current fetch direction.
	Direction Direction
	// The absolute address of the dispatch base, by which handler offsets
	// are computed.
	Flow uint64
}

// Clone returns a copy of the state.
func (s *State) Clone() *State {
	next := *s
	return &next
}
