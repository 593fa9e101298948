package vm

import (
	"encoding/binary"
)

// Context is the dynamic execution cursor of the virtual machine at a single
// moment: an owned state, the rolling key, and the absolute VIP. Contexts are
// created per block-lifting task and discarded on return.
type Context struct {
	// The current state. Owned.
	State *State
	// The current value of the rolling key.
	RollingKey uint64
	// The current absolute value of the virtual instruction pointer, indexing
	// into the mapped image buffer.
	VIP uint64

	// The mapped image buffer the VIP stream reads from.
	image []byte
}

// NewContext returns a context over the given mapped image buffer. The
// context takes ownership of state.
func NewContext(state *State, rollingKey, vip uint64, image []byte) *Context {
	return &Context{State: state, RollingKey: rollingKey, VIP: vip, image: image}
}

// Clone returns a context sharing the image buffer with a copied state.
func (ctx *Context) Clone() *Context {
	return NewContext(ctx.State.Clone(), ctx.RollingKey, ctx.VIP, ctx.image)
}

// Fetch reads size bytes from the VIP stream, pre-decrementing the VIP when
// the direction is up and post-incrementing it when the direction is down.
func (ctx *Context) Fetch(size int) uint64 {
	// When walking upwards the cursor sits one past the value to read.
	if ctx.State.Direction == DirectionUp {
		ctx.VIP -= uint64(size)
	}
	var raw [8]byte
	if ctx.VIP < uint64(len(ctx.image)) {
		copy(raw[:], ctx.image[ctx.VIP:min(ctx.VIP+8, uint64(len(ctx.image)))])
	}
	value := binary.LittleEndian.Uint64(raw[:])
	if size < 8 {
		value &= uint64(1)<<(uint(size)*8) - 1
	}
	if ctx.State.Direction == DirectionDown {
		ctx.VIP += uint64(size)
	}
	return value
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
