package vtil

import (
	"bytes"
	"fmt"
	"sort"
)

// Routine is a single lifted IR routine: a set of basic blocks keyed by
// their logical entry VIP.
type Routine struct {
	// The entry basic block.
	Entry *BasicBlock
	// Map from logical VIP to basic block.
	Blocks map[uint64]*BasicBlock
	// Temporary allocation counter.
	nextTmp uint64
}

// Begin creates a new routine with a single, empty entry block at the given
// logical VIP and returns the block.
func Begin(entryVIP uint64) *BasicBlock {
	rtn := &Routine{Blocks: make(map[uint64]*BasicBlock)}
	block := rtn.blockAt(entryVIP)
	rtn.Entry = block
	return block
}

// blockAt returns the block at the given VIP, creating it if absent.
func (rtn *Routine) blockAt(vip uint64) *BasicBlock {
	if block, ok := rtn.Blocks[vip]; ok {
		return block
	}
	block := &BasicBlock{Owner: rtn, EntryVIP: vip}
	rtn.Blocks[vip] = block
	return block
}

// newTmp allocates a routine-unique temporary register.
func (rtn *Routine) newTmp(bits int) RegisterDesc {
	id := rtn.nextTmp
	rtn.nextTmp++
	return RegisterDesc{Kind: RegTemporary, ID: id, BitCount: bits}
}

// EntryVIP returns the logical VIP of the routine entry.
func (rtn *Routine) EntryVIP() uint64 {
	return rtn.Entry.EntryVIP
}

// SortedVIPs returns the VIPs of all blocks in ascending order.
func (rtn *Routine) SortedVIPs() []uint64 {
	vips := make([]uint64, 0, len(rtn.Blocks))
	for vip := range rtn.Blocks {
		vips = append(vips, vip)
	}
	sort.Slice(vips, func(i, j int) bool { return vips[i] < vips[j] })
	return vips
}

// InstructionCount returns the total number of instructions of the routine.
func (rtn *Routine) InstructionCount() int {
	n := 0
	for _, block := range rtn.Blocks {
		n += len(block.Instructions)
	}
	return n
}

// String returns the textual serialization of the routine.
func (rtn *Routine) String() string {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "routine_%08X() {\n", rtn.EntryVIP())
	for i, vip := range rtn.SortedVIPs() {
		block := rtn.Blocks[vip]
		if i != 0 {
			buf.WriteString("\n")
		}
		fmt.Fprintf(buf, "block_%08X:\n", block.EntryVIP)
		for _, ins := range block.Instructions {
			fmt.Fprintf(buf, "\t%v\n", ins)
		}
	}
	buf.WriteString("}\n")
	return buf.String()
}
