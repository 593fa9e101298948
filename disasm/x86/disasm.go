package x86

import (
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/bin"
)

var (
	// dbg is a logger which logs debug messages with "x86:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("x86:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// Maximum x86 instruction length in bytes.
const maxInstLen = 15

// DecodeAt decodes the single instruction at the given RVA of the mapped
// image buffer.
func DecodeAt(src []byte, rva bin.Addr) (*Instruction, error) {
	if rva >= bin.Addr(len(src)) {
		return nil, errors.Errorf("instruction RVA %v out of image bounds", rva)
	}
	end := rva + maxInstLen
	if end > bin.Addr(len(src)) {
		end = bin.Addr(len(src))
	}
	code := src[rva:end]
	inst, err := x86asm.Decode(code, cpuMode)
	if err != nil {
		return nil, errors.Errorf("unable to decode instruction at %v; %v", rva, err)
	}
	return &Instruction{
		Addr:  rva,
		Bytes: code[:inst.Len],
		Inst:  inst,
	}, nil
}

// Disassemble returns a lazily decoded instruction stream over the mapped
// image buffer, starting at the given RVA.
func Disassemble(src []byte, rva bin.Addr) *Stream {
	return NewStream(src, rva)
}

// DisassembleBranchBounded decodes instructions starting at the given RVA,
// stopping after the first control-flow instruction, or after max
// instructions, whichever comes first.
func DisassembleBranchBounded(src []byte, rva bin.Addr, max int) []*Instruction {
	var insts []*Instruction
	for len(insts) < max {
		ins, err := DecodeAt(src, rva)
		if err != nil {
			break
		}
		insts = append(insts, ins)
		if ins.IsBranch() {
			break
		}
		rva += bin.Addr(ins.Len)
	}
	return insts
}

// DisassembleSimple linearly decodes the [start, end) RVA range of the mapped
// image buffer. The sweep resynchronizes by advancing a single byte past any
// undecodable byte sequence.
func DisassembleSimple(src []byte, start, end bin.Addr) []*Instruction {
	var insts []*Instruction
	for rva := start; rva < end; {
		ins, err := DecodeAt(src, rva)
		if err != nil {
			rva++
			continue
		}
		insts = append(insts, ins)
		rva += bin.Addr(ins.Len)
	}
	return insts
}
