package x86

import (
	"github.com/0xnobody/vmpattack/bin"
)

// streamData is the shared decoding state behind one or more Stream cursors.
// Decoding is deterministic, so cursors copied from one another may share the
// decoded prefix.
type streamData struct {
	// The mapped image buffer; RVAs index into it directly.
	src []byte
	// RVA of the first instruction.
	base bin.Addr
	// Instructions decoded so far.
	insts []*Instruction
	// RVA one past the last decoded instruction.
	next bin.Addr
	// Set once decoding hits an undecodable byte sequence or the buffer end.
	done bool
}

// Stream is a non-owning cursor over a lazily disassembled instruction
// sequence. A Stream is single-reader; Copy produces an independent cursor
// over the same underlying data, enabling "try a match; on failure restart".
type Stream struct {
	data  *streamData
	index int
}

// NewStream returns a stream decoding from the given mapped image buffer,
// starting at the given RVA.
func NewStream(src []byte, base bin.Addr) *Stream {
	return &Stream{
		data: &streamData{src: src, base: base, next: base},
	}
}

// Base returns the RVA of the start of the stream.
func (s *Stream) Base() bin.Addr {
	return s.data.base
}

// RVA returns the RVA at the cursor.
func (s *Stream) RVA() bin.Addr {
	if s.index < len(s.data.insts) {
		return s.data.insts[s.index].Addr
	}
	return s.data.next
}

// Copy returns an independent cursor over the same underlying data, at the
// same position.
func (s *Stream) Copy() *Stream {
	return &Stream{data: s.data, index: s.index}
}

// CommitFrom moves the cursor to the position of another cursor over the
// same underlying data, committing a speculative match.
func (s *Stream) CommitFrom(other *Stream) {
	s.index = other.index
}

// Next returns the instruction under the cursor and advances. It returns nil
// past the end of the decodable sequence.
func (s *Stream) Next() *Instruction {
	for s.index >= len(s.data.insts) {
		if !s.data.decodeNext() {
			return nil
		}
	}
	ins := s.data.insts[s.index]
	s.index++
	return ins
}

// decodeNext decodes one more instruction into the shared prefix, reporting
// whether an instruction was produced.
func (d *streamData) decodeNext() bool {
	if d.done {
		return false
	}
	ins, err := DecodeAt(d.src, d.next)
	if err != nil {
		d.done = true
		return false
	}
	d.insts = append(d.insts, ins)
	d.next += bin.Addr(ins.Len)
	return true
}
