package bin

import (
	"bytes"
	"debug/pe"

	"github.com/pkg/errors"
)

// MappedSize is the size of the flat in-memory image buffer. Sections are
// copied to their virtual addresses within it; unused regions read as zero.
const MappedSize = 0x10000000

// Section describes a single PE section of interest to the devirtualizer.
type Section struct {
	// Section name, NUL padding stripped.
	Name string
	// RVA of the section start.
	VirtualAddress Addr
	// Virtual size of the section.
	VirtualSize uint32
	// Section characteristics flags.
	Characteristics uint32
}

// Image is a PE image mapped into a flat buffer, as the loader would lay it
// out at its preferred base.
type Image struct {
	// The raw file bytes.
	Raw []byte
	// The mapped image buffer; offset within the buffer equals RVA.
	Mapped []byte
	// The image's preferred image base from the optional header.
	PreferredImageBase uint64
	// Section table.
	Sections []Section
}

// NewImage parses the given raw PE file bytes and maps each section into a
// zeroed flat buffer at its virtual address. The headers are copied verbatim.
func NewImage(raw []byte) (*Image, error) {
	file, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer file.Close()
	optHdr, ok := file.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, errors.New("support for 32-bit executables not implemented")
	}
	img := &Image{
		Raw:                raw,
		Mapped:             make([]byte, MappedSize),
		PreferredImageBase: optHdr.ImageBase,
	}
	// Copy headers verbatim.
	hdrSize := int(optHdr.SizeOfHeaders)
	if hdrSize > len(raw) {
		hdrSize = len(raw)
	}
	copy(img.Mapped, raw[:hdrSize])
	// Copy each section to its virtual address.
	for _, sect := range file.Sections {
		data, err := sect.Data()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if int(sect.VirtualAddress)+len(data) > len(img.Mapped) {
			return nil, errors.Errorf("section %q exceeds mapped image bounds", sect.Name)
		}
		copy(img.Mapped[sect.VirtualAddress:], data)
		img.Sections = append(img.Sections, Section{
			Name:            sect.Name,
			VirtualAddress:  Addr(sect.VirtualAddress),
			VirtualSize:     sect.VirtualSize,
			Characteristics: sect.Characteristics,
		})
	}
	return img, nil
}

// SectionFromRVA returns the section containing the given RVA.
func (img *Image) SectionFromRVA(rva Addr) (Section, bool) {
	for _, sect := range img.Sections {
		if rva >= sect.VirtualAddress && rva < sect.VirtualAddress+Addr(sect.VirtualSize) {
			return sect, true
		}
	}
	return Section{}, false
}

// IsExec reports whether the given section is executable.
func (sect Section) IsExec() bool {
	const codeMask = 0x00000020
	return sect.Characteristics&codeMask != 0
}
