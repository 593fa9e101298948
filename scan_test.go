package vmpattack

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xnobody/vmpattack/bin"
	"github.com/0xnobody/vmpattack/vm"
)

// testAttack fabricates a VMPAttack over a hand-mapped image with a .text
// and a .vmp0 section.
func testAttack(mapped []byte) *VMPAttack {
	return &VMPAttack{
		image: &bin.Image{
			Mapped:             mapped,
			PreferredImageBase: 0x140000000,
			Sections: []bin.Section{
				{Name: ".text", VirtualAddress: 0x1000, VirtualSize: 0x100, Characteristics: 0x20},
				{Name: ".vmp0", VirtualAddress: 0x3000, VirtualSize: 0x100, Characteristics: 0x20},
			},
		},
		preferredImageBase: 0x140000000,
		instances:          make(map[bin.Addr]*vm.Instance),
	}
}

// writeJmp writes `jmp rel32` at rva targeting dst.
func writeJmp(mapped []byte, rva, dst uint32) {
	mapped[rva] = 0xE9
	binary.LittleEndian.PutUint32(mapped[rva+1:], dst-(rva+5))
}

// writeStub writes `push imm32; call rel32` at rva.
func writeStub(mapped []byte, rva, stub, vmentry uint32) {
	mapped[rva] = 0x68
	binary.LittleEndian.PutUint32(mapped[rva+1:], stub)
	mapped[rva+5] = 0xE8
	binary.LittleEndian.PutUint32(mapped[rva+6:], vmentry-(rva+10))
}

func TestScanForVMEntry(t *testing.T) {
	mapped := make([]byte, 0x10000)
	writeJmp(mapped, 0x1000, 0x3000)
	writeStub(mapped, 0x3000, 0x12345678, 0x4000)

	v := testAttack(mapped)
	results := v.ScanForVMEntry(".text")
	require.Len(t, results, 1)
	assert.Equal(t, bin.Addr(0x1000), results[0].RVA)
	assert.Equal(t, uint64(0x12345678), results[0].Job.EntryStub)
	assert.Equal(t, bin.Addr(0x4000), results[0].Job.VMEntryRVA)
}

func TestScanRejectsPreStub(t *testing.T) {
	mapped := make([]byte, 0x10000)
	writeJmp(mapped, 0x1000, 0x3000)
	// cld; push imm; call imm — the pre-stub form is not a scan root.
	mapped[0x3000] = 0xFC
	writeStub(mapped, 0x3001, 0x12345678, 0x4000)

	v := testAttack(mapped)
	assert.Empty(t, v.ScanForVMEntry(".text"))
}

func TestScanIgnoresJumpsOutsideVMSections(t *testing.T) {
	mapped := make([]byte, 0x10000)
	// A jump within .text itself is not a VM entry.
	writeJmp(mapped, 0x1000, 0x1080)
	writeStub(mapped, 0x1080, 0x11111111, 0x4000)

	v := testAttack(mapped)
	assert.Empty(t, v.ScanForVMEntry(".text"))
}

func TestAnalyzeEntryStub(t *testing.T) {
	mapped := make([]byte, 0x10000)
	writeStub(mapped, 0x3000, 0xAABBCCDD, 0x5000)

	v := testAttack(mapped)
	analysis, ok := v.AnalyzeEntryStub(0x3000)
	require.True(t, ok)
	assert.Nil(t, analysis.ExitInstruction)
	// push imm32 sign-extends its immediate to the 64-bit stack slot.
	assert.Equal(t, uint64(0xFFFFFFFFAABBCCDD), analysis.Job.EntryStub)
	assert.Equal(t, bin.Addr(0x5000), analysis.Job.VMEntryRVA)
}

func TestAnalyzeEntryStubPreStub(t *testing.T) {
	mapped := make([]byte, 0x10000)
	mapped[0x3000] = 0xFC // cld
	writeStub(mapped, 0x3001, 0xAABBCCDD, 0x5000)

	v := testAttack(mapped)
	analysis, ok := v.AnalyzeEntryStub(0x3000)
	require.True(t, ok)
	require.NotNil(t, analysis.ExitInstruction)
	assert.Equal(t, []byte{0xFC}, analysis.ExitInstruction.Bytes)
}

func TestAnalyzeEntryStubRejectsPlainCode(t *testing.T) {
	mapped := make([]byte, 0x10000)
	// push rbp; mov rbp, rsp; ret — no stub shape.
	copy(mapped[0x3000:], []byte{0x55, 0x48, 0x89, 0xE5, 0xC3})

	v := testAttack(mapped)
	_, ok := v.AnalyzeEntryStub(0x3000)
	assert.False(t, ok)
}

func TestScanForVMEntryAll(t *testing.T) {
	mapped := make([]byte, 0x10000)
	writeJmp(mapped, 0x1000, 0x3000)
	writeStub(mapped, 0x3000, 0x99999999, 0x4000)

	v := testAttack(mapped)
	// VM sections themselves are not swept.
	results := v.ScanForVMEntryAll()
	require.Len(t, results, 1)
	assert.Equal(t, uint64(0xFFFFFFFF99999999), results[0].Job.EntryStub)
}
