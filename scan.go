package vmpattack

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/0xnobody/vmpattack/bin"
	"github.com/0xnobody/vmpattack/disasm/x86"
)

// Longest VMENTRY stub: one optional pre-stub instruction, the stub push,
// and the dispatcher call.
const maxStubLen = 3

// AnalyzeEntryStub analyzes the potential VMENTRY stub at the given RVA. A
// stub is two or three instructions ending in `push imm; call imm`; the
// three-instruction form carries a pre-stub instruction the obfuscator could
// not virtualize.
func (v *VMPAttack) AnalyzeEntryStub(rva bin.Addr) (*EntryAnalysis, bool) {
	// Disassemble at the stub, stopping at the first branch.
	insts := x86.DisassembleBranchBounded(v.image.Mapped, rva, maxStubLen+1)

	if len(insts) > maxStubLen || len(insts) < 2 {
		return nil, false
	}

	callIns := insts[len(insts)-1]
	pushIns := insts[len(insts)-2]

	if callIns.Op != x86asm.CALL || callIns.OperandType(0) != x86.OpImm {
		return nil, false
	}
	if pushIns.Op != x86asm.PUSH || pushIns.OperandType(0) != x86.OpImm {
		return nil, false
	}

	job := LiftingJob{
		EntryStub:  uint64(pushIns.Operand(0).Imm),
		VMEntryRVA: bin.Addr(callIns.Operand(0).Imm),
	}

	if len(insts) == maxStubLen {
		return &EntryAnalysis{ExitInstruction: insts[0], Job: job}, true
	}
	return &EntryAnalysis{Job: job}, true
}

// isVMPSectionName reports whether a section name follows the obfuscator's
// VM-section naming.
func isVMPSectionName(name string) bool {
	return strings.HasSuffix(name, "0") || strings.HasSuffix(name, "1")
}

// ScanForVMEntry scans the named code section for VMENTRY stubs: every
// unconditional `jmp imm` into a VM section whose target analyzes as a clean
// two-instruction stub yields one job.
func (v *VMPAttack) ScanForVMEntry(sectionName string) []ScanResult {
	var target *bin.Section
	var vmpSections []bin.Section

	for i, sect := range v.image.Sections {
		if sect.Name == sectionName {
			target = &v.image.Sections[i]
			continue
		}
		if isVMPSectionName(sect.Name) {
			vmpSections = append(vmpSections, sect)
		}
	}
	if target == nil {
		return nil
	}

	withinVMPSections := func(rva bin.Addr) bool {
		sect, ok := v.image.SectionFromRVA(rva)
		if !ok {
			return false
		}
		for _, vmp := range vmpSections {
			if sect.Name == vmp.Name {
				return true
			}
		}
		return false
	}

	var results []ScanResult
	start := target.VirtualAddress
	end := start + bin.Addr(target.VirtualSize)
	for _, ins := range x86.DisassembleSimple(v.image.Mapped, start, end) {
		if !ins.IsUncondJmp() || ins.OperandType(0) != x86.OpImm {
			continue
		}
		stubRVA := bin.Addr(ins.Operand(0).Imm)
		if !withinVMPSections(stubRVA) {
			continue
		}
		analysis, ok := v.AnalyzeEntryStub(stubRVA)
		if !ok {
			continue
		}
		// Only clean stubs are roots; pre-stub forms are mid-routine
		// re-entries found while lifting.
		if analysis.ExitInstruction != nil {
			continue
		}
		results = append(results, ScanResult{RVA: ins.Addr, Job: analysis.Job})
	}
	return results
}

// ScanForVMEntryAll scans every executable section for VMENTRY stubs; the VM
// sections themselves are skipped.
func (v *VMPAttack) ScanForVMEntryAll() []ScanResult {
	var results []ScanResult
	for _, sect := range v.image.Sections {
		if !sect.IsExec() || isVMPSectionName(sect.Name) {
			continue
		}
		results = append(results, v.ScanForVMEntry(sect.Name)...)
	}
	return results
}
