package vmpattack

import (
	"github.com/0xnobody/vmpattack/bin"
	"github.com/0xnobody/vmpattack/disasm/x86"
)

// LiftingJob is a single routine to be lifted.
type LiftingJob struct {
	// The encrypted pointer to the VIP instruction stream.
	EntryStub uint64
	// The RVA of the routine's VMENTRY.
	VMEntryRVA bin.Addr
}

// ScanResult is one entry produced by a VMENTRY scan.
type ScanResult struct {
	// The code RVA followed to create the job.
	RVA bin.Addr
	// The retrieved lifting job.
	Job LiftingJob
}

// EntryAnalysis is the information returned by VMENTRY stub analysis.
type EntryAnalysis struct {
	// The pre-stub instruction that caused the VM exit, or nil. The
	// obfuscator places one unsupported instruction before the re-entry
	// stub when it could not virtualize it.
	ExitInstruction *x86.Instruction
	// The lifting job described by the stub.
	Job LiftingJob
}
