// Package vmpattack statically devirtualizes x86-64 PE routines protected by
// a VMProtect-3-family obfuscator, recovering an IR routine per virtualized
// entry point.
//
// Separation of concern is handled through reliance on collaborators: the
// disasm/x86 package supplies the instruction stream, the vm package decodes
// the virtual machine, and the vtil package receives the emitted IR and
// resolves symbolic branch destinations.
package vmpattack

import (
	"log"
	"os"
	"sync"

	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"
	"github.com/0xnobody/vmpattack/bin"
	"github.com/0xnobody/vmpattack/disasm/x86"
	"github.com/0xnobody/vmpattack/vm"
	"github.com/0xnobody/vmpattack/vtil"
)

var (
	// dbg is a logger which logs debug messages with "vmpattack:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("vmpattack:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetQuiet suppresses debug output of the package.
func SetQuiet(quiet bool) {
	if quiet {
		dbg.SetOutput(discard{})
	} else {
		dbg.SetOutput(os.Stderr)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Arbitrary placeholders for the return slot and stub the obfuscator spills
// at VMENTRY.
const (
	placeholderRetAddr = 0xDEADC0DEDEADC0DE
	placeholderStub    = 0xBABEBABEBABEBABE
)

// VMPAttack is the root object: it owns the mapped image, the instance
// registry, and drives scanning and lifting.
type VMPAttack struct {
	// The mapped PE image.
	image *bin.Image
	// The image's preferred image base.
	preferredImageBase uint64
	// The base the mapped buffer is addressed from; the buffer is indexed by
	// RVA, so the live base is zero.
	imageBase uint64

	// Guards instances.
	mu sync.Mutex
	// Instance registry keyed by VMENTRY RVA.
	instances map[bin.Addr]*vm.Instance

	// Verbose prints each decoded virtual instruction while lifting.
	Verbose bool
}

// New constructs a VMPAttack from the raw bytes of a PE image.
func New(raw []byte) (*VMPAttack, error) {
	image, err := bin.NewImage(raw)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &VMPAttack{
		image:              image,
		preferredImageBase: image.PreferredImageBase,
		instances:          make(map[bin.Addr]*vm.Instance),
	}, nil
}

// Image returns the mapped image.
func (v *VMPAttack) Image() *bin.Image {
	return v.image
}

// loadDelta returns the difference between the live and preferred bases.
func (v *VMPAttack) loadDelta() int64 {
	return int64(v.imageBase) - int64(v.preferredImageBase)
}

// logicalVIP rebases an absolute VIP onto the preferred image base.
func (v *VMPAttack) logicalVIP(vip uint64) uint64 {
	return vip - v.imageBase + v.preferredImageBase
}

// lookupInstance returns the cached instance for the given VMENTRY RVA, or
// nil.
func (v *VMPAttack) lookupInstance(rva bin.Addr) *vm.Instance {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.instances[rva]
}

// addInstance inserts an instance into the registry.
func (v *VMPAttack) addInstance(instance *vm.Instance) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.instances[instance.RVA]; !ok {
		v.instances[instance.RVA] = instance
	}
}

// Lift performs the given lifting job, returning a raw, unoptimized IR
// routine.
func (v *VMPAttack) Lift(job LiftingJob) (*vtil.Routine, error) {
	return v.liftInternal(job.VMEntryRVA, job.EntryStub, nil)
}

// liftInternal lifts the virtualized routine at the given VMENTRY. With a
// nil prev a new routine is created; otherwise the entry block forks off
// prev, completing it with a jump first when necessary.
func (v *VMPAttack) liftInternal(rva bin.Addr, stub uint64, prev *vtil.BasicBlock) (*vtil.Routine, error) {
	instance := v.lookupInstance(rva)
	if instance == nil {
		stream := x86.Disassemble(v.image.Mapped, rva)
		newInstance, ok := vm.InstanceFromStream(stream)
		if !ok {
			return nil, errors.Errorf("no VMENTRY prologue at %v", rva)
		}
		instance = newInstance
		v.addInstance(instance)
	}

	// Construct the initial context from the VIP stub.
	ctx := instance.InitializeContext(stub, v.loadDelta(), v.image.Mapped)

	blockVIP := v.logicalVIP(ctx.VIP)
	var block *vtil.BasicBlock
	if prev != nil {
		// Complete the previous block before forking off it.
		if !prev.IsComplete() {
			prev.Jmp(vtil.Imm64(blockVIP))
		}
		block = prev.Fork(blockVIP)
	} else {
		block = vtil.Begin(blockVIP)
	}

	// Two placeholders stand in for the return slot and stub spilled by the
	// obfuscator, followed by the entry frame and the live image base.
	block.
		Push(vtil.Imm64(placeholderRetAddr)).
		Push(vtil.Imm64(placeholderStub))
	for _, reg := range instance.EntryFrame {
		block.Push(vtil.Reg(reg))
	}

	// The last entry-frame slot holds the actual image base, not the fixup
	// the obfuscator synthesises.
	t0 := block.Tmp(64)
	block.
		Mov(t0, vtil.Reg(vtil.RegImgBase)).
		Push(vtil.Reg(t0))

	first := instance.Bridge.Advance(ctx)
	if err := v.liftBlock(instance, block, ctx, first, nil); err != nil {
		return nil, errors.WithStack(err)
	}
	return block.Owner, nil
}

// liftBlock lifts a single basic block, walking handlers through their
// bridges until the block terminates.
func (v *VMPAttack) liftBlock(instance *vm.Instance, block *vtil.BasicBlock, ctx *vm.Context, firstHandlerRVA bin.Addr, explored []uint64) error {
	// Mark the block as explored along this walk.
	explored = append(append([]uint64{}, explored...), block.EntryVIP)

	handlerRVA := firstHandlerRVA
	for {
		handler, ok := instance.FindHandler(handlerRVA)
		if !ok {
			// No cached handler; match it from the instruction stream.
			stream := x86.Disassemble(v.image.Mapped, handlerRVA)
			matched, ok := vm.HandlerFromStream(ctx.State, stream)
			if !ok {
				// Every reachable stream must match some catalog handler.
				return errors.Errorf("no catalog handler matches stream at %v", handlerRVA)
			}
			handler = matched
			instance.AddHandler(handler)
		} else if handler.Desc.Flags&vm.FlagUpdatesState != 0 && handler.Info.UpdatedState != nil {
			// Cached handlers skip matching, so the state update is applied
			// manually.
			*ctx.State = *handler.Info.UpdatedState
		}

		prevRollingKey := ctx.RollingKey
		decoded := handler.Decode(ctx)

		if v.Verbose {
			dbg.Printf("0x%016x | 0x%016x | 0x%016x | %v",
				v.logicalVIP(ctx.VIP), uint64(handlerRVA), prevRollingKey, decoded)
		}

		handler.Desc.Emit(block, decoded)

		switch {
		case handler.Desc.Flags&vm.FlagVMExit != 0:
			return v.liftExit(block)

		case handler.Desc.Flags&vm.FlagBranch != 0:
			v.liftBranches(instance, block, ctx, handler, explored)
			return nil

		case handler.Desc.Flags&vm.FlagCreatesBlock != 0:
			newVIP := v.logicalVIP(ctx.VIP)
			// Up and down streams sharing an address must not collide.
			if ctx.State.Direction == vm.DirectionUp {
				newVIP--
			}
			block.Jmp(vtil.Imm64(newVIP))
			next := block.Fork(newVIP)
			return v.liftBlock(instance, next, ctx, handler.Bridge.Advance(ctx), explored)
		}

		handlerRVA = handler.Bridge.Advance(ctx)
	}
}

// liftExit handles a VMEXIT: when the traced return address is another
// VMENTRY stub the lifter continues into it (tail-call back into the VM, or
// a single unsupported instruction emitted verbatim); when the next stack
// slot traces to a VMENTRY stub the exit is a VXCALL; otherwise the routine
// plainly exits.
func (v *VMPAttack) liftExit(block *vtil.BasicBlock) error {
	t0 := block.Tmp(64)
	block.Pop(t0)

	tracer := vtil.NewTracer()
	dest := eraseImgBase(tracer.Rtrace(vtil.End(block), t0))

	if dest.IsConstant() && dest.Uint64() != 0 {
		exitRVA := bin.Addr(dest.Uint64() - v.preferredImageBase)
		if analysis, ok := v.AnalyzeEntryStub(exitRVA); ok {
			// A pre-stub instruction is one the obfuscator could not
			// virtualize; its bytes pass through verbatim with pinned
			// register accesses.
			if exit := analysis.ExitInstruction; exit != nil {
				reads, writes := x86.RegsAccessed(exit)
				for _, r := range reads {
					block.Vpinr(vtil.PhysReg(r))
				}
				for _, b := range exit.Bytes {
					block.Vemit(b)
				}
				for _, r := range writes {
					block.Vpinw(vtil.PhysReg(r))
				}
			}
			// Continue lifting through the re-entry.
			if _, err := v.liftInternal(analysis.Job.VMEntryRVA, analysis.Job.EntryStub, block); err != nil {
				warn.Printf("re-entry at %v failed; %v", analysis.Job.VMEntryRVA, err)
			}
			return nil
		}
	}

	// A VXCALL pushes the post-call re-entry stub as the next 64-bit slot.
	t1 := block.Tmp(64)
	block.Pop(t1)

	// The instruction stream changed; drop cached traces.
	tracer.Flush()

	retaddr := eraseImgBase(tracer.Rtrace(vtil.End(block), t1))
	if retaddr.IsConstant() {
		retRVA := bin.Addr(retaddr.Uint64() - v.preferredImageBase)
		if analysis, ok := v.AnalyzeEntryStub(retRVA); ok {
			block.Vxcall(vtil.Reg(t0))
			if _, err := v.liftInternal(analysis.Job.VMEntryRVA, analysis.Job.EntryStub, block); err != nil {
				warn.Printf("vxcall re-entry at %v failed; %v", analysis.Job.VMEntryRVA, err)
			}
			return nil
		}
	}

	block.Vexit(vtil.Reg(t0))
	return nil
}

// liftBranches resolves the destinations of a branching handler and lifts
// each constant, unexplored destination depth-first on a copied context.
func (v *VMPAttack) liftBranches(instance *vm.Instance, block *vtil.BasicBlock, ctx *vm.Context, handler *vm.Handler, explored []uint64) {
	tracer := vtil.NewTracer()
	info := vtil.AnalyzeBranch(block, tracer)

	for _, branch := range info.Destinations {
		branch = eraseImgBase(branch)
		if !branch.IsConstant() {
			continue
		}
		branchEA := branch.Uint64()

		next := block.Fork(branchEA)
		if contains(explored, branchEA) {
			continue
		}

		branchRVA := branchEA - v.preferredImageBase
		// The RET emission offset up-stream destinations by -1; undo it to
		// recover the actual address.
		if ctx.State.Direction == vm.DirectionUp {
			branchRVA++
		}

		// Each branch walks on its own fresh context; the rolling key
		// reseeds from the branch's pre-relocation VIP.
		branchCtx := vm.NewContext(ctx.State.Clone(),
			branchRVA+v.preferredImageBase,
			branchRVA+v.imageBase,
			v.image.Mapped)

		first := handler.Bridge.Advance(branchCtx)
		if err := v.liftBlock(instance, next, branchCtx, first, explored); err != nil {
			warn.Printf("branch to 0x%x failed; %v", branchEA, err)
		}
	}
}

// eraseImgBase zeroes the symbolic image-base register out of a traced
// expression; the obfuscator mixes it into every absolute address.
func eraseImgBase(e *vtil.Expression) *vtil.Expression {
	return e.Transform(func(node *vtil.Expression) *vtil.Expression {
		if node.Kind == vtil.ExprVar && node.Reg.Kind == vtil.RegImageBase {
			return vtil.Const(0, node.Bits)
		}
		return node
	}).Simplify()
}

// contains reports whether the explored list holds the given VIP.
func contains(explored []uint64, vip uint64) bool {
	for _, have := range explored {
		if have == vip {
			return true
		}
	}
	return false
}
