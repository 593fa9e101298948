// The vmpattack tool statically devirtualizes PE executables protected by a
// VMProtect-3-family obfuscator, writing one unoptimized and one optimized IR
// routine per virtualized entry point.
//
// Usage:
//
//	vmpattack [flags] FILE.exe
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/kr/pretty"
	"github.com/mewkiz/pkg/jsonutil"
	"github.com/mewkiz/pkg/osutil"
	"github.com/mewkiz/pkg/term"
	"golang.org/x/sync/errgroup"

	vmpattack "github.com/0xnobody/vmpattack"
	"github.com/0xnobody/vmpattack/bin"
	"github.com/0xnobody/vmpattack/llvm"
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

// Name of the output directory, created next to the input.
const outputDirName = "VMPAttack-Output"

// entryOverride is one entry of the optional entries.json oracle file,
// overriding the scanner.
type entryOverride struct {
	RVA     bin.Addr `json:"rva"`
	Stub    bin.Addr `json:"stub"`
	VMEntry bin.Addr `json:"vmentry"`
}

func main() {
	var (
		// quiet specifies whether to suppress non-error messages.
		quiet bool
		// section is the code section scanned for VMENTRY stubs.
		section string
		// verbose prints every decoded virtual instruction.
		verbose bool
		// dump pretty-prints the scan results before lifting.
		dump bool
		// emitLLVM additionally lowers each routine to an LLVM module.
		emitLLVM bool
		// workers bounds concurrent routine lifts.
		workers int
	)
	flag.BoolVar(&quiet, "q", false, "suppress non-error messages")
	flag.StringVar(&section, "section", ".text", "code section to scan for VM entries")
	flag.BoolVar(&verbose, "v", false, "print each decoded virtual instruction")
	flag.BoolVar(&dump, "dump", false, "pretty-print scan results before lifting")
	flag.BoolVar(&emitLLVM, "llvm", false, "also lower routines to LLVM IR (.ll)")
	flag.IntVar(&workers, "j", 1, "number of concurrent routine lifts")
	flag.Parse()
	if quiet {
		dbg.SetOutput(discard{})
		vmpattack.SetQuiet(true)
	}
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: vmpattack [flags] FILE.exe")
		flag.PrintDefaults()
		os.Exit(2)
	}
	binPath := flag.Arg(0)

	if err := run(binPath, section, verbose, dump, emitLLVM, workers); err != nil {
		log.Fatalf("%+v", err)
	}
}

// run scans and devirtualizes the given PE executable.
func run(binPath, section string, verbose, dump, emitLLVM bool, workers int) error {
	raw, err := os.ReadFile(binPath)
	if err != nil {
		return err
	}
	dbg.Printf("loaded raw image %q of size 0x%x", binPath, len(raw))

	attack, err := vmpattack.New(raw)
	if err != nil {
		return err
	}
	attack.Verbose = verbose

	results := attack.ScanForVMEntry(section)
	// An entries.json next to the input overrides the scanner.
	if overrides := loadOverrides(binPath); len(overrides) > 0 {
		results = results[:0]
		for _, o := range overrides {
			results = append(results, vmpattack.ScanResult{
				RVA: o.RVA,
				Job: vmpattack.LiftingJob{EntryStub: uint64(o.Stub), VMEntryRVA: o.VMEntry},
			})
		}
	}
	if len(results) == 0 {
		return fmt.Errorf("no virtualized routines found in section %q of %q", section, binPath)
	}

	dbg.Printf("found %d virtualized routines:", len(results))
	for _, result := range results {
		dbg.Printf("\trva %v vmentry %v stub 0x%x", result.RVA, result.Job.VMEntryRVA, result.Job.EntryStub)
	}
	if dump {
		pretty.Fprintf(os.Stderr, "scan results: %# v\n", results)
	}

	outDir := filepath.Join(filepath.Dir(binPath), outputDirName)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	g := &errgroup.Group{}
	g.SetLimit(workers)
	for _, result := range results {
		result := result
		g.Go(func() error {
			devirtualize(attack, result, outDir, emitLLVM)
			return nil
		})
	}
	return g.Wait()
}

// devirtualize lifts, optimizes and saves a single routine. Routine failures
// are reported but never halt processing of other routines.
func devirtualize(attack *vmpattack.VMPAttack, result vmpattack.ScanResult, outDir string, emitLLVM bool) {
	color.Yellow("** Devirtualizing routine @ %v...", result.RVA)

	rtn, err := attack.Lift(result.Job)
	if err != nil {
		color.Red("\t** Lifting failed: %v", err)
		return
	}
	color.Green("\t** Lifting success")

	name := fmt.Sprintf("0x%x", uint64(result.RVA))
	if err := vtil.Save(rtn, filepath.Join(outDir, name+".vtil")); err != nil {
		warn.Printf("unable to save routine %v; %v", result.RVA, err)
		return
	}

	removed := vtil.Optimize(rtn)
	color.Green("\t** Optimization success (-%d instructions)", removed)

	if err := vtil.Save(rtn, filepath.Join(outDir, name+"-Optimized.vtil")); err != nil {
		warn.Printf("unable to save optimized routine %v; %v", result.RVA, err)
		return
	}

	if emitLLVM {
		module := llvm.Export(rtn)
		path := filepath.Join(outDir, name+".ll")
		if err := os.WriteFile(path, []byte(module.String()), 0o644); err != nil {
			warn.Printf("unable to save LLVM module %v; %v", result.RVA, err)
		}
	}
}

// loadOverrides parses the optional entries.json oracle file next to the
// input binary.
func loadOverrides(binPath string) []entryOverride {
	jsonPath := filepath.Join(filepath.Dir(binPath), "entries.json")
	if !osutil.Exists(jsonPath) {
		return nil
	}
	dbg.Printf("using entry overrides from %q", jsonPath)
	var overrides []entryOverride
	if err := jsonutil.ParseFile(jsonPath, &overrides); err != nil {
		warn.Printf("unable to parse %q; %v", jsonPath, err)
		return nil
	}
	return overrides
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
