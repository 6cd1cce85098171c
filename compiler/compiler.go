// Package compiler implements the 5-phase pipeline compiler (§4.4): path
// planning, archive declaration, materialization planning, memory-contract
// validation, and GPU resource assignment, producing one frozen step_plan
// per (well, step) inside a core.ProcessingContext.
package compiler

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/openhcs/enginego/config"
	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/gpuslot"
	"github.com/openhcs/enginego/memconv"
	"github.com/openhcs/enginego/microscope"
	"github.com/openhcs/enginego/ohcserrors"
	"github.com/openhcs/enginego/pattern"
)

// Compiler runs the 5 phases against a ProcessingContext. It holds the
// collaborators every phase needs but itself carries no per-well state —
// callers create a new ProcessingContext per well and reuse one Compiler
// across all of them.
type Compiler struct {
	Registry  core.Registry
	Converter *memconv.Graph
	GPUSlots  *gpuslot.Table
	Global    config.GlobalPipelineConfig

	assignCounts map[int]int // compiled-steps-per-device, for phase 5's static balancing
}

// New returns a Compiler wired to the given collaborators.
func New(reg core.Registry, conv *memconv.Graph, slots *gpuslot.Table, global config.GlobalPipelineConfig) *Compiler {
	return &Compiler{Registry: reg, Converter: conv, GPUSlots: slots, Global: global, assignCounts: make(map[int]int)}
}

// Compile runs all 5 phases against ctx for the given pipeline, returning
// false (with no error) when the well has no patterns at step 0 and should
// be skipped entirely, per §4.4 phase 1.
func (c *Compiler) Compile(goCtx context.Context, ctx *core.ProcessingContext, pipeline *core.Pipeline) (bool, error) {
	if err := pipeline.Validate(); err != nil {
		return false, ohcserrors.Configuration("compiler.compile", err)
	}

	skip, err := c.phase1PathPlanning(ctx, pipeline)
	if err != nil {
		return false, err
	}
	if skip {
		return false, nil
	}
	if err := c.phase2ArchiveDeclaration(ctx, pipeline); err != nil {
		return false, err
	}
	if err := c.phase3MaterializationPlanning(ctx, pipeline); err != nil {
		return false, err
	}
	if err := c.phase4MemoryContract(ctx, pipeline); err != nil {
		return false, err
	}
	if err := c.phase5GPUAssignment(goCtx, ctx, pipeline); err != nil {
		return false, err
	}

	ctx.Freeze()
	return true, nil
}

// ── Phase 1: path planning ───────────────────────────────────────────────────

func (c *Compiler) phase1PathPlanning(ctx *core.ProcessingContext, pipeline *core.Pipeline) (bool, error) {
	prevOutputDir := ctx.InputDir
	var prevFiles []core.InputFile

	for i, step := range pipeline.Steps {
		plan := ctx.StepPlans[step.UID]
		if plan == nil {
			return false, ohcserrors.Compilation(ohcserrors.SubkindPathPlanning, "compiler.phase1", ctx.WellID, step.UID,
				fmt.Errorf("step plan not preallocated"))
		}

		if !wellMatchesFilter(ctx.WellID, step) {
			continue
		}

		if i == 0 {
			plan.InputDir = ctx.InputDir
		} else {
			plan.InputDir = prevOutputDir
		}
		plan.OutputDir = filepath.Join(
			c.Global.Path.GlobalOutputFolder,
			c.Global.PlateName+c.Global.Path.OutputDirSuffix,
			step.Name,
		)
		prevOutputDir = plan.OutputDir

		var files []core.InputFile
		if i == 0 {
			var err error
			files, err = enumerateInputFiles(ctx, plan.InputDir)
			if err != nil {
				return false, ohcserrors.Compilation(ohcserrors.SubkindPathPlanning, "compiler.phase1", ctx.WellID, step.UID, err)
			}
		} else {
			// Every well's full pipeline is compiled before any well starts
			// executing (§4.7), so step i's input directory holds nothing
			// yet and can't be listed. Carry forward the previous step's own
			// compiled patterns instead: same component tuples, rebased onto
			// this step's input directory under their original basenames —
			// the naming write_pattern will actually produce at runtime.
			files = rebaseFiles(prevFiles, plan.InputDir)
		}

		resolver := config.Resolver{Step: step, Pipeline: pipeline.Config, Global: c.Global}
		variable := resolver.ResolveVariableComponents()
		if len(variable) == 0 {
			variable = []core.ComponentKind{core.ComponentSite}
		}
		groupBy := resolver.ResolveGroupBy()

		patterns, err := pattern.Discover(files, variable, groupBy)
		if err != nil {
			return false, ohcserrors.Compilation(ohcserrors.SubkindPathPlanning, "compiler.phase1", ctx.WellID, step.UID, err)
		}
		if len(patterns) == 0 {
			if i == 0 {
				return true, nil // skip this well entirely, not an error
			}
			return false, ohcserrors.Compilation(ohcserrors.SubkindPathPlanning, "compiler.phase1", ctx.WellID, step.UID, ohcserrors.ErrNoPatterns)
		}

		plan.Patterns = patterns
		plan.GroupBy = groupBy
		plan.VariableComponents = variable

		prevFiles = flattenPatternFiles(patterns)
	}

	return false, nil
}

// rebaseFiles rewrites each file's path onto dir, keeping its basename and
// component tuple, for a step whose input doesn't exist on any backend yet
// at compile time (§4.4 phase 1).
func rebaseFiles(files []core.InputFile, dir string) []core.InputFile {
	out := make([]core.InputFile, len(files))
	for i, f := range files {
		out[i] = core.InputFile{Path: filepath.Join(dir, filepath.Base(f.Path)), Components: f.Components}
	}
	return out
}

// flattenPatternFiles collects every file across a step's compiled patterns
// in declaration order — the set the next step will treat as its own input.
func flattenPatternFiles(patterns []core.Pattern) []core.InputFile {
	var out []core.InputFile
	for _, p := range patterns {
		out = append(out, p.Files...)
	}
	return out
}

func wellMatchesFilter(wellID string, step core.Step) bool {
	if len(step.WellFilter) == 0 {
		return true
	}
	in := false
	for _, w := range step.WellFilter {
		if w == wellID {
			in = true
			break
		}
	}
	if step.WellFilterMode == core.WellFilterExclude {
		return !in
	}
	return in
}

// enumerateInputFiles lists every file under dir and parses its component
// tuple via the context's microscope handler, skipping files the handler
// cannot parse (e.g. sidecar metadata) and files of any other well.
func enumerateInputFiles(ctx *core.ProcessingContext, dir string) ([]core.InputFile, error) {
	backend, ok := ctx.FileManager.Backend("disk")
	if !ok {
		backend, ok = ctx.FileManager.Backend("memory")
	}
	if !ok {
		return nil, fmt.Errorf("no backend registered to enumerate %s", dir)
	}

	paths, err := backend.List(context.Background(), dir)
	if err != nil {
		return nil, err
	}

	var files []core.InputFile
	for _, p := range paths {
		cv, err := ctx.MicroscopeHandler.Parse(p)
		if err != nil || cv.Well != ctx.WellID {
			continue
		}
		cv.Well = ctx.WellID
		files = append(files, core.InputFile{Path: p, Components: cv})
	}
	return files, nil
}

// ── Phase 2: archive declaration ─────────────────────────────────────────────

func (c *Compiler) phase2ArchiveDeclaration(ctx *core.ProcessingContext, pipeline *core.Pipeline) error {
	usesArchive := c.Global.VFS.ReadBackend == "archive" ||
		c.Global.VFS.IntermediateBackend == "archive" ||
		c.Global.VFS.MaterializationBackend == "archive"
	if !usesArchive {
		return nil
	}

	// A NativeParser handler means this plate is already OpenHCS output:
	// chunked archive and legacy disk coexist under the same images
	// directory. Any other handler is reading a foreign plate, so the
	// archive gets a side directory and is marked primary for future runs.
	_, native := ctx.MicroscopeHandler.(*microscope.NativeParser)

	for i, step := range pipeline.Steps {
		plan := ctx.StepPlans[step.UID]
		if plan == nil || len(plan.Patterns) == 0 {
			continue
		}

		// Same read/write backend choice phase 3 records on the plan.
		read, write := c.Global.VFS.IntermediateBackend, c.Global.VFS.IntermediateBackend
		if i == 0 {
			read = c.Global.VFS.ReadBackend
		}
		if i == len(pipeline.Steps)-1 {
			write = c.Global.VFS.MaterializationBackend
		}
		if read != "archive" && write != "archive" {
			continue
		}

		zCount := len(plan.Patterns[0].Files)
		desc := &core.ArchiveDescriptor{
			RootPath:         plan.OutputDir,
			ChunkStrategy:    string(c.Global.Zarr.ChunkStrategy),
			Codec:            string(c.Global.Zarr.Compressor),
			CompressionLevel: c.Global.Zarr.CompressionLevel,
			ShapeHints:       [3]int{zCount, 0, 0},
			MainIsArchive:    native,
		}
		if !native {
			desc.RootPath = filepath.Join(plan.OutputDir, "archive")
		}
		plan.Archive = desc
	}
	return nil
}

// ── Phase 3: materialization planning ────────────────────────────────────────

func (c *Compiler) phase3MaterializationPlanning(ctx *core.ProcessingContext, pipeline *core.Pipeline) error {
	n := len(pipeline.Steps)
	for i, step := range pipeline.Steps {
		plan := ctx.StepPlans[step.UID]
		if plan == nil || len(plan.Patterns) == 0 {
			continue
		}

		switch {
		case i == 0:
			plan.ReadBackend = c.Global.VFS.ReadBackend
		default:
			plan.ReadBackend = c.Global.VFS.IntermediateBackend
		}

		switch {
		case i == n-1:
			plan.WriteBackend = c.Global.VFS.MaterializationBackend
		default:
			plan.WriteBackend = c.Global.VFS.IntermediateBackend
		}

		// Open Question 2 resolution: step-level materialization override
		// wins over the global default when set.
		if step.Materialization.Enabled || step.Materialization.ForceDiskOutput {
			plan.Materialization = core.MaterializationPlan{
				Enabled: true,
				Backend: c.Global.VFS.MaterializationBackend,
				Subdir:  step.Materialization.Subdir,
			}
			// Next step still reads from the intermediate backend per §4.4
			// phase 3: forcing a checkpoint does not redirect the pipeline.
		}

		if plan.WriteBackend == "" {
			return ohcserrors.Compilation(ohcserrors.SubkindMaterialization, "compiler.phase3", ctx.WellID, step.UID, ohcserrors.ErrNoWritableBackend)
		}

		var visualizers []core.StreamingConfig
		if step.NapariStreaming.Enabled {
			visualizers = append(visualizers, step.NapariStreaming)
		}
		if step.FijiStreaming.Enabled {
			visualizers = append(visualizers, step.FijiStreaming)
		}
		plan.VisualizerConfigs = visualizers
	}
	return nil
}

// ── Phase 4: memory-contract validation ──────────────────────────────────────

func (c *Compiler) phase4MemoryContract(ctx *core.ProcessingContext, pipeline *core.Pipeline) error {
	produced := make(map[string]bool)

	var prevPlan *core.StepPlan
	for _, step := range pipeline.Steps {
		plan := ctx.StepPlans[step.UID]
		if plan == nil || len(plan.Patterns) == 0 {
			continue
		}

		leaves := step.Func.Leaves()
		if len(leaves) == 0 {
			return ohcserrors.Compilation(ohcserrors.SubkindMemoryContract, "compiler.phase4", ctx.WellID, step.UID,
				fmt.Errorf("step has no callable leaves"))
		}

		var inMem, outMem core.MemoryType
		var specialIn, specialOut []string
		for li, entry := range leaves {
			rec, ok := c.Registry.Get(entry.FuncName)
			if !ok {
				return ohcserrors.Compilation(ohcserrors.SubkindMemoryContract, "compiler.phase4", ctx.WellID, step.UID,
					fmt.Errorf("%w: %q", ohcserrors.ErrUnknownFunction, entry.FuncName))
			}
			if li == 0 {
				inMem, outMem = rec.InputMemory, rec.OutputMemory
			} else if rec.InputMemory != inMem || rec.OutputMemory != outMem {
				return ohcserrors.Compilation(ohcserrors.SubkindMemoryContract, "compiler.phase4", ctx.WellID, step.UID,
					fmt.Errorf("step %q mixes memory types across callable leaves", step.Name))
			}
			specialIn = append(specialIn, rec.SpecialInputs...)
			specialOut = append(specialOut, rec.SpecialOutputs...)
		}

		plan.InputMemoryType = inMem
		plan.OutputMemoryType = outMem
		plan.SpecialInputsRequired = specialIn
		plan.SpecialOutputsProduced = specialOut
		plan.DtypePolicy = (config.Resolver{Step: step, Pipeline: pipeline.Config, Global: c.Global}).ResolveDtypePolicy()

		for _, req := range specialIn {
			if !produced[req] {
				return ohcserrors.Compilation(ohcserrors.SubkindMemoryContract, "compiler.phase4", ctx.WellID, step.UID,
					fmt.Errorf("%w: %q", ohcserrors.ErrMissingSpecialInput, req))
			}
		}
		for _, out := range specialOut {
			produced[out] = true
		}

		if prevPlan != nil {
			if _, err := c.Converter.Path(prevPlan.OutputMemoryType, plan.InputMemoryType); err != nil {
				return ohcserrors.Compilation(ohcserrors.SubkindMemoryContract, "compiler.phase4", ctx.WellID, step.UID,
					fmt.Errorf("no converter from step %q (%s) to step %q (%s)", prevPlan.StepName, prevPlan.OutputMemoryType, plan.StepName, plan.InputMemoryType))
			}
		}
		prevPlan = plan
	}
	return nil
}

// ── Phase 5: GPU resource assignment ─────────────────────────────────────────

// phase5GPUAssignment performs static device binding: it never touches the
// runtime GPU slot table (that governs concurrent execution admission, a
// separate concern from which device a step is bound to). Balancing is a
// simple least-assigned-so-far count over the device set, so repeated
// compiles of the same pipeline against the same devices produce the same
// binding (testable property 1: idempotent compilation).
func (c *Compiler) phase5GPUAssignment(_ context.Context, ctx *core.ProcessingContext, pipeline *core.Pipeline) error {
	devices := c.GPUSlots.Devices()

	for _, step := range pipeline.Steps {
		plan := ctx.StepPlans[step.UID]
		if plan == nil || len(plan.Patterns) == 0 {
			continue
		}
		needsGPU := plan.InputMemoryType == core.MemoryGPU || plan.OutputMemoryType == core.MemoryGPU
		if !needsGPU {
			continue
		}
		if len(devices) == 0 {
			return ohcserrors.Compilation(ohcserrors.SubkindGPUAssignment, "compiler.phase5", ctx.WellID, step.UID, ohcserrors.ErrGPUUnavailable)
		}

		best, bestCount := devices[0], c.assignCounts[devices[0]]
		for _, d := range devices[1:] {
			if c.assignCounts[d] < bestCount {
				best, bestCount = d, c.assignCounts[d]
			}
		}
		c.assignCounts[best]++
		device := best
		plan.GPUDevice = &device
	}
	return nil
}
