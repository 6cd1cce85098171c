// Package orchestrator is the top-level coordinator (§4.7): it accepts a
// plate path and GlobalPipelineConfig, builds the microscope handler and
// VFS, enumerates wells, compiles every (well, pipeline) plan, and submits
// execution tasks to the worker pool.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/openhcs/enginego/analysis"
	"github.com/openhcs/enginego/compiler"
	"github.com/openhcs/enginego/config"
	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/executor"
	"github.com/openhcs/enginego/gpuslot"
	"github.com/openhcs/enginego/memconv"
	"github.com/openhcs/enginego/microscope"
	"github.com/openhcs/enginego/ohcserrors"
	"github.com/openhcs/enginego/vfs"
	"github.com/openhcs/enginego/vfs/backend/disk"
	"github.com/openhcs/enginego/vfs/backend/memory"
)

// RunReport summarizes a full run across every well. CompileFailed and
// Failed are counted separately so a caller can tell a well that never
// reached execution apart from one that failed while running (§4.7).
type RunReport struct {
	Completed     int
	Canceled      int
	CompileFailed int
	Failed        int
	Outcomes      []executor.Outcome
}

// Orchestrator holds the process-wide collaborators shared across a run.
type Orchestrator struct {
	Global    config.GlobalPipelineConfig
	Registry  core.Registry
	Converter *memconv.Graph
	GPUSlots  *gpuslot.Table
	FileMgr   *vfs.Manager
	Handler   core.MicroscopeHandler
	Hooks     []core.Hook
}

// New builds an Orchestrator for platePath: detects the microscope layout,
// registers the "memory" and "disk" VFS backends (no archive backend is
// registered), and prepares the GPU slot table.
func New(platePath string, global config.GlobalPipelineConfig, reg core.Registry, hooks ...core.Hook) (*Orchestrator, error) {
	if err := config.Validate(global); err != nil {
		return nil, ohcserrors.Configuration("orchestrator.new", err)
	}

	handler, err := microscope.Detect(platePath, 8, 12, 1.0)
	if err != nil {
		return nil, ohcserrors.Configuration("orchestrator.new", err)
	}

	fm := vfs.New()
	fm.RegisterBackend(memory.New("memory"))

	// Rooted at "/" rather than a plate- or output-specific directory: phase 1
	// path planning threads absolute directories through as virtual paths
	// (the plate path for step 0's input, computed GlobalOutputFolder-based
	// paths for every step's output), and a single unrooted disk backend
	// resolves both without rebasing them under a second prefix.
	diskBackend, err := disk.New("disk", "/", 0o644)
	if err != nil {
		return nil, ohcserrors.Configuration("orchestrator.new", err)
	}
	fm.RegisterBackend(diskBackend)

	return &Orchestrator{
		Global:    global,
		Registry:  reg,
		Converter: memconv.DefaultGraph(),
		GPUSlots:  gpuslot.NewTable(global.GPUDeviceIDs, global.MaxConcurrentPerDevice),
		FileMgr:   fm,
		Handler:   handler,
		Hooks:     hooks,
	}, nil
}

// Run enumerates wells, compiles each against pipeline, and executes the
// successfully compiled ones, isolating per-well failures (§4.7).
func (o *Orchestrator) Run(goCtx context.Context, platePath string, pipeline *core.Pipeline) (RunReport, error) {
	wells, err := o.Handler.ListWells(platePath)
	if err != nil {
		return RunReport{}, ohcserrors.Configuration("orchestrator.run", err)
	}
	wells = applyWellFilter(wells, o.Global.WellFilter)

	comp := compiler.New(o.Registry, o.Converter, o.GPUSlots, o.Global)
	we := executor.New(o.Registry, o.Converter, o.GPUSlots)
	we.Hooks = o.Hooks
	if o.Global.RetryMaxAttempts > 0 {
		we.Retry.MaxAttempts = o.Global.RetryMaxAttempts
	}

	var tasks []executor.Task
	var report RunReport

	for _, well := range wells {
		if err := goCtx.Err(); err != nil {
			report.Canceled++
			continue
		}

		ctx := core.NewProcessingContext(well, platePath, o.FileMgr, o.Handler, pipeline.Steps)
		ok, err := comp.Compile(goCtx, ctx, pipeline)
		if err != nil {
			report.CompileFailed++
			report.Outcomes = append(report.Outcomes, executor.Outcome{WellID: well, Err: err})
			continue
		}
		if !ok {
			continue // well skipped: no patterns at step 0, not a failure
		}

		tasks = append(tasks, executor.Task{Ctx: ctx, Pipeline: pipeline})
	}

	numWorkers := o.Global.NumWorkers
	pool := executor.NewPool(we, numWorkers, o.Global.UseThreading, nil)
	outcomes := pool.Run(goCtx, tasks)

	for _, oc := range outcomes {
		report.Outcomes = append(report.Outcomes, oc)
		switch {
		case oc.Completed:
			report.Completed++
		case oc.Canceled:
			report.Canceled++
		default:
			report.Failed++
		}
	}

	if o.Global.Analysis.Enabled {
		resultsDir := filepath.Join(o.Global.Path.GlobalOutputFolder, o.Global.PlateName+o.Global.Path.OutputDirSuffix, o.Global.Path.MaterializationResultsPath)
		if err := analysis.Consolidate(resultsDir, o.Global.Analysis); err != nil {
			return report, fmt.Errorf("analysis consolidation: %w", err)
		}
	}

	return report, nil
}

func applyWellFilter(wells []string, f config.WellFilterConfig) []string {
	if len(f.Wells) == 0 {
		return wells
	}
	set := make(map[string]bool, len(f.Wells))
	for _, w := range f.Wells {
		set[w] = true
	}
	var out []string
	for _, w := range wells {
		in := set[w]
		if f.Mode == core.WellFilterExclude {
			if !in {
				out = append(out, w)
			}
		} else if in {
			out = append(out, w)
		}
	}
	return out
}
