package executor

import (
	"context"
	"os/exec"
	"sync"

	"github.com/openhcs/enginego/core"
)

// Task is one well's compiled work item, submitted to the Pool.
type Task struct {
	Ctx      *core.ProcessingContext
	Pipeline *core.Pipeline
}

// Pool runs well-level tasks with a bounded number of concurrent workers,
// either goroutines (use_threading=true) or, when use_threading=false and a
// subprocess command is supplied, one OS process per well; parallel workers
// at well granularity, each well's outcome reported separately.
type Pool struct {
	exec         *WellExecutor
	numWorkers   int
	useThreading bool

	// subprocessCmd builds the command used to re-invoke this binary in
	// single-well mode when useThreading is false. Left nil in tests that
	// only exercise the threading path.
	subprocessCmd func(wellID string) *exec.Cmd
}

// NewPool returns a Pool driving we with numWorkers concurrent slots.
func NewPool(we *WellExecutor, numWorkers int, useThreading bool, subprocessCmd func(wellID string) *exec.Cmd) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Pool{exec: we, numWorkers: numWorkers, useThreading: useThreading, subprocessCmd: subprocessCmd}
}

// Run submits every task to the pool and blocks until each well completes,
// is canceled, or fails; well failures are isolated and reported per-well
// (testable property 8).
func (p *Pool) Run(goCtx context.Context, tasks []Task) []Outcome {
	outcomes := make([]Outcome, len(tasks))
	sem := make(chan struct{}, p.numWorkers)
	var wg sync.WaitGroup

	for i, t := range tasks {
		wg.Add(1)
		go func(i int, t Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if goCtx.Err() != nil {
				outcomes[i] = Outcome{WellID: t.Ctx.WellID, Canceled: true}
				return
			}

			if p.useThreading {
				outcomes[i] = p.exec.Run(goCtx, t.Ctx, t.Pipeline)
				return
			}
			outcomes[i] = p.runInSubprocess(goCtx, t)
		}(i, t)
	}

	wg.Wait()
	return outcomes
}

// runInSubprocess runs one well through the caller-supplied subprocessCmd
// when process isolation is requested, reporting only whether the command
// exited cleanly. When subprocessCmd is nil (as the orchestrator passes it)
// the well runs in-process exactly as in threading mode, with no process
// isolation.
func (p *Pool) runInSubprocess(goCtx context.Context, t Task) Outcome {
	if p.subprocessCmd == nil {
		return p.exec.Run(goCtx, t.Ctx, t.Pipeline)
	}
	cmd := p.subprocessCmd(t.Ctx.WellID)
	if err := cmd.Run(); err != nil {
		return Outcome{WellID: t.Ctx.WellID, Err: err}
	}
	return Outcome{WellID: t.Ctx.WellID, Completed: true}
}
