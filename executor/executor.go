// Package executor drives one well's compiled ProcessingContext through its
// pipeline's steps (§4.5): loading patterns, converting across memory-type
// boundaries, dispatching function patterns, writing results, streaming to
// viewers, and triggering analysis consolidation at well completion. The
// retry-with-backoff and before/after hook loop is adapted from the
// teacher's Pipeline.runStep.
package executor

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/gpuslot"
	"github.com/openhcs/enginego/memconv"
	"github.com/openhcs/enginego/ohcserrors"
	"github.com/openhcs/enginego/pattern"
)

// WellExecutor runs one well's frozen ProcessingContext against a pipeline.
type WellExecutor struct {
	Registry  core.Registry
	Converter *memconv.Graph
	GPUSlots  *gpuslot.Table
	Hooks     []core.Hook
	Retry     RetryPolicy
	Streamers map[string]core.VisualizerSink // keyed by sink name, e.g. "napari"
}

// RetryPolicy bounds retries of errors classified as retryable (Open
// Question 4 resolution: 3 attempts with growing backoff). Delays[k] is the
// wait before attempt k+2; attempts beyond the table reuse the last delay.
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// DefaultRetryPolicy returns the engine's chosen bounded policy: 3 attempts,
// waiting 50ms before the second and 150ms before the third. The 400ms entry
// is only used when MaxAttempts is raised above 3.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delays:      []time.Duration{50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond},
	}
}

// delayFor returns how long to wait before retry attempt index attempt
// (1-based: the wait before the second try is delayFor(1)). Falls back to
// the last configured delay if attempt exceeds the table.
func (r RetryPolicy) delayFor(attempt int) time.Duration {
	if len(r.Delays) == 0 {
		return 0
	}
	if attempt-1 >= len(r.Delays) {
		return r.Delays[len(r.Delays)-1]
	}
	return r.Delays[attempt-1]
}

// New returns a WellExecutor wired to the given collaborators.
func New(reg core.Registry, conv *memconv.Graph, slots *gpuslot.Table) *WellExecutor {
	return &WellExecutor{Registry: reg, Converter: conv, GPUSlots: slots, Retry: DefaultRetryPolicy(), Streamers: make(map[string]core.VisualizerSink)}
}

// Outcome summarizes how a well's run ended.
type Outcome struct {
	WellID    string
	Completed bool
	Canceled  bool
	Err       error
}

// Run executes every step of pipeline against ctx in declaration order,
// stopping at the first step boundary after ctx's goCtx is canceled.
func (e *WellExecutor) Run(goCtx context.Context, ctx *core.ProcessingContext, pipeline *core.Pipeline) Outcome {
	wellID := ctx.WellID

	for _, step := range pipeline.Steps {
		if err := goCtx.Err(); err != nil {
			return Outcome{WellID: wellID, Canceled: true}
		}

		plan := ctx.StepPlans[step.UID]
		if plan == nil || len(plan.Patterns) == 0 {
			continue
		}

		start := time.Now()
		for _, h := range e.Hooks {
			h.BeforeStep(goCtx, wellID, step.Name)
		}

		err := e.runStepWithRetry(goCtx, ctx, step, plan)

		d := time.Since(start)
		for _, h := range e.Hooks {
			h.AfterStep(goCtx, wellID, step.Name, d, err)
		}

		if err != nil {
			return Outcome{WellID: wellID, Err: ohcserrors.Execution("executor.run", wellID, step.UID, err)}
		}
	}

	return Outcome{WellID: wellID, Completed: true}
}

func (e *WellExecutor) runStepWithRetry(goCtx context.Context, ctx *core.ProcessingContext, step core.Step, plan *core.StepPlan) error {
	var lastErr error
	for attempt := 0; attempt < maxInt(1, e.Retry.MaxAttempts); attempt++ {
		if attempt > 0 {
			delay := e.Retry.delayFor(attempt)
			select {
			case <-time.After(delay):
			case <-goCtx.Done():
				return goCtx.Err()
			}
		}

		err := e.runStep(goCtx, ctx, step, plan)
		if err == nil {
			return nil
		}
		lastErr = err
		if !ohcserrors.IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// runStep runs every pattern of one step once, against its declared GPU
// device (if any) and function pattern dispatch shape.
func (e *WellExecutor) runStep(goCtx context.Context, ctx *core.ProcessingContext, step core.Step, plan *core.StepPlan) error {
	if plan.GPUDevice != nil {
		if err := e.GPUSlots.AcquireDevice(goCtx, *plan.GPUDevice); err != nil {
			return fmt.Errorf("gpu slot: %w", err)
		}
		defer e.GPUSlots.Release(*plan.GPUDevice)
	}

	buffered := &core.BufferedOutputs{Arrays: make(map[string]*core.ImageArray), Named: make(map[string]interface{})}
	ctx.Buffered[step.UID] = buffered

	switch step.Func.Kind {
	case core.PatternDict, core.PatternNested:
		if err := e.runDict(goCtx, ctx, step, plan, buffered); err != nil {
			return err
		}
	default:
		for _, p := range plan.Patterns {
			if err := goCtx.Err(); err != nil {
				return err
			}
			if err := e.runPatternChain(goCtx, ctx, step, plan, p, step.Func.Leaves(), buffered); err != nil {
				return err
			}
		}
	}

	return nil
}

// runDict dispatches each group_by partition to its matching dict/nested
// chain, skipping partitions with no matching key (§4.5 group-by semantics,
// testable property 7).
func (e *WellExecutor) runDict(goCtx context.Context, ctx *core.ProcessingContext, step core.Step, plan *core.StepPlan, buffered *core.BufferedOutputs) error {
	partitions := pattern.PartitionByGroup(plan.Patterns)

	for key, patterns := range partitions {
		chain, ok := step.Func.DictChains[key]
		if !ok {
			continue // unmatched keys are skipped, not errors, when they have no corresponding dict entry in the input data
		}
		for _, p := range patterns {
			if err := goCtx.Err(); err != nil {
				return err
			}
			if err := e.runPatternChain(goCtx, ctx, step, plan, p, chain, buffered); err != nil {
				return err
			}
		}
	}

	for key := range step.Func.DictChains {
		if _, ok := partitions[key]; !ok {
			return ohcserrors.Execution("executor.dict", ctx.WellID, step.UID, fmt.Errorf("%w: %q", ohcserrors.ErrUnmatchedGroupKey, key))
		}
	}
	return nil
}

// runPatternChain loads one pattern, pipes it through chain honoring
// chain_breaker flush semantics, and writes the result.
func (e *WellExecutor) runPatternChain(goCtx context.Context, ctx *core.ProcessingContext, step core.Step, plan *core.StepPlan, p core.Pattern, chain []core.FunctionEntry, buffered *core.BufferedOutputs) error {
	if _, ok := ctx.FileManager.Backend(plan.ReadBackend); !ok {
		return ohcserrors.IO("executor.read", plan.ReadBackend, "", ohcserrors.ErrNoWritableBackend, false)
	}

	arr, err := ctx.FileManager.ReadPattern(goCtx, p, plan.ReadBackend)
	if err != nil {
		return err
	}

	special := make(map[string]interface{})
	for _, name := range plan.SpecialInputsRequired {
		v, err := ctx.FileManager.ReadNamed(goCtx, name, plan.ReadBackend)
		if err != nil {
			return ohcserrors.Execution("executor.special_input", ctx.WellID, step.UID, err)
		}
		special[name] = v
	}

	if arr.Memory != plan.InputMemoryType {
		arr, err = e.Converter.Convert(goCtx, arr, arr.Memory, plan.InputMemoryType, plan.DtypePolicy)
		if err != nil {
			return err
		}
	}

	cur := arr
	for i, entry := range chain {
		rec, ok := e.Registry.Get(entry.FuncName)
		if !ok {
			return ohcserrors.Execution("executor.dispatch", ctx.WellID, step.UID, fmt.Errorf("%w: %q", ohcserrors.ErrUnknownFunction, entry.FuncName))
		}

		out, named, err := rec.Call(goCtx, cur, entry.Params, special)
		if err != nil {
			return ohcserrors.Execution("executor.call", ctx.WellID, step.UID, err)
		}
		for k, v := range named {
			buffered.Named[k] = v
		}
		cur = out

		breaksChain := rec.ChainBreaker && i < len(chain)-1
		if breaksChain {
			if err := ctx.FileManager.WritePattern(goCtx, cur, p, plan.WriteBackend, ""); err != nil {
				return err
			}
			cur, err = ctx.FileManager.ReadPattern(goCtx, p, plan.WriteBackend)
			if err != nil {
				return err
			}
		}
	}

	if cur.Memory != plan.OutputMemoryType {
		converted, err := e.Converter.Convert(goCtx, cur, cur.Memory, plan.OutputMemoryType, plan.DtypePolicy)
		if err != nil {
			return err
		}
		cur = converted
	}

	if err := ctx.FileManager.WritePattern(goCtx, cur, p, plan.WriteBackend, plan.OutputDir); err != nil {
		return err
	}
	for name, v := range buffered.Named {
		if err := ctx.FileManager.WriteNamed(goCtx, name, v, plan.WriteBackend); err != nil {
			return err
		}
	}

	if plan.Materialization.Enabled {
		if err := ctx.FileManager.WritePattern(goCtx, cur, p, plan.Materialization.Backend, plan.Materialization.Subdir); err != nil {
			return err
		}
	}

	buffered.Arrays[p.PatternKey] = cur

	e.pushToStreamers(goCtx, ctx, plan, p, cur)
	return nil
}

// pushToStreamers best-effort pushes the produced array's samples (each
// float64 as 8 little-endian bytes, in Data order) to every configured
// visualizer; streaming failures never fail the well (§4.5).
func (e *WellExecutor) pushToStreamers(goCtx context.Context, ctx *core.ProcessingContext, plan *core.StepPlan, p core.Pattern, arr *core.ImageArray) {
	if len(plan.VisualizerConfigs) == 0 || len(p.Files) == 0 {
		return
	}
	cv := p.Files[0].Components
	id := core.StreamImageID{Well: ctx.WellID, Site: cv.Site, Channel: cv.Channel, ZIndex: cv.ZIndex, Timepoint: cv.Timepoint}

	for _, sc := range plan.VisualizerConfigs {
		sink, ok := e.Streamers[sc.Sink]
		if !ok {
			continue
		}
		data := make([]byte, len(arr.Data)*8)
		for i, v := range arr.Data {
			binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
		}
		_ = sink.PushImage(goCtx, id, data) // errors intentionally ignored: streaming never fails the well
	}
}
