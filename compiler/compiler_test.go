package compiler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhcs/enginego/config"
	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/gpuslot"
	"github.com/openhcs/enginego/memconv"
	"github.com/openhcs/enginego/ohcserrors"
	"github.com/openhcs/enginego/registry"
	"github.com/openhcs/enginego/vfs"
	"github.com/openhcs/enginego/vfs/backend/memory"
)

// fakeHandler parses "<well>_s<site>_w<channel>.tif" without touching disk.
type fakeHandler struct{}

func (fakeHandler) Parse(filePath string) (core.ComponentValues, error) {
	var well string
	var site, channel int
	base := filePath
	if i := lastSlash(base); i >= 0 {
		base = base[i+1:]
	}
	if _, err := fmt.Sscanf(base, "%3s_s%d_w%d.tif", &well, &site, &channel); err != nil {
		return core.ComponentValues{}, err
	}
	return core.ComponentValues{Well: well, Site: site, Channel: channel, ZIndex: 1, Timepoint: 1}, nil
}
func (fakeHandler) ListWells(string) ([]string, error) { return nil, nil }
func (fakeHandler) GridDimensions() (int, int)         { return 8, 12 }
func (fakeHandler) PixelSize() float64                 { return 1.0 }

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func noopCall(_ context.Context, arr *core.ImageArray, _ map[string]interface{}, _ map[string]interface{}) (*core.ImageArray, map[string]interface{}, error) {
	return arr, nil, nil
}

func setup(t *testing.T) (*Compiler, *vfs.Manager, core.MicroscopeHandler) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(core.FunctionRecord{Name: "identity_cpu", Call: noopCall, InputMemory: core.MemoryCPU, OutputMemory: core.MemoryCPU}))
	require.NoError(t, reg.Register(core.FunctionRecord{Name: "identity_gpu", Call: noopCall, InputMemory: core.MemoryGPU, OutputMemory: core.MemoryGPU}))

	fm := vfs.New()
	fm.RegisterBackend(memory.New("memory"))

	global := config.Default()
	global.VFS = config.VFSConfig{ReadBackend: "memory", IntermediateBackend: "memory", MaterializationBackend: "memory"}
	global.PlateName = "plate1"
	global.GPUDeviceIDs = []int{0, 1}

	comp := New(reg, memconv.DefaultGraph(), gpuslot.NewTable(global.GPUDeviceIDs, global.MaxConcurrentPerDevice), global)
	return comp, fm, fakeHandler{}
}

func seedFiles(t *testing.T, fm *vfs.Manager, dir string, names []string) {
	t.Helper()
	b, ok := fm.Backend("memory")
	require.True(t, ok)
	for _, n := range names {
		require.NoError(t, b.Save(context.Background(), dir+"/"+n, []byte("x")))
	}
}

func onePipeline(funcName string) *core.Pipeline {
	return &core.Pipeline{Steps: []core.Step{
		{
			Name: "step1", UID: "s1",
			Func: core.FunctionPattern{Kind: core.PatternSingle, Entry: core.FunctionEntry{FuncName: funcName}},
		},
	}}
}

func TestCompile_SkipsWellWithNoPatternsAtStepZero(t *testing.T) {
	comp, fm, handler := setup(t)
	ctx := core.NewProcessingContext("A01", "input", fm, handler, onePipeline("identity_cpu").Steps)

	ok, err := comp.Compile(context.Background(), ctx, onePipeline("identity_cpu"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompile_ProducesFrozenStepPlan(t *testing.T) {
	comp, fm, handler := setup(t)
	seedFiles(t, fm, "input", []string{"A01_s1_w1.tif", "A01_s2_w1.tif"})

	pipeline := onePipeline("identity_cpu")
	ctx := core.NewProcessingContext("A01", "input", fm, handler, pipeline.Steps)

	ok, err := comp.Compile(context.Background(), ctx, pipeline)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ctx.Frozen())

	plan := ctx.StepPlans["s1"]
	require.NotNil(t, plan)
	assert.True(t, plan.Frozen())
	require.Len(t, plan.Patterns, 1)
	assert.Len(t, plan.Patterns[0].Files, 2) // both sites share the fixed key, site is the variable component
	assert.Equal(t, core.MemoryCPU, plan.InputMemoryType)
	assert.Equal(t, "memory", plan.ReadBackend)
	assert.Equal(t, "memory", plan.WriteBackend)
}

func TestCompile_UnknownFunctionIsMemoryContractError(t *testing.T) {
	comp, fm, handler := setup(t)
	seedFiles(t, fm, "input", []string{"A01_s1_w1.tif"})

	pipeline := onePipeline("does_not_exist")
	ctx := core.NewProcessingContext("A01", "input", fm, handler, pipeline.Steps)

	_, err := comp.Compile(context.Background(), ctx, pipeline)
	require.Error(t, err)
	assert.True(t, ohcserrors.IsKind(err, ohcserrors.KindCompilation))
}

// Testable property 1: repeated compilation of the same context, starting
// from an identically-initialized compiler, is deterministic.
func TestCompile_IsDeterministicGivenFreshCompilerState(t *testing.T) {
	run := func() *int {
		comp, fm, handler := setup(t)
		seedFiles(t, fm, "input", []string{"A01_s1_w1.tif"})
		pipeline := onePipeline("identity_gpu")
		ctx := core.NewProcessingContext("A01", "input", fm, handler, pipeline.Steps)
		ok, err := comp.Compile(context.Background(), ctx, pipeline)
		require.NoError(t, err)
		require.True(t, ok)
		return ctx.StepPlans["s1"].GPUDevice
	}

	first := run()
	second := run()
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, *first, *second)
}

// Testable property 9 (compile-time half): GPU assignment balances across
// the configured device set using least-assigned-so-far counting.
func TestPhase5_BalancesAcrossDevices(t *testing.T) {
	comp, fm, handler := setup(t)

	assigned := make(map[int]int)
	for i, well := range []string{"A01", "A02", "A03", "A04"} {
		seedFiles(t, fm, fmt.Sprintf("input%d", i), []string{fmt.Sprintf("%s_s1_w1.tif", well)})
		pipeline := onePipeline("identity_gpu")
		ctx := core.NewProcessingContext(well, fmt.Sprintf("input%d", i), fm, handler, pipeline.Steps)
		ok, err := comp.Compile(context.Background(), ctx, pipeline)
		require.NoError(t, err)
		require.True(t, ok)
		dev := ctx.StepPlans["s1"].GPUDevice
		require.NotNil(t, dev)
		assigned[*dev]++
	}

	assert.Equal(t, 2, assigned[0])
	assert.Equal(t, 2, assigned[1])
}

// Testable property: archive declaration (phase 2) only runs when a backend
// role is configured as "archive", and a non-native handler gets a side
// "archive" subdirectory rather than overwriting the legacy images directory.
func TestPhase2_ForeignPlateGetsSideArchiveDirectory(t *testing.T) {
	comp, fm, handler := setup(t)
	comp.Global.VFS.MaterializationBackend = "archive"
	seedFiles(t, fm, "input", []string{"A01_s1_w1.tif"})

	pipeline := onePipeline("identity_cpu")
	ctx := core.NewProcessingContext("A01", "input", fm, handler, pipeline.Steps)

	ok, err := comp.Compile(context.Background(), ctx, pipeline)
	require.NoError(t, err)
	require.True(t, ok)

	plan := ctx.StepPlans["s1"]
	require.NotNil(t, plan.Archive)
	assert.False(t, plan.Archive.MainIsArchive)
	assert.Contains(t, plan.Archive.RootPath, "archive")
	assert.Equal(t, string(comp.Global.Zarr.ChunkStrategy), plan.Archive.ChunkStrategy)
}

func twoStepPipeline(func1, func2 string) *core.Pipeline {
	return &core.Pipeline{Steps: []core.Step{
		{
			Name: "blur", UID: "s1",
			Func: core.FunctionPattern{Kind: core.PatternSingle, Entry: core.FunctionEntry{FuncName: func1}},
		},
		{
			Name: "threshold", UID: "s2",
			Func: core.FunctionPattern{Kind: core.PatternSingle, Entry: core.FunctionEntry{FuncName: func2}},
		},
	}}
}

// Review finding: compilation of every well's full pipeline completes before
// any well starts executing, so step 2's input directory is never populated
// at compile time. Phase 1 must derive step 2's patterns from step 1's own
// compiled patterns rather than listing that (empty) directory.
func TestCompile_TwoStepPipeline_SecondStepPatternsComeFromFirstStepsOutput(t *testing.T) {
	comp, fm, handler := setup(t)
	seedFiles(t, fm, "input", []string{"A01_s1_w1.tif", "A01_s2_w1.tif"})

	pipeline := twoStepPipeline("identity_cpu", "identity_cpu")
	ctx := core.NewProcessingContext("A01", "input", fm, handler, pipeline.Steps)

	ok, err := comp.Compile(context.Background(), ctx, pipeline)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ctx.Frozen())

	step1 := ctx.StepPlans["s1"]
	step2 := ctx.StepPlans["s2"]
	require.NotNil(t, step1)
	require.NotNil(t, step2)

	require.Len(t, step1.Patterns, 1)
	require.Len(t, step2.Patterns, 1)
	assert.Len(t, step2.Patterns[0].Files, 2)
	assert.Equal(t, step1.OutputDir, step2.InputDir)

	for _, f := range step2.Patterns[0].Files {
		assert.Equal(t, step2.InputDir, parentDir(f.Path))
	}
}

func parentDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "."
}

func TestPhase2_NoArchiveBackendConfiguredLeavesDescriptorNil(t *testing.T) {
	comp, fm, handler := setup(t)
	seedFiles(t, fm, "input", []string{"A01_s1_w1.tif"})

	pipeline := onePipeline("identity_cpu")
	ctx := core.NewProcessingContext("A01", "input", fm, handler, pipeline.Steps)

	ok, err := comp.Compile(context.Background(), ctx, pipeline)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, ctx.StepPlans["s1"].Archive)
}
