package memconv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/ohcserrors"
)

// Testable property 3: a converter path exists between any two memory types
// registered in the default graph.
func TestDefaultGraph_PathExistsBothDirections(t *testing.T) {
	g := DefaultGraph()

	path, err := g.Path(core.MemoryCPU, core.MemoryGPU)
	require.NoError(t, err)
	assert.Len(t, path, 1)

	path, err = g.Path(core.MemoryGPU, core.MemoryCPU)
	require.NoError(t, err)
	assert.Len(t, path, 1)
}

func TestGraph_PathSameTypeIsNoOp(t *testing.T) {
	g := DefaultGraph()
	path, err := g.Path(core.MemoryCPU, core.MemoryCPU)
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestGraph_NoPathIsCompilationError(t *testing.T) {
	g := NewGraph()
	_, err := g.Path(core.MemoryCPU, core.MemoryGPU)
	require.Error(t, err)
	assert.True(t, ohcserrors.IsKind(err, ohcserrors.KindCompilation))
}

func TestGraph_MultiHopPath(t *testing.T) {
	g := NewGraph()
	const tpu core.MemoryType = "tpu-like"
	g.AddEdge(core.ConverterEdge{From: core.MemoryCPU, To: core.MemoryGPU, Fn: identity})
	g.AddEdge(core.ConverterEdge{From: core.MemoryGPU, To: tpu, Fn: identity})

	path, err := g.Path(core.MemoryCPU, tpu)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, core.MemoryGPU, path[0].To)
	assert.Equal(t, tpu, path[1].To)
}

func identity(_ context.Context, in *core.ImageArray, _ core.DtypeConversionPolicy) (*core.ImageArray, error) {
	return in, nil
}

func TestConvert_CPUToGPUAndBack(t *testing.T) {
	g := DefaultGraph()
	in := &core.ImageArray{Shape: [3]int{1, 2, 2}, Dtype: core.DtypeFloat32, Memory: core.MemoryCPU, Data: []float64{0.1, 0.2, 0.3, 0.4}}

	gpu, err := g.Convert(context.Background(), in, core.MemoryCPU, core.MemoryGPU, core.DtypeNativeOutput)
	require.NoError(t, err)
	assert.Equal(t, core.MemoryGPU, gpu.Memory)
	assert.NotNil(t, gpu.DeviceBuffer)

	back, err := g.Convert(context.Background(), gpu, core.MemoryGPU, core.MemoryCPU, core.DtypeNativeOutput)
	require.NoError(t, err)
	assert.Equal(t, core.MemoryCPU, back.Memory)
	assert.Len(t, back.Data, 4)
}

// Testable property 6: round-trip dtype policy - PRESERVE_INPUT rescales
// full range back to the input's range, NATIVE_OUTPUT clamps without
// rescaling.
func TestScaleDtype_PreserveInputRescales(t *testing.T) {
	in := &core.ImageArray{Shape: [3]int{1, 1, 2}, Dtype: core.DtypeUint8, Data: []float64{0, 255}}
	out := ScaleDtype(in, core.DtypeFloat32, core.DtypePreserveInput)
	assert.InDelta(t, 0, out.Data[0], 1e-9)
	assert.InDelta(t, 1, out.Data[1], 1e-9)
}

func TestScaleDtype_NativeOutputClamps(t *testing.T) {
	in := &core.ImageArray{Shape: [3]int{1, 1, 2}, Dtype: core.DtypeFloat32, Data: []float64{0.5, 300.0}}
	out := ScaleDtype(in, core.DtypeUint8, core.DtypeNativeOutput)
	assert.InDelta(t, 0.5, out.Data[0], 1e-9)
	assert.InDelta(t, 255, out.Data[1], 1e-9) // clamped to dtype max, not rescaled
}

func TestPercentileNormalize(t *testing.T) {
	in := &core.ImageArray{Shape: [3]int{1, 1, 5}, Dtype: core.DtypeFloat64, Data: []float64{0, 25, 50, 75, 100}}
	out := PercentileNormalize(in, 0, 100)
	assert.InDelta(t, 0, out.Data[0], 1e-6)
	assert.InDelta(t, 1, out.Data[4], 1e-6)
}
