// Package memconv implements the memory-type converter graph (§4.3):
// directed edges between core.MemoryType tags, shortest-path lookup between
// an arbitrary pair of tags, and the dtype-scaling policy applied at every
// CPU<->GPU boundary crossing. Modeled on the teacher's vips.Backend, which
// plays the same "convert between two representations on demand" role for
// image formats instead of memory types.
package memconv

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/ohcserrors"
)

// Graph holds the registered converter edges and answers shortest-path
// queries between memory types, so a step consuming gpu-cuda-like data with
// an upstream producing cpu-ndarray can be bridged even without a direct
// edge, as long as a chain of registered edges connects them.
type Graph struct {
	edges map[core.MemoryType][]core.ConverterEdge
}

// NewGraph returns an empty converter graph.
func NewGraph() *Graph {
	return &Graph{edges: make(map[core.MemoryType][]core.ConverterEdge)}
}

// AddEdge registers a directed conversion edge.
func (g *Graph) AddEdge(e core.ConverterEdge) {
	g.edges[e.From] = append(g.edges[e.From], e)
}

// Path returns the ordered sequence of edges converting from -> to, using a
// breadth-first search over the registered edges (graphs here have at most
// a handful of nodes, so BFS is plenty).
func (g *Graph) Path(from, to core.MemoryType) ([]core.ConverterEdge, error) {
	if from == to {
		return nil, nil
	}

	type frame struct {
		node core.MemoryType
		path []core.ConverterEdge
	}
	visited := map[core.MemoryType]bool{from: true}
	queue := []frame{{node: from}}

	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		for _, e := range g.edges[f.node] {
			if visited[e.To] {
				continue
			}
			next := append(append([]core.ConverterEdge{}, f.path...), e)
			if e.To == to {
				return next, nil
			}
			visited[e.To] = true
			queue = append(queue, frame{node: e.To, path: next})
		}
	}
	return nil, ohcserrors.Compilation(ohcserrors.SubkindMemoryContract, "memconv.path", "", "",
		fmt.Errorf("%w: %s -> %s", ohcserrors.ErrNoConverterPath, from, to))
}

// Convert runs an ImageArray through every edge on the from->to path in
// sequence, applying policy at each crossing.
func (g *Graph) Convert(ctx context.Context, in *core.ImageArray, from, to core.MemoryType, policy core.DtypeConversionPolicy) (*core.ImageArray, error) {
	path, err := g.Path(from, to)
	if err != nil {
		return nil, err
	}
	cur := in
	for _, e := range path {
		out, err := e.Fn(ctx, cur, policy)
		if err != nil {
			return nil, ohcserrors.Compilation(ohcserrors.SubkindMemoryContract, "memconv.convert", "", "", err)
		}
		cur = out
	}
	return cur, nil
}

// ── dtype scaling ────────────────────────────────────────────────────────────

// dtypeRange returns the representable [min, max] of an integer dtype as
// float64 bounds; floating dtypes are treated as already normalized [0, 1].
func dtypeRange(d core.Dtype) (lo, hi float64) {
	switch d {
	case core.DtypeUint8:
		return 0, 255
	case core.DtypeUint16:
		return 0, 65535
	case core.DtypeUint32:
		return 0, 4294967295
	case core.DtypeInt8:
		return -128, 127
	case core.DtypeInt16:
		return -32768, 32767
	case core.DtypeInt32:
		return -2147483648, 2147483647
	default: // float16/32/64
		return 0, 1
	}
}

// ScaleDtype rescales Data from its current dtype's native range into
// target's native range, honoring policy:
//
//   - NATIVE_OUTPUT: no scaling at the output — clamp into target's range
//     without rescaling, so a function's native output (e.g. a float32 mask
//     already in [0,1]) is preserved rather than stretched.
//   - PRESERVE_INPUT: scale the function's native output range back to the
//     input's integer range (e.g. uint16 -> float32 -> uint16 round trips
//     through [0,1] and back to [0,65535]) so the input's value range is
//     preserved end to end.
//
// Returns a new ImageArray; the input is left untouched.
func ScaleDtype(in *core.ImageArray, target core.Dtype, policy core.DtypeConversionPolicy) *core.ImageArray {
	srcLo, srcHi := dtypeRange(in.Dtype)
	dstLo, dstHi := dtypeRange(target)

	out := make([]float64, len(in.Data))
	switch policy {
	case core.DtypePreserveInput:
		srcSpan := srcHi - srcLo
		dstSpan := dstHi - dstLo
		for i, v := range in.Data {
			if srcSpan == 0 {
				out[i] = dstLo
				continue
			}
			norm := (v - srcLo) / srcSpan
			out[i] = clamp(dstLo+norm*dstSpan, dstLo, dstHi)
		}
	default: // NativeOutput
		for i, v := range in.Data {
			out[i] = clamp(v, dstLo, dstHi)
		}
	}

	return &core.ImageArray{
		Shape:  in.Shape,
		Dtype:  target,
		Memory: in.Memory,
		Data:   out,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PercentileNormalize rescales Data so that the given low/high percentiles
// (0-100) map to [0, 1], clamping outliers beyond them. Used by contrast
// stretching / auto-leveling functions registered against the function
// catalog. Percentile computation uses gonum/stat's quantile estimator over
// a sorted copy of the sample.
func PercentileNormalize(in *core.ImageArray, lowPct, highPct float64) *core.ImageArray {
	sorted := append([]float64{}, in.Data...)
	sort.Float64s(sorted)

	lo := stat.Quantile(lowPct/100, stat.Empirical, sorted, nil)
	hi := stat.Quantile(highPct/100, stat.Empirical, sorted, nil)

	out := make([]float64, len(in.Data))
	span := hi - lo
	for i, v := range in.Data {
		if span == 0 {
			out[i] = 0
			continue
		}
		out[i] = clamp((v-lo)/span, 0, 1)
	}

	return &core.ImageArray{
		Shape:  in.Shape,
		Dtype:  in.Dtype,
		Memory: in.Memory,
		Data:   out,
	}
}

// DefaultGraph builds the converter graph the engine ships with: a direct
// cpu-ndarray <-> gpu-cuda-like pair. Real GPU runtimes register their
// backend-specific edges alongside these at startup.
func DefaultGraph() *Graph {
	g := NewGraph()
	g.AddEdge(core.ConverterEdge{
		From: core.MemoryCPU,
		To:   core.MemoryGPU,
		Fn: func(_ context.Context, in *core.ImageArray, policy core.DtypeConversionPolicy) (*core.ImageArray, error) {
			return &core.ImageArray{
				Shape:        in.Shape,
				Dtype:        in.Dtype,
				Memory:       core.MemoryGPU,
				DeviceBuffer: &core.DeviceBuffer{Device: 0, Bytes: int64(len(in.Data) * 8)},
			}, nil
		},
	})
	g.AddEdge(core.ConverterEdge{
		From: core.MemoryGPU,
		To:   core.MemoryCPU,
		Fn: func(_ context.Context, in *core.ImageArray, policy core.DtypeConversionPolicy) (*core.ImageArray, error) {
			n := in.Shape[0] * in.Shape[1] * in.Shape[2]
			return &core.ImageArray{
				Shape:  in.Shape,
				Dtype:  in.Dtype,
				Memory: core.MemoryCPU,
				Data:   make([]float64, n),
			}, nil
		},
	})
	return g
}
