// Package core holds the engine's shared data model: image arrays, the
// component/pattern vocabulary, function patterns, steps, pipelines, and the
// per-well processing context that compilation fills in and execution reads.
package core

import (
	"context"
	"fmt"
	"time"
)

// Dtype is the numeric element type of an ImageArray.
type Dtype string

const (
	DtypeUint8   Dtype = "uint8"
	DtypeUint16  Dtype = "uint16"
	DtypeUint32  Dtype = "uint32"
	DtypeInt8    Dtype = "int8"
	DtypeInt16   Dtype = "int16"
	DtypeInt32   Dtype = "int32"
	DtypeFloat16 Dtype = "float16"
	DtypeFloat32 Dtype = "float32"
	DtypeFloat64 Dtype = "float64"
)

// MemoryType tags which runtime owns an array's backing storage.
// At minimum the engine recognizes the CPU tag plus one or more GPU-runtime
// tags; additional tags may be registered by collaborators.
type MemoryType string

const (
	MemoryCPU MemoryType = "cpu-ndarray"
	MemoryGPU MemoryType = "gpu-cuda-like"
)

// ImageArray is a 3D numeric tensor with axes (Z, Y, X). Every processing
// function consumes and returns one of these; 2D operations are lifted by
// iterating the Z axis.
type ImageArray struct {
	Shape  [3]int // Z, Y, X
	Dtype  Dtype
	Memory MemoryType

	// Data holds float64-normalized samples when Memory == MemoryCPU. It is
	// the representation every CPU-side converter and function operates on.
	Data []float64

	// DeviceBuffer is an opaque placeholder standing in for GPU-resident
	// storage when Memory != MemoryCPU. No engine-internal code dereferences
	// its contents; it exists so compile-time and runtime conversion
	// bookkeeping has something concrete to move between memory types.
	DeviceBuffer *DeviceBuffer
}

// DeviceBuffer is a symbolic handle to GPU-resident memory.
type DeviceBuffer struct {
	Device int
	Bytes  int64
}

// Len returns the total element count (Z*Y*X).
func (a *ImageArray) Len() int { return a.Shape[0] * a.Shape[1] * a.Shape[2] }

func (a *ImageArray) String() string {
	return fmt.Sprintf("ImageArray{shape=%v dtype=%s memory=%s}", a.Shape, a.Dtype, a.Memory)
}

// ComponentKind is a named dimension of the dataset. The set of recognized
// components and which one is the multiprocessing axis are configurable, but
// the kinds themselves are a closed enum — no component is discovered at
// runtime.
type ComponentKind string

const (
	ComponentWell      ComponentKind = "well"
	ComponentSite      ComponentKind = "site"
	ComponentChannel   ComponentKind = "channel"
	ComponentZIndex    ComponentKind = "z_index"
	ComponentTimepoint ComponentKind = "timepoint"
	ComponentNone      ComponentKind = "none"
)

// ComponentValues holds the decoded dimension values for one input file.
type ComponentValues struct {
	Well      string
	Site      int
	Channel   int
	ZIndex    int
	Timepoint int
}

// Value returns the string form of the given component, used both for
// group_by dictionary-key matching and for deterministic ordering.
func (c ComponentValues) Value(kind ComponentKind) string {
	switch kind {
	case ComponentWell:
		return c.Well
	case ComponentSite:
		return fmt.Sprintf("%d", c.Site)
	case ComponentChannel:
		return fmt.Sprintf("%d", c.Channel)
	case ComponentZIndex:
		return fmt.Sprintf("%d", c.ZIndex)
	case ComponentTimepoint:
		return fmt.Sprintf("%d", c.Timepoint)
	default:
		return ""
	}
}

// InputFile is one discovered file under a well, with its decoded component
// tuple attached by the MicroscopeHandler.
type InputFile struct {
	Path       string
	Components ComponentValues
}

// Pattern is an ordered sequence of input files sharing fixed values on the
// invariant dimensions and varying only on the declared variable components.
// Each pattern is one execution unit; the slice order is the Z-stacking
// order.
type Pattern struct {
	Files      []InputFile
	GroupKey   string // stringified group_by value; "" when group_by is NONE
	PatternKey string // stable identifier derived from the fixed components
}

// ── Function pattern ─────────────────────────────────────────────────────────

// FunctionEntry is one callable leaf: a registered function name plus the
// user parameters bound to it.
type FunctionEntry struct {
	FuncName string
	Params   map[string]interface{}
}

// FunctionPatternKind discriminates the closed set of shapes a step's `func`
// attribute may take.
type FunctionPatternKind int

const (
	PatternSingle FunctionPatternKind = iota
	PatternChain
	PatternDict
	PatternNested
)

// FunctionPattern is the tagged-variant replacement for the source's
// reflective func-pattern value: Single | Chain | Dict{...} | Nested.
type FunctionPattern struct {
	Kind FunctionPatternKind

	// Single
	Entry FunctionEntry

	// Chain
	Chain []FunctionEntry

	// Dict / Nested: key is the stringified group_by value.
	DictChains map[string][]FunctionEntry

	// GroupBy is the component a Dict/Nested pattern partitions patterns by.
	// Meaningless for Single/Chain.
	GroupBy ComponentKind
}

// Leaves returns every callable leaf, used by the compiler's memory-contract
// validation phase. Single and Chain leaves come in declaration order;
// Dict/Nested chains are visited in map iteration order, so the order of
// their leaves across keys is not stable.
func (fp FunctionPattern) Leaves() []FunctionEntry {
	switch fp.Kind {
	case PatternSingle:
		return []FunctionEntry{fp.Entry}
	case PatternChain:
		return fp.Chain
	case PatternDict, PatternNested:
		var out []FunctionEntry
		for _, chain := range fp.DictChains {
			out = append(out, chain...)
		}
		return out
	default:
		return nil
	}
}

// ── Step / Pipeline ──────────────────────────────────────────────────────────

// WellFilterMode selects inclusion vs exclusion semantics for a well filter.
type WellFilterMode string

const (
	WellFilterInclude WellFilterMode = "include"
	WellFilterExclude WellFilterMode = "exclude"
)

// DtypeConversionPolicy controls boundary dtype behavior (§4.3).
type DtypeConversionPolicy string

const (
	DtypeNativeOutput  DtypeConversionPolicy = "native_output"
	DtypePreserveInput DtypeConversionPolicy = "preserve_input"
)

// StepMaterializationConfig forces a step's output to also persist to a
// named backend/subdir regardless of where the intermediate backend lives.
type StepMaterializationConfig struct {
	Enabled         bool
	ForceDiskOutput bool
	Subdir          string
}

// StreamingConfig configures a live-viewer push for a step.
type StreamingConfig struct {
	Enabled bool
	Sink    string // "napari" | "fiji"
}

// Step is a named processing station. It is purely a declarative record;
// the compiler and executor act on it, it contains no behavior of its own.
type Step struct {
	Name               string
	UID                string
	Func               FunctionPattern
	VariableComponents []ComponentKind
	GroupBy            ComponentKind // "" (or ComponentNone) when absent
	DtypePolicy        DtypeConversionPolicy
	Materialization    StepMaterializationConfig
	NapariStreaming    StreamingConfig
	FijiStreaming      StreamingConfig
	WellFilter         []string
	WellFilterMode     WellFilterMode
}

// PipelineConfig carries pipeline-level overrides that sit between a step's
// own fields and the process-wide global config in the three-tier
// step → pipeline → global resolution hierarchy (§6). A nil field falls
// through to the next tier.
type PipelineConfig struct {
	VariableComponents []ComponentKind
	GroupBy            *ComponentKind
	DtypePolicy        *DtypeConversionPolicy
}

// Pipeline is an ordered sequence of Steps. Step UIDs must be unique within
// a pipeline; steps keep declaration order.
type Pipeline struct {
	Steps  []Step
	Config *PipelineConfig
}

// Validate checks the structural invariants a Pipeline must hold before
// compilation: unique, non-empty step UIDs.
func (p *Pipeline) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.UID == "" {
			return fmt.Errorf("pipeline: step %d (%q) has no UID", i, s.Name)
		}
		if seen[s.UID] {
			return fmt.Errorf("pipeline: duplicate step UID %q", s.UID)
		}
		seen[s.UID] = true
	}
	return nil
}

// ── StepPlan / ProcessingContext ─────────────────────────────────────────────

// MaterializationPlan records where (and whether) a step's output is
// persisted beyond the intermediate backend.
type MaterializationPlan struct {
	Enabled bool
	Backend string
	Subdir  string
}

// ArchiveDescriptor records the chunked-archive layout a step was compiled
// against when either its read or write backend is "archive" (§4.4 phase 2).
// A zero value means no archive participation was declared for the step.
type ArchiveDescriptor struct {
	RootPath         string
	ChunkStrategy    string
	Codec            string
	CompressionLevel int
	ShapeHints       [3]int // Z, Y, X derived from the step's pattern dimensions
	MainIsArchive    bool   // false when a foreign plate's legacy disk subdir is still primary
}

// StepPlan is the compiled, frozen description of how a step will run for a
// given well. Phases 1-5 of the compiler fill in disjoint subsets of its
// fields; at the end of compilation the whole map is deep-frozen (§3).
type StepPlan struct {
	StepName               string
	StepUID                string
	WellID                 string
	InputDir               string
	OutputDir              string
	ReadBackend            string
	WriteBackend           string
	InputMemoryType        MemoryType
	OutputMemoryType       MemoryType
	Patterns               []Pattern
	GroupBy                ComponentKind
	VariableComponents     []ComponentKind
	SpecialInputsRequired  []string
	SpecialOutputsProduced []string
	GPUDevice              *int
	Materialization        MaterializationPlan
	Archive                *ArchiveDescriptor
	DtypePolicy            DtypeConversionPolicy
	VisualizerConfigs      []StreamingConfig

	frozen bool
}

// Freeze marks the plan as immutable.
func (sp *StepPlan) Freeze() { sp.frozen = true }

// Frozen reports whether the plan has been frozen.
func (sp *StepPlan) Frozen() bool { return sp.frozen }

// BufferedOutputs holds per-step outputs produced during execution that have
// not yet been written to a backend — the one mutation execution is allowed
// to make to an otherwise-frozen context.
type BufferedOutputs struct {
	Arrays map[string]*ImageArray
	Named  map[string]interface{}
}

// ProcessingContext is per-well state passed to each step. Exactly one is
// created at compile start, populated through the 5 phases, frozen before
// execution, and destroyed after the well finishes.
type ProcessingContext struct {
	WellID            string
	InputDir          string
	FileManager       FileManager
	MicroscopeHandler MicroscopeHandler
	StepPlans         map[string]*StepPlan // keyed by step UID

	// Buffered outputs keyed by step UID, mutable only during execution.
	Buffered map[string]*BufferedOutputs

	frozen bool
}

// NewProcessingContext allocates an empty, unfrozen context with one
// step_plans entry per step in pipeline order (compiler prerequisite, §4.4).
func NewProcessingContext(wellID, inputDir string, fm FileManager, mh MicroscopeHandler, steps []Step) *ProcessingContext {
	ctx := &ProcessingContext{
		WellID:            wellID,
		InputDir:          inputDir,
		FileManager:       fm,
		MicroscopeHandler: mh,
		StepPlans:         make(map[string]*StepPlan, len(steps)),
		Buffered:          make(map[string]*BufferedOutputs, len(steps)),
	}
	for _, s := range steps {
		ctx.StepPlans[s.UID] = &StepPlan{StepName: s.Name, StepUID: s.UID, WellID: wellID}
	}
	return ctx
}

// Freeze marks the context read-only for execution. Only the context's
// Buffered output maps may still be mutated afterward.
func (c *ProcessingContext) Freeze() {
	for _, sp := range c.StepPlans {
		sp.Freeze()
	}
	c.frozen = true
}

// Frozen reports whether the context has been frozen.
func (c *ProcessingContext) Frozen() bool { return c.frozen }

// ── Observability interfaces (teacher's Hook/Logger/MetricsCollector) ───────

// Hook observes compilation phases and execution steps.
type Hook interface {
	BeforeStep(ctx context.Context, wellID, stepName string)
	AfterStep(ctx context.Context, wellID, stepName string, d time.Duration, err error)
}

// Logger is a minimal structured logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector receives performance observations from the executor.
type MetricsCollector interface {
	RecordStepDuration(wellID, stepName string, d time.Duration)
	RecordBytes(n int64)
	RecordError(wellID, stepName string)
}
