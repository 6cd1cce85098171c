// Package config provides the engine's hierarchical configuration model:
// GlobalPipelineConfig (process-wide defaults) and a Resolver that reads a
// core.Step's own fields, then a core.PipelineConfig, then the global
// defaults, lazily (§6, design notes).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/openhcs/enginego/core"
	"gopkg.in/yaml.v3"
)

// ChunkStrategy selects how a chunked archive backend partitions data.
type ChunkStrategy string

const (
	ChunkWell ChunkStrategy = "WELL"
	ChunkFile ChunkStrategy = "FILE"
)

// Codec selects the archive compression codec.
type Codec string

const (
	CodecZSTD Codec = "ZSTD"
)

// VFSConfig configures the three VFS backend roles.
type VFSConfig struct {
	ReadBackend            string // "disk", "archive", "memory"
	IntermediateBackend    string
	MaterializationBackend string
}

// ZarrConfig configures the chunked archive backend.
type ZarrConfig struct {
	Compressor       Codec
	CompressionLevel int
	ChunkStrategy    ChunkStrategy
}

// PathPlanningConfig configures output layout (§6).
type PathPlanningConfig struct {
	GlobalOutputFolder         string
	OutputDirSuffix            string
	SubDir                     string
	MaterializationResultsPath string
}

// AnalysisConsolidationConfig configures post-run summary generation.
type AnalysisConsolidationConfig struct {
	Enabled           bool
	MetaXpressSummary bool
	OutputFilename    string
	WellPattern       string
	FileExtensions    []string
	ExcludePatterns   []string
}

// StreamingConfig configures one live-viewer sink.
type StreamingConfig struct {
	Enabled bool
	Host    string
	Timeout time.Duration
}

// WellFilterConfig selects a well subset.
type WellFilterConfig struct {
	Wells []string
	Mode  core.WellFilterMode
}

// DtypeConfig controls boundary dtype behavior.
type DtypeConfig struct {
	DefaultDtypeConversion core.DtypeConversionPolicy
}

// GlobalPipelineConfig holds process-wide defaults (§3).
type GlobalPipelineConfig struct {
	NumWorkers   int
	UseThreading bool

	VFS      VFSConfig
	Zarr     ZarrConfig
	Path     PathPlanningConfig
	Analysis AnalysisConsolidationConfig

	Napari StreamingConfig
	Fiji   StreamingConfig

	WellFilter WellFilterConfig
	Dtype      DtypeConfig

	PlateName string

	MaxConcurrentPerDevice int
	GPUDeviceIDs           []int

	// RetryMaxAttempts overrides the executor's default attempt count
	// (Open Question 4: 3 attempts; the 50/150/400ms delay table is fixed,
	// not configurable per-attempt delay).
	RetryMaxAttempts int

	LogLevel string
}

// Default returns a GlobalPipelineConfig populated with safe production
// defaults, mirroring the teacher's config.Default().
func Default() GlobalPipelineConfig {
	return GlobalPipelineConfig{
		NumWorkers:   0, // resolved at runtime to NumCPU
		UseThreading: true,
		VFS: VFSConfig{
			ReadBackend:            "disk",
			IntermediateBackend:    "memory",
			MaterializationBackend: "disk",
		},
		Zarr: ZarrConfig{
			Compressor:       CodecZSTD,
			CompressionLevel: 3,
			ChunkStrategy:    ChunkWell,
		},
		Path: PathPlanningConfig{
			GlobalOutputFolder:         "./output",
			OutputDirSuffix:            "_openhcs",
			SubDir:                     "images",
			MaterializationResultsPath: "analysis",
		},
		Analysis: AnalysisConsolidationConfig{
			Enabled:        false,
			OutputFilename: "plate_summary.csv",
			WellPattern:    `^[A-Z][0-9]{2}`,
			FileExtensions: []string{".csv", ".json"},
		},
		WellFilter:             WellFilterConfig{Mode: core.WellFilterInclude},
		Dtype:                  DtypeConfig{DefaultDtypeConversion: core.DtypeNativeOutput},
		MaxConcurrentPerDevice: 1,
		RetryMaxAttempts:       3,
		LogLevel:               "info",
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c GlobalPipelineConfig) error {
	if c.NumWorkers < 0 {
		return fmt.Errorf("config: NumWorkers must be >= 0")
	}
	if c.Zarr.CompressionLevel < 0 || c.Zarr.CompressionLevel > 22 {
		return fmt.Errorf("config: Zarr.CompressionLevel must be 0-22")
	}
	switch c.Zarr.ChunkStrategy {
	case ChunkWell, ChunkFile:
	default:
		return fmt.Errorf("config: unknown ChunkStrategy %q", c.Zarr.ChunkStrategy)
	}
	switch c.Dtype.DefaultDtypeConversion {
	case core.DtypeNativeOutput, core.DtypePreserveInput:
	default:
		return fmt.Errorf("config: unknown DefaultDtypeConversion %q", c.Dtype.DefaultDtypeConversion)
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("config: RetryMaxAttempts must be >= 0")
	}
	return nil
}

// LoadYAML loads a GlobalPipelineConfig from a YAML file, starting from
// Default() so unspecified fields keep their safe defaults.
func LoadYAML(path string) (GlobalPipelineConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, Validate(cfg)
}

// ── Step/Pipeline-level overrides + lazy hierarchical resolution ───────────

// Resolver walks the step → pipeline → global hierarchy and returns the
// first set value for a given accessor, without ever materializing defaults
// into the child configs (they stay zero/nil until asked). The step tier is
// a core.Step itself — its override fields are zero-valued, not pointers,
// so "unset" is simply the type's zero value ("" or ComponentNone for
// GroupBy, "" for DtypePolicy, nil slice).
type Resolver struct {
	Step     core.Step
	Pipeline *core.PipelineConfig
	Global   GlobalPipelineConfig
}

// ResolveGroupBy returns the effective group_by: step, then pipeline, then
// ComponentNone.
func (r Resolver) ResolveGroupBy() core.ComponentKind {
	if r.Step.GroupBy != "" && r.Step.GroupBy != core.ComponentNone {
		return r.Step.GroupBy
	}
	if r.Pipeline != nil && r.Pipeline.GroupBy != nil {
		return *r.Pipeline.GroupBy
	}
	return core.ComponentNone
}

// ResolveVariableComponents returns the effective variable_components: step,
// then pipeline, then nil (caller falls back to the engine's recognized-set
// default).
func (r Resolver) ResolveVariableComponents() []core.ComponentKind {
	if len(r.Step.VariableComponents) > 0 {
		return r.Step.VariableComponents
	}
	if r.Pipeline != nil && len(r.Pipeline.VariableComponents) > 0 {
		return r.Pipeline.VariableComponents
	}
	return nil
}

// ResolveDtypePolicy returns the effective dtype conversion policy: step,
// then pipeline, then global.
func (r Resolver) ResolveDtypePolicy() core.DtypeConversionPolicy {
	if r.Step.DtypePolicy != "" {
		return r.Step.DtypePolicy
	}
	if r.Pipeline != nil && r.Pipeline.DtypePolicy != nil {
		return *r.Pipeline.DtypePolicy
	}
	return r.Global.Dtype.DefaultDtypeConversion
}
