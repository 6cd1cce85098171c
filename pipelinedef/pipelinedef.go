// Package pipelinedef loads a core.Pipeline from a declarative YAML
// document, mirroring the config package's "yaml.v3 onto a plain struct"
// loading convention so the CLI has a concrete way to get a runnable
// pipeline without a code-level builder.
package pipelinedef

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openhcs/enginego/core"
)

// funcEntryDoc is one callable leaf as written in YAML:
//
//	func: gaussian_blur
//	params: {sigma: 1.5}
type funcEntryDoc struct {
	Func   string                 `yaml:"func"`
	Params map[string]interface{} `yaml:"params"`
}

func (d funcEntryDoc) toEntry() core.FunctionEntry {
	return core.FunctionEntry{FuncName: d.Func, Params: d.Params}
}

// funcPatternDoc captures the four shapes a step's `func` attribute may
// take in YAML. Exactly one of Single/Chain/Dict/Nested should be set; a
// step that gives none of them is an error.
type funcPatternDoc struct {
	Single *funcEntryDoc             `yaml:"single"`
	Chain  []funcEntryDoc            `yaml:"chain"`
	Dict   map[string][]funcEntryDoc `yaml:"dict"`
	Nested map[string][]funcEntryDoc `yaml:"nested"`

	GroupBy core.ComponentKind `yaml:"group_by"`
}

func (d funcPatternDoc) toFunctionPattern() (core.FunctionPattern, error) {
	switch {
	case d.Single != nil:
		return core.FunctionPattern{Kind: core.PatternSingle, Entry: d.Single.toEntry()}, nil
	case len(d.Chain) > 0:
		chain := make([]core.FunctionEntry, len(d.Chain))
		for i, e := range d.Chain {
			chain[i] = e.toEntry()
		}
		return core.FunctionPattern{Kind: core.PatternChain, Chain: chain}, nil
	case len(d.Dict) > 0:
		return core.FunctionPattern{Kind: core.PatternDict, DictChains: toChains(d.Dict), GroupBy: d.GroupBy}, nil
	case len(d.Nested) > 0:
		return core.FunctionPattern{Kind: core.PatternNested, DictChains: toChains(d.Nested), GroupBy: d.GroupBy}, nil
	default:
		return core.FunctionPattern{}, fmt.Errorf("pipelinedef: func has none of single/chain/dict/nested")
	}
}

func toChains(docs map[string][]funcEntryDoc) map[string][]core.FunctionEntry {
	out := make(map[string][]core.FunctionEntry, len(docs))
	for key, entries := range docs {
		chain := make([]core.FunctionEntry, len(entries))
		for i, e := range entries {
			chain[i] = e.toEntry()
		}
		out[key] = chain
	}
	return out
}

type materializationDoc struct {
	Enabled         bool   `yaml:"enabled"`
	ForceDiskOutput bool   `yaml:"force_disk_output"`
	Subdir          string `yaml:"subdir"`
}

func (d materializationDoc) toConfig() core.StepMaterializationConfig {
	return core.StepMaterializationConfig{Enabled: d.Enabled, ForceDiskOutput: d.ForceDiskOutput, Subdir: d.Subdir}
}

type stepDoc struct {
	Name               string                `yaml:"name"`
	UID                string                `yaml:"uid"`
	Func               funcPatternDoc             `yaml:"func"`
	VariableComponents []core.ComponentKind       `yaml:"variable_components"`
	GroupBy            core.ComponentKind         `yaml:"group_by"`
	DtypePolicy        core.DtypeConversionPolicy `yaml:"dtype_policy"`
	Materialization    materializationDoc         `yaml:"materialization"`
	WellFilter         []string                   `yaml:"well_filter"`
	WellFilterMode     core.WellFilterMode        `yaml:"well_filter_mode"`
}

func (d stepDoc) toStep() (core.Step, error) {
	fp, err := d.Func.toFunctionPattern()
	if err != nil {
		return core.Step{}, fmt.Errorf("pipelinedef: step %q: %w", d.Name, err)
	}
	uid := d.UID
	if uid == "" {
		uid = d.Name
	}
	return core.Step{
		Name:               d.Name,
		UID:                uid,
		Func:               fp,
		VariableComponents: d.VariableComponents,
		GroupBy:            d.GroupBy,
		DtypePolicy:        d.DtypePolicy,
		Materialization:    d.Materialization.toConfig(),
		WellFilter:         d.WellFilter,
		WellFilterMode:     d.WellFilterMode,
	}, nil
}

// pipelineConfigDoc captures the pipeline tier of the three-tier
// step → pipeline → global config hierarchy (§6): overrides that apply to
// every step in this pipeline unless a step sets its own.
type pipelineConfigDoc struct {
	VariableComponents []core.ComponentKind        `yaml:"variable_components"`
	GroupBy            *core.ComponentKind         `yaml:"group_by"`
	DtypePolicy        *core.DtypeConversionPolicy `yaml:"dtype_policy"`
}

func (d *pipelineConfigDoc) toConfig() *core.PipelineConfig {
	if d == nil {
		return nil
	}
	return &core.PipelineConfig{
		VariableComponents: d.VariableComponents,
		GroupBy:            d.GroupBy,
		DtypePolicy:        d.DtypePolicy,
	}
}

// document is the top-level YAML shape: a bare list of steps under `steps`,
// plus an optional `pipeline` section of pipeline-tier config overrides.
type document struct {
	Steps    []stepDoc          `yaml:"steps"`
	Pipeline *pipelineConfigDoc `yaml:"pipeline"`
}

// Load reads a pipeline definition from a YAML file and converts it into a
// core.Pipeline, failing if any step names a func pattern with no
// recognizable shape or if the resulting pipeline fails core.Pipeline.Validate.
func Load(path string) (*core.Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipelinedef: read %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("pipelinedef: parse %s: %w", path, err)
	}

	steps := make([]core.Step, len(doc.Steps))
	for i, sd := range doc.Steps {
		step, err := sd.toStep()
		if err != nil {
			return nil, err
		}
		steps[i] = step
	}

	pipeline := &core.Pipeline{Steps: steps, Config: doc.Pipeline.toConfig()}
	if err := pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("pipelinedef: %s: %w", path, err)
	}
	return pipeline, nil
}
