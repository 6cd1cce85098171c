package pipelinedef

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhcs/enginego/core"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_SingleFunctionStep(t *testing.T) {
	path := writeYAML(t, `
steps:
  - name: illumination_correct
    func:
      single:
        func: illumination_correct
        params:
          sigma: 1.5
    variable_components: [site]
`)
	pipeline, err := Load(path)
	require.NoError(t, err)
	require.Len(t, pipeline.Steps, 1)

	step := pipeline.Steps[0]
	assert.Equal(t, "illumination_correct", step.Name)
	assert.Equal(t, "illumination_correct", step.UID, "uid defaults to name when omitted")
	assert.Equal(t, core.PatternSingle, step.Func.Kind)
	assert.Equal(t, "illumination_correct", step.Func.Entry.FuncName)
	assert.Equal(t, 1.5, step.Func.Entry.Params["sigma"])
	assert.Equal(t, []core.ComponentKind{core.ComponentSite}, step.VariableComponents)
}

func TestLoad_ChainStep(t *testing.T) {
	path := writeYAML(t, `
steps:
  - name: preprocess
    func:
      chain:
        - func: denoise
        - func: normalize
`)
	pipeline, err := Load(path)
	require.NoError(t, err)
	step := pipeline.Steps[0]
	assert.Equal(t, core.PatternChain, step.Func.Kind)
	require.Len(t, step.Func.Chain, 2)
	assert.Equal(t, "denoise", step.Func.Chain[0].FuncName)
	assert.Equal(t, "normalize", step.Func.Chain[1].FuncName)
}

func TestLoad_DictStepCarriesGroupBy(t *testing.T) {
	path := writeYAML(t, `
steps:
  - name: per_channel
    group_by: channel
    func:
      group_by: channel
      dict:
        "1":
          - func: segment_nuclei
        "2":
          - func: segment_cytoplasm
`)
	pipeline, err := Load(path)
	require.NoError(t, err)
	step := pipeline.Steps[0]
	assert.Equal(t, core.PatternDict, step.Func.Kind)
	assert.Equal(t, core.ComponentChannel, step.Func.GroupBy)
	assert.Len(t, step.Func.DictChains["1"], 1)
	assert.Len(t, step.Func.DictChains["2"], 1)
}

func TestLoad_MaterializationOverride(t *testing.T) {
	path := writeYAML(t, `
steps:
  - name: segment
    func:
      single:
        func: segment_nuclei
    materialization:
      enabled: true
      force_disk_output: true
      subdir: masks
`)
	pipeline, err := Load(path)
	require.NoError(t, err)
	step := pipeline.Steps[0]
	assert.True(t, step.Materialization.Enabled)
	assert.True(t, step.Materialization.ForceDiskOutput)
	assert.Equal(t, "masks", step.Materialization.Subdir)
}

func TestLoad_StepWithNoFuncShapeIsError(t *testing.T) {
	path := writeYAML(t, `
steps:
  - name: empty_step
    func: {}
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_DuplicateUIDsFailValidation(t *testing.T) {
	path := writeYAML(t, `
steps:
  - name: a
    uid: dup
    func:
      single: {func: f1}
  - name: b
    uid: dup
    func:
      single: {func: f2}
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_PipelineConfigSectionPopulatesConfig(t *testing.T) {
	path := writeYAML(t, `
pipeline:
  variable_components: [site]
  group_by: channel
  dtype_policy: preserve_input
steps:
  - name: blur
    func:
      single:
        func: gaussian_blur
`)
	pipeline, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, pipeline.Config)
	assert.Equal(t, []core.ComponentKind{core.ComponentSite}, pipeline.Config.VariableComponents)
	require.NotNil(t, pipeline.Config.GroupBy)
	assert.Equal(t, core.ComponentChannel, *pipeline.Config.GroupBy)
	require.NotNil(t, pipeline.Config.DtypePolicy)
	assert.Equal(t, core.DtypePreserveInput, *pipeline.Config.DtypePolicy)
}

func TestLoad_NoPipelineSectionLeavesConfigNil(t *testing.T) {
	path := writeYAML(t, `
steps:
  - name: blur
    func:
      single:
        func: gaussian_blur
`)
	pipeline, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, pipeline.Config)
}
