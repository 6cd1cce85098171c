package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentValues_ValueFormatsEachKind(t *testing.T) {
	cv := ComponentValues{Well: "A01", Site: 2, Channel: 3, ZIndex: 4, Timepoint: 5}
	assert.Equal(t, "A01", cv.Value(ComponentWell))
	assert.Equal(t, "2", cv.Value(ComponentSite))
	assert.Equal(t, "3", cv.Value(ComponentChannel))
	assert.Equal(t, "4", cv.Value(ComponentZIndex))
	assert.Equal(t, "5", cv.Value(ComponentTimepoint))
	assert.Equal(t, "", cv.Value(ComponentNone))
}

func TestFunctionPattern_LeavesCoversEachKind(t *testing.T) {
	single := FunctionPattern{Kind: PatternSingle, Entry: FunctionEntry{FuncName: "f1"}}
	assert.Equal(t, []FunctionEntry{{FuncName: "f1"}}, single.Leaves())

	chain := FunctionPattern{Kind: PatternChain, Chain: []FunctionEntry{{FuncName: "f1"}, {FuncName: "f2"}}}
	assert.Len(t, chain.Leaves(), 2)

	dict := FunctionPattern{Kind: PatternDict, DictChains: map[string][]FunctionEntry{
		"1": {{FuncName: "f1"}},
		"2": {{FuncName: "f2"}, {FuncName: "f3"}},
	}}
	assert.Len(t, dict.Leaves(), 3)
}

func TestPipeline_ValidateRejectsEmptyUID(t *testing.T) {
	p := &Pipeline{Steps: []Step{{Name: "s1", UID: ""}}}
	require.Error(t, p.Validate())
}

func TestPipeline_ValidateRejectsDuplicateUID(t *testing.T) {
	p := &Pipeline{Steps: []Step{{Name: "a", UID: "dup"}, {Name: "b", UID: "dup"}}}
	require.Error(t, p.Validate())
}

func TestPipeline_ValidateAcceptsUniqueNonEmptyUIDs(t *testing.T) {
	p := &Pipeline{Steps: []Step{{Name: "a", UID: "s1"}, {Name: "b", UID: "s2"}}}
	assert.NoError(t, p.Validate())
}

func TestNewProcessingContext_PreallocatesOneStepPlanPerStep(t *testing.T) {
	steps := []Step{{Name: "s1", UID: "s1"}, {Name: "s2", UID: "s2"}}
	ctx := NewProcessingContext("A01", "/plate", nil, nil, steps)

	require.Len(t, ctx.StepPlans, 2)
	assert.Equal(t, "A01", ctx.StepPlans["s1"].WellID)
	assert.False(t, ctx.Frozen())
}

func TestProcessingContext_FreezeAlsoFreezesEveryStepPlan(t *testing.T) {
	steps := []Step{{Name: "s1", UID: "s1"}}
	ctx := NewProcessingContext("A01", "/plate", nil, nil, steps)

	ctx.Freeze()
	assert.True(t, ctx.Frozen())
	assert.True(t, ctx.StepPlans["s1"].Frozen())
}
