package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhcs/enginego/core"
	"github.com/openhcs/enginego/ohcserrors"
)

func file(well string, site, channel, z, t int) core.InputFile {
	return core.InputFile{
		Path: "dummy",
		Components: core.ComponentValues{
			Well: well, Site: site, Channel: channel, ZIndex: z, Timepoint: t,
		},
	}
}

func TestDiscover_GroupsByFixedHoldsVariable(t *testing.T) {
	files := []core.InputFile{
		file("A01", 1, 1, 1, 1),
		file("A01", 1, 1, 2, 1),
		file("A01", 1, 1, 3, 1),
		file("A01", 1, 2, 1, 1),
		file("A01", 1, 2, 2, 1),
		file("A01", 1, 2, 3, 1),
	}
	patterns, err := Discover(files, []core.ComponentKind{core.ComponentZIndex}, core.ComponentNone)
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	for _, p := range patterns {
		assert.Len(t, p.Files, 3)
	}
}

// Testable property 5: deterministic stacking order - files within a
// pattern come out sorted by variable-component tuple regardless of input
// order.
func TestDiscover_StackingOrderIsDeterministic(t *testing.T) {
	files := []core.InputFile{
		file("A01", 1, 1, 3, 1),
		file("A01", 1, 1, 1, 1),
		file("A01", 1, 1, 2, 1),
	}
	patterns, err := Discover(files, []core.ComponentKind{core.ComponentZIndex}, core.ComponentNone)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	got := []int{patterns[0].Files[0].Components.ZIndex, patterns[0].Files[1].Components.ZIndex, patterns[0].Files[2].Components.ZIndex}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestDiscover_DuplicateComponentTupleIsConfigurationError(t *testing.T) {
	files := []core.InputFile{
		file("A01", 1, 1, 1, 1),
		file("A01", 1, 1, 1, 1), // same well/channel/z/t, same variable key -> duplicate
	}
	_, err := Discover(files, []core.ComponentKind{core.ComponentZIndex}, core.ComponentNone)
	require.Error(t, err)
	assert.True(t, ohcserrors.IsKind(err, ohcserrors.KindConfiguration))
}

func TestDiscover_GroupByAssignsGroupKey(t *testing.T) {
	files := []core.InputFile{
		file("A01", 1, 1, 1, 1),
		file("A01", 2, 1, 1, 1),
	}
	patterns, err := Discover(files, []core.ComponentKind{core.ComponentSite}, core.ComponentChannel)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "1", patterns[0].GroupKey)
}

func TestPartitionByGroup(t *testing.T) {
	patterns := []core.Pattern{
		{PatternKey: "a", GroupKey: "dna"},
		{PatternKey: "b", GroupKey: "dna"},
		{PatternKey: "c", GroupKey: "actin"},
	}
	parts := PartitionByGroup(patterns)
	assert.Len(t, parts["dna"], 2)
	assert.Len(t, parts["actin"], 1)
}
