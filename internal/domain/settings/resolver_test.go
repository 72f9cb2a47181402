package settings

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_LayeredRead(t *testing.T) {
	layers := Layers{
		LayerDefault: Tree{"preferences": map[string]any{"theme": "system", "fontSize": "medium"}},
		LayerEnv:     Tree{},
		LayerRemote:  Tree{"preferences": map[string]any{"theme": "dark"}},
		LayerLocal:   Tree{"preferences": map[string]any{"fontSize": "large"}},
	}

	theme := Resolve(ParsePath("preferences.theme"), layers)
	assert.True(t, theme.Found)
	assert.Equal(t, "dark", theme.Value)
	assert.Equal(t, LayerRemote, theme.Layer)

	fontSize := Resolve(ParsePath("preferences.fontSize"), layers)
	assert.True(t, fontSize.Found)
	assert.Equal(t, "large", fontSize.Value)
	assert.Equal(t, LayerLocal, fontSize.Layer)

	missing := Resolve(ParsePath("preferences.density"), layers)
	assert.False(t, missing.Found)
	assert.Nil(t, missing.Value)
	assert.Equal(t, Layer(""), missing.Layer)
}

func TestResolve_ExplicitNullMasksLowerLayers(t *testing.T) {
	layers := Layers{
		LayerDefault: Tree{"apiSettings": map[string]any{"mdm": map[string]any{"obtainedAt": "x"}}},
		LayerLocal:   Tree{"apiSettings": map[string]any{"mdm": map[string]any{"obtainedAt": nil}}},
	}

	res := Resolve(ParsePath("apiSettings.mdm.obtainedAt"), layers)
	assert.True(t, res.Found)
	assert.Nil(t, res.Value)
	assert.Equal(t, LayerLocal, res.Layer)
}

func TestResolve_PrecedenceAcrossAllCombinations(t *testing.T) {
	path := ParsePath("preferences.density")
	// Every subset of layers defining the path must resolve to the highest one.
	for mask := 0; mask < 1<<len(Precedence); mask++ {
		layers := Layers{}
		var want Layer
		for i, layer := range Precedence {
			if mask&(1<<i) == 0 {
				layers[layer] = Tree{"preferences": map[string]any{"other": true}}
				continue
			}
			layers[layer] = Tree{"preferences": map[string]any{"density": string(layer)}}
			if want == "" {
				want = layer
			}
		}

		t.Run(fmt.Sprintf("mask_%05b", mask), func(t *testing.T) {
			res := Resolve(path, layers)
			if want == "" {
				assert.False(t, res.Found)
				return
			}
			require.True(t, res.Found)
			assert.Equal(t, want, res.Layer)
			assert.Equal(t, string(want), res.Value)
		})
	}
}

func TestResolve_DoesNotMutateLayers(t *testing.T) {
	local := Tree{"gridViews": map[string]any{"orders": map[string]any{"columnOrder": []any{"a", "b"}}}}
	layers := Layers{LayerLocal: local}

	res := Resolve(ParsePath("gridViews.orders"), layers)
	require.True(t, res.Found)
	res.Value.(map[string]any)["columnOrder"] = []any{"z"}

	v, _ := local.Lookup(ParsePath("gridViews.orders.columnOrder"))
	assert.Equal(t, []any{"a", "b"}, v)
}

func TestCompose_ArraysAreReplaced(t *testing.T) {
	layers := Layers{
		LayerDefault: Tree{"apiSettings": map[string]any{"mdm": map[string]any{"endpoints": []any{"a"}, "name": "MDM"}}},
		LayerRemote:  Tree{"apiSettings": map[string]any{"mdm": map[string]any{"endpoints": []any{"b", "c"}}}},
		LayerLocal:   Tree{"apiSettings": map[string]any{"mdm": map[string]any{"endpoints": []any{"b", "c"}}}},
	}

	seed := Compose(layers)

	endpoints, _ := seed.Lookup(ParsePath("apiSettings.mdm.endpoints"))
	assert.Equal(t, []any{"b", "c"}, endpoints)
	name, _ := seed.Lookup(ParsePath("apiSettings.mdm.name"))
	assert.Equal(t, "MDM", name)
}

func TestCompose_IgnoresWorkingLayer(t *testing.T) {
	seed := Compose(Layers{
		LayerDefault: Tree{"preferences": map[string]any{"theme": "system"}},
		LayerWorking: Tree{"preferences": map[string]any{"theme": "dark"}},
	})
	theme, _ := seed.Lookup(ParsePath("preferences.theme"))
	assert.Equal(t, "system", theme)
}
