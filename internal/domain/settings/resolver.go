package settings

// Resolution is the outcome of resolving a path across source layers.
// Found is false when no layer defines the path; Layer is then empty.
type Resolution struct {
	Value any
	Layer Layer
	Found bool
}

// Resolve returns the value of path from the highest-precedence layer that
// defines it. An explicit nil in a higher layer masks lower layers; only
// absent keys fall through. Resolve does not modify layers and returns a deep
// copy of container values.
func Resolve(path Path, layers Layers) Resolution {
	for _, layer := range Precedence {
		tree, ok := layers[layer]
		if !ok || tree == nil {
			continue
		}
		if v, found := tree.Lookup(path); found {
			return Resolution{Value: cloneValue(v), Layer: layer, Found: true}
		}
	}
	return Resolution{}
}

// Compose builds the initial seed from the persisted and provided layers:
// deepMerge(default, env, remote, local). The working layer is not part of
// the seed.
func Compose(layers Layers) Tree {
	return DeepMerge(
		layers[LayerDefault],
		layers[LayerEnv],
		layers[LayerRemote],
		layers[LayerLocal],
	)
}
