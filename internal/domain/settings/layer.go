package settings

// Layer identifies the origin of a settings value.
type Layer string

const (
	LayerDefault Layer = "default"
	LayerEnv     Layer = "env"
	LayerRemote  Layer = "remote"
	LayerLocal   Layer = "local"
	LayerWorking Layer = "working"
)

// Precedence lists the layers from highest to lowest priority for reads.
var Precedence = []Layer{LayerWorking, LayerLocal, LayerRemote, LayerEnv, LayerDefault}

// IsValid reports whether l is one of the known layers.
func (l Layer) IsValid() bool {
	for _, known := range Precedence {
		if l == known {
			return true
		}
	}
	return false
}

// Layers maps each source layer to a partial tree. Missing layers are treated as empty.
type Layers map[Layer]Tree
