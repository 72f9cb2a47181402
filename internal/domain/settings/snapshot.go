package settings

import "time"

// Snapshot is an immutable, versioned view of the settings tree. The tree
// must not be modified by holders of the snapshot.
type Snapshot struct {
	Version     uint64
	Tree        Tree
	CommittedAt time.Time
}

// Get returns a deep copy of the value at path.
func (s Snapshot) Get(path Path) (any, bool) {
	return s.Tree.Get(path)
}

// String returns the string leaf at path, or "".
func (s Snapshot) String(path Path) string {
	v, _ := s.Tree.Lookup(path)
	str, _ := v.(string)
	return str
}

// Change is delivered to observers once per committed version.
type Change struct {
	Previous Snapshot
	Current  Snapshot
	Paths    []Path
}

// Touches reports whether any changed path overlaps prefix.
func (c Change) Touches(prefix Path) bool {
	for _, p := range c.Paths {
		if p.Overlaps(prefix) {
			return true
		}
	}
	return false
}
