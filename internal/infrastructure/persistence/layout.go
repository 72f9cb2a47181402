package persistence

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/erp/backoffice/internal/domain/settings"
)

const (
	layoutRoot = "settings"
	metaKey    = "meta"
	gridSep    = "/"
)

// meta is stored at settings/v<schema>/meta.
type meta struct {
	SchemaVersion int       `json:"schemaVersion"`
	LastSavedAt   time.Time `json:"lastSavedAt"`
}

// LayoutPrefix returns the key prefix of the given schema version's layout.
func LayoutPrefix(version int) string {
	return fmt.Sprintf("%s/v%d/", layoutRoot, version)
}

// parseLayoutVersion extracts <n> from a settings/v<n>/... key.
func parseLayoutVersion(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, layoutRoot+"/v")
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(num)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// encodeTree splits the persisted part of t into layout entries keyed
// relative to the layout prefix. Grid views get one key each.
func encodeTree(t settings.Tree) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, root := range []string{settings.RootPreferences, settings.RootAPISettings} {
		v, ok := t.Lookup(settings.Path{root})
		if !ok {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", root, err)
		}
		out[root] = data
	}

	grids, _ := t.Lookup(settings.Path{settings.RootGridViews})
	if m, ok := grids.(map[string]any); ok {
		for name, view := range m {
			data, err := json.Marshal(view)
			if err != nil {
				return nil, fmt.Errorf("encode grid view %s: %w", name, err)
			}
			out[settings.RootGridViews+gridSep+name] = data
		}
	}
	return out, nil
}

// decodeEntries rebuilds a tree from layout entries keyed relative to the
// layout prefix. The meta entry and unknown keys are ignored. gridViews is
// always present, possibly empty.
func decodeEntries(entries map[string][]byte) (settings.Tree, error) {
	t := settings.NewTree().With(settings.Path{settings.RootGridViews}, map[string]any{})
	for key, data := range entries {
		var path settings.Path
		switch {
		case key == settings.RootPreferences || key == settings.RootAPISettings:
			path = settings.Path{key}
		case strings.HasPrefix(key, settings.RootGridViews+gridSep):
			name := strings.TrimPrefix(key, settings.RootGridViews+gridSep)
			if name == "" {
				continue
			}
			path = settings.Path{settings.RootGridViews, name}
		default:
			continue
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		t = t.With(path, v)
	}
	return t, nil
}
