package config

import (
	"sort"
	"strings"

	"github.com/erp/backoffice/internal/domain/settings"
)

const defaultsEnvPrefix = EnvPrefix + "_DEFAULTS_"

// EnvLayer builds the env source layer from the [defaults] section and from
// BACKOFFICE_DEFAULTS_* variables in environ (environment entries win).
// Keys are matched against the schema case-insensitively; entries that do
// not name a known leaf or cannot be coerced are skipped and reported.
func (c *Config) EnvLayer(schema *settings.Schema, environ []string) (settings.Tree, []string) {
	type entry struct {
		keys  []string
		value any
	}
	var entries []entry
	flattenDefaults(nil, c.Defaults, func(keys []string, value any) {
		entries = append(entries, entry{keys: keys, value: value})
	})

	var fromEnv []entry
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, defaultsEnvPrefix) {
			continue
		}
		keys := strings.Split(strings.TrimPrefix(name, defaultsEnvPrefix), "_")
		fromEnv = append(fromEnv, entry{keys: keys, value: value})
	}
	sort.Slice(fromEnv, func(i, j int) bool {
		return strings.Join(fromEnv[i].keys, ".") < strings.Join(fromEnv[j].keys, ".")
	})
	entries = append(entries, fromEnv...)

	layer := settings.NewTree()
	var skipped []string
	for _, e := range entries {
		name := strings.Join(e.keys, ".")
		path, ok := schema.Canonical(e.keys)
		if !ok {
			skipped = append(skipped, name)
			continue
		}
		value, err := schema.Coerce(path, e.value)
		if err != nil {
			skipped = append(skipped, name)
			continue
		}
		normalized, err := schema.Validate(path, value)
		if err != nil {
			skipped = append(skipped, name)
			continue
		}
		layer = layer.With(path, normalized)
	}
	return layer, skipped
}

func flattenDefaults(prefix []string, m map[string]any, emit func([]string, any)) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := append(append([]string{}, prefix...), k)
		if child, ok := m[k].(map[string]any); ok {
			flattenDefaults(path, child, emit)
			continue
		}
		emit(path, m[k])
	}
}
