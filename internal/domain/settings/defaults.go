package settings

import "sync"

// Enumerated preference values.
var (
	ThemeModes   = []string{"light", "dark", "system"}
	FontSizes    = []string{"small", "medium", "large", "x-large"}
	Densities    = []string{"compact", "standard", "comfortable"}
	Directions   = []string{"ltr", "rtl"}
	GridViewMode = []string{"table", "cards", "list"}
)

var (
	defaultSchemaOnce sync.Once
	defaultSchema     *Schema
)

// DefaultSchema returns the schema of the settings tree.
func DefaultSchema() *Schema {
	defaultSchemaOnce.Do(func() {
		defaultSchema = buildSchema()
	})
	return defaultSchema
}

func buildSchema() *Schema {
	s := &Schema{root: &schemaNode{}}
	str := Field{Kind: KindString}
	boolean := Field{Kind: KindBool}
	positive := Field{Kind: KindInteger, Min: 0, HasMin: true}
	enum := func(values ...string) Field {
		return Field{Kind: KindEnum, Values: values}
	}

	s.define("preferences.locale", str)
	s.define("preferences.direction", Field{Kind: KindEnum, Values: Directions, Derived: true})
	s.define("preferences.theme", enum(ThemeModes...))
	s.define("preferences.fontSize", enum(FontSizes...))
	s.define("preferences.density", enum(Densities...))
	s.define("preferences.colorPreset", str)
	s.define("preferences.animations", boolean)
	s.define("preferences.accessibility.highContrast", boolean)
	s.define("preferences.accessibility.reducedMotion", boolean)
	s.define("preferences.accessibility.screenReader", boolean)
	s.define("preferences.accessibility.keyboardNavigation", boolean)
	s.define("preferences.performance.pageSize", Field{Kind: KindInteger, Min: 1, HasMin: true})
	s.define("preferences.performance.refreshInterval", positive)
	s.define("preferences.performance.cacheEnabled", boolean)
	s.define("preferences.performance.virtualization", boolean)
	s.define("preferences.notifications.enabled", boolean)
	s.define("preferences.notifications.sound", boolean)
	s.define("preferences.notifications.desktop", boolean)
	s.define("preferences.notifications.email", boolean)
	s.define("preferences.security.sessionTimeout", positive)
	s.define("preferences.security.twoFactor", boolean)
	s.define("preferences.security.auditLog", boolean)

	s.define("apiSettings.general.backendUrl", str)
	s.define("apiSettings.general.timeout", positive)
	s.define("apiSettings.general.maxConcurrentRequests", Field{Kind: KindInteger, Min: 1, HasMin: true})
	s.define("apiSettings.general.logging", boolean)
	s.define("apiSettings.general.retryEnabled", boolean)

	for _, i := range Integrations {
		base := "apiSettings." + string(i) + "."
		s.define(base+"enabled", boolean)
		s.define(base+"name", str)
		s.define(base+"description", str)
		s.define(base+"url", str)
		s.define(base+"timeout", positive)
		s.define(base+"retryAttempts", positive)
		s.define(base+"version", str)
		modes := AuthModes(i)
		values := make([]string, len(modes))
		for n, m := range modes {
			values[n] = string(m)
		}
		s.define(base+"authMode", enum(values...))
		for _, f := range credentialFields {
			s.define(base+f, str)
		}
		s.define(base+"obtainedAt", Field{Kind: KindTimestamp, Nilable: true})
	}
	s.define("apiSettings.mdm.endpoints", Field{Kind: KindStringList})
	s.define("apiSettings.magento.storeCode", str)
	s.define("apiSettings.cegid.database", str)
	s.define("apiSettings.cegid.company", str)

	s.define("gridViews.*.viewMode", enum(GridViewMode...))
	s.define("gridViews.*.columnOrder", Field{Kind: KindStringList})
	s.define("gridViews.*.columnWidths", Field{Kind: KindObject})
	s.define("gridViews.*.columnVisibility", Field{Kind: KindObject})
	s.define("gridViews.*.sortModel", Field{Kind: KindList})
	s.define("gridViews.*.filterModel", Field{Kind: KindObject})
	s.define("gridViews.*.pageSize", Field{Kind: KindInteger, Min: 1, HasMin: true})

	s.define("connectionStatus.*", Field{Kind: KindObject})
	return s
}

// Defaults returns the default layer. Every call returns a fresh tree.
func Defaults() Tree {
	integration := func(name, description, version string, mode AuthMode) map[string]any {
		m := map[string]any{
			"enabled":       false,
			"name":          name,
			"description":   description,
			"url":           "",
			"timeout":       float64(30),
			"retryAttempts": float64(3),
			"version":       version,
			"authMode":      string(mode),
		}
		for _, f := range credentialFields {
			m[f] = ""
		}
		return m
	}
	mdm := integration("MDM", "Master data management", "v1", AuthAPIKey)
	mdm["endpoints"] = []any{}
	magento := integration("Magento", "E-commerce platform", "V1", AuthOAuth1)
	magento["storeCode"] = "default"
	cegid := integration("Cegid", "ERP (SOAP web services)", "1.0", AuthBasic)
	cegid["database"] = ""
	cegid["company"] = ""

	return Tree{
		RootPreferences: map[string]any{
			"locale":      "en-US",
			"direction":   "ltr",
			"theme":       "system",
			"fontSize":    "medium",
			"density":     "standard",
			"colorPreset": "default",
			"animations":  true,
			"accessibility": map[string]any{
				"highContrast":       false,
				"reducedMotion":      false,
				"screenReader":       false,
				"keyboardNavigation": true,
			},
			"performance": map[string]any{
				"pageSize":        float64(25),
				"refreshInterval": float64(30),
				"cacheEnabled":    true,
				"virtualization":  true,
			},
			"notifications": map[string]any{
				"enabled": true,
				"sound":   false,
				"desktop": false,
				"email":   false,
			},
			"security": map[string]any{
				"sessionTimeout": float64(30),
				"twoFactor":      false,
				"auditLog":       true,
			},
		},
		RootAPISettings: map[string]any{
			"general": map[string]any{
				"backendUrl":            "http://localhost:8000",
				"timeout":               float64(30),
				"maxConcurrentRequests": float64(5),
				"logging":               false,
				"retryEnabled":          true,
			},
			string(IntegrationMDM):     mdm,
			string(IntegrationMagento): magento,
			string(IntegrationCegid):   cegid,
		},
		RootGridViews: map[string]any{},
	}
}

// Scope selects the sub-trees restored by a reset.
type Scope string

const (
	ScopePreferences Scope = "preferences"
	ScopeAPISettings Scope = "apiSettings"
	ScopeGridViews   Scope = "gridViews"
	ScopeAll         Scope = "all"
)

// Roots returns the top-level keys covered by the scope.
func (s Scope) Roots() ([]string, bool) {
	switch s {
	case ScopePreferences:
		return []string{RootPreferences}, true
	case ScopeAPISettings:
		return []string{RootAPISettings}, true
	case ScopeGridViews:
		return []string{RootGridViews}, true
	case ScopeAll:
		return []string{RootPreferences, RootAPISettings, RootGridViews}, true
	}
	return nil, false
}

// PersistedRoots are the sub-trees that are exported and persisted.
var PersistedRoots = []string{RootPreferences, RootAPISettings, RootGridViews}
