package schema

import (
	"fmt"

	"github.com/erp/backoffice/internal/domain/settings"
)

// localeUpgrader (v1 -> v2) renames preferences.language to preferences.locale
// and apiSettings.<integration>.apiUrl to url.
func localeUpgrader() Upgrader {
	return NewFuncUpgrader(1, func(t settings.Tree) (settings.Tree, error) {
		t = rename(t, settings.ParsePath("preferences.language"), settings.ParsePath("preferences.locale"))
		for _, i := range settings.Integrations {
			base := settings.Path{settings.RootAPISettings, string(i)}
			t = rename(t, base.Child("apiUrl"), base.Child("url"))
		}
		return t, nil
	})
}

// themeUpgrader (v2 -> v3) replaces the boolean preferences.darkMode with the
// preferences.theme enum and renames apiSettings.magento.authType to authMode.
func themeUpgrader() Upgrader {
	return NewFuncUpgrader(2, func(t settings.Tree) (settings.Tree, error) {
		darkMode := settings.ParsePath("preferences.darkMode")
		if v, ok := t.Lookup(darkMode); ok {
			theme := settings.ParsePath("preferences.theme")
			if _, set := t.Lookup(theme); !set {
				switch dark := v.(type) {
				case bool:
					if dark {
						t = t.With(theme, "dark")
					} else {
						t = t.With(theme, "light")
					}
				case nil:
				default:
					return nil, fmt.Errorf("preferences.darkMode: expected boolean, got %T", v)
				}
			}
			t = t.Without(darkMode)
		}

		magento := settings.Path{settings.RootAPISettings, string(settings.IntegrationMagento)}
		t = rename(t, magento.Child("authType"), magento.Child("authMode"))
		return t, nil
	})
}

// rename moves the value at from to to. An existing value at to wins; from is
// always removed.
func rename(t settings.Tree, from, to settings.Path) settings.Tree {
	v, ok := t.Lookup(from)
	if !ok {
		return t
	}
	if _, exists := t.Lookup(to); !exists {
		t = t.With(to, v)
	}
	return t.Without(from)
}
