package settings

import (
	"fmt"

	"golang.org/x/text/language"
)

// Scripts written right to left.
var rtlScripts = map[string]bool{
	"Arab": true,
	"Hebr": true,
	"Thaa": true,
	"Syrc": true,
	"Nkoo": true,
	"Adlm": true,
	"Rohg": true,
	"Mand": true,
	"Samr": true,
}

// DirectionFor derives the text direction ("ltr" or "rtl") of a BCP 47 locale.
func DirectionFor(locale string) (string, error) {
	tag, err := language.Parse(locale)
	if err != nil {
		return "", fmt.Errorf("invalid locale %q: %w", locale, err)
	}
	script, _ := tag.Script()
	if rtlScripts[script.String()] {
		return "rtl", nil
	}
	return "ltr", nil
}

// WithDerived recomputes derived leaves (currently preferences.direction) and
// returns t unchanged when nothing needs updating.
func WithDerived(t Tree) Tree {
	v, ok := t.Lookup(Path{RootPreferences, "locale"})
	if !ok {
		return t
	}
	locale, _ := v.(string)
	dir, err := DirectionFor(locale)
	if err != nil {
		return t
	}
	dirPath := Path{RootPreferences, "direction"}
	if cur, ok := t.Lookup(dirPath); ok && cur == dir {
		return t
	}
	return t.With(dirPath, dir)
}
