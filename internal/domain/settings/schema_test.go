package settings

import (
	"errors"
	"testing"
	"time"

	"github.com/erp/backoffice/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_Validate(t *testing.T) {
	schema := DefaultSchema()

	tests := []struct {
		name    string
		path    string
		value   any
		want    any
		wantErr error
	}{
		{name: "enum accepted", path: "preferences.theme", value: "dark", want: "dark"},
		{name: "enum rejected", path: "preferences.theme", value: "sepia", wantErr: ErrInvalidValue},
		{name: "integer normalized to float64", path: "preferences.performance.pageSize", value: 50, want: float64(50)},
		{name: "fractional integer rejected", path: "preferences.performance.pageSize", value: 2.5, wantErr: ErrTypeMismatch},
		{name: "below minimum rejected", path: "apiSettings.magento.timeout", value: -1, wantErr: ErrInvalidValue},
		{name: "bool type mismatch", path: "preferences.animations", value: "yes", wantErr: ErrTypeMismatch},
		{name: "unknown leaf", path: "preferences.wallpaper", value: "x", wantErr: ErrUnknownPath},
		{name: "unknown integration", path: "apiSettings.shopify.url", value: "x", wantErr: ErrUnknownPath},
		{name: "derived direction", path: "preferences.direction", value: "rtl", wantErr: ErrReadOnlyPath},
		{name: "connection status", path: "connectionStatus.mdm", value: map[string]any{}, wantErr: ErrReadOnlyPath},
		{name: "auth mode not offered by integration", path: "apiSettings.cegid.authMode", value: "oauth1", wantErr: ErrInvalidValue},
		{name: "string list from []string", path: "gridViews.orders.columnOrder", value: []string{"id", "total"}, want: []any{"id", "total"}},
		{
			name:  "record normalized through JSON",
			path:  "gridViews.orders.columnWidths",
			value: map[string]int{"id": 80},
			want:  map[string]any{"id": float64(80)},
		},
		{
			name:  "whole grid view",
			path:  "gridViews.orders",
			value: map[string]any{"viewMode": "table", "pageSize": 10},
			want:  map[string]any{"viewMode": "table", "pageSize": float64(10)},
		},
		{
			name:  "timestamp from string",
			path:  "apiSettings.mdm.obtainedAt",
			value: "2026-03-01T10:00:00+01:00",
			want:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		},
		{name: "nullable timestamp", path: "apiSettings.mdm.obtainedAt", value: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := schema.Validate(ParsePath(tt.path), tt.value)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, errors.Is(err, shared.ErrValidation))
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSchema_ValidateTree(t *testing.T) {
	schema := DefaultSchema()

	t.Run("defaults validate", func(t *testing.T) {
		out, err := schema.ValidateTree(Defaults())
		require.NoError(t, err)
		assert.True(t, out.Equal(Defaults()))
	})

	t.Run("unknown nested key is reported with its path", func(t *testing.T) {
		tree := Defaults().With(ParsePath("apiSettings.general.proxy"), "x")
		_, err := schema.ValidateTree(tree)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "apiSettings.general.proxy", verr.Path.String())
	})
}

func TestDirectionFor(t *testing.T) {
	tests := []struct {
		locale string
		want   string
	}{
		{"en-US", "ltr"},
		{"fr-FR", "ltr"},
		{"ar", "rtl"},
		{"ar-MA", "rtl"},
		{"he-IL", "rtl"},
		{"fa", "rtl"},
	}
	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			got, err := DirectionFor(tt.locale)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DirectionFor("not a locale!")
	assert.Error(t, err)
}

func TestWithDerived(t *testing.T) {
	tree := Defaults().With(ParsePath("preferences.locale"), "ar-EG")
	out := WithDerived(tree)
	dir, _ := out.Lookup(ParsePath("preferences.direction"))
	assert.Equal(t, "rtl", dir)

	unchanged := Defaults()
	assert.True(t, sameMap(unchanged, WithDerived(unchanged)))
}

func TestSchema_Canonical(t *testing.T) {
	schema := DefaultSchema()

	p, ok := schema.Canonical([]string{"apisettings", "magento", "authmode"})
	require.True(t, ok)
	assert.Equal(t, "apiSettings.magento.authMode", p.String())

	p, ok = schema.Canonical([]string{"gridviews", "orders", "pagesize"})
	require.True(t, ok)
	assert.Equal(t, "gridViews.orders.pageSize", p.String())

	_, ok = schema.Canonical([]string{"preferences", "performance"})
	assert.False(t, ok, "containers are not leaves")

	_, ok = schema.Canonical([]string{"apisettings", "shopify", "url"})
	assert.False(t, ok)
}

func TestSchema_Coerce(t *testing.T) {
	schema := DefaultSchema()

	tests := []struct {
		path string
		raw  any
		want any
	}{
		{"apiSettings.general.timeout", "45", float64(45)},
		{"apiSettings.general.logging", "true", true},
		{"apiSettings.mdm.endpoints", "products, customers", []any{"products", "customers"}},
		{"gridViews.orders.columnWidths", `{"id":80}`, map[string]any{"id": float64(80)}},
		{"apiSettings.magento.url", " https://shop.example.com ", "https://shop.example.com"},
		{"preferences.animations", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := schema.Coerce(ParsePath(tt.path), tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := schema.Coerce(ParsePath("apiSettings.general.timeout"), "soon")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}
