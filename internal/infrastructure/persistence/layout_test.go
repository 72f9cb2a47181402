package persistence

import (
	"testing"
	"time"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLayoutVersion(t *testing.T) {
	tests := []struct {
		key  string
		want int
		ok   bool
	}{
		{"settings/v3/preferences", 3, true},
		{"settings/v1/gridViews/orders", 1, true},
		{"settings/v12/meta", 12, true},
		{"settings/v0/meta", 0, false},
		{"settings/vx/meta", 0, false},
		{"settings/v3", 0, false},
		{"other/v3/meta", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			v, ok := parseLayoutVersion(tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestEncodeTree_ShardsGridViews(t *testing.T) {
	tree := settings.Defaults().
		With(settings.ParsePath("gridViews.orders.pageSize"), float64(50)).
		With(settings.ParsePath("gridViews.products.viewMode"), "cards").
		With(settings.ParsePath("connectionStatus.mdm"), map[string]any{"phase": "success"})

	entries, err := encodeTree(tree)
	require.NoError(t, err)

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"preferences", "apiSettings", "gridViews/orders", "gridViews/products"}, keys)
	assert.JSONEq(t, `{"pageSize":50}`, string(entries["gridViews/orders"]))
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	obtained := time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)
	tree := settings.Defaults().
		With(settings.ParsePath("apiSettings.mdm.obtainedAt"), obtained).
		With(settings.ParsePath("gridViews.orders.columnOrder"), []any{"id", "total"})

	entries, err := encodeTree(tree)
	require.NoError(t, err)
	decoded, err := decodeEntries(entries)
	require.NoError(t, err)

	normalized, err := settings.DefaultSchema().ValidateTree(decoded)
	require.NoError(t, err)
	assert.True(t, tree.Equal(normalized))
}

func TestDecodeEntries_IgnoresMetaAndUnknownKeys(t *testing.T) {
	decoded, err := decodeEntries(map[string][]byte{
		"meta":       []byte(`{"schemaVersion":3}`),
		"scratch":    []byte(`not json`),
		"gridViews/": []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, settings.Tree{"gridViews": map[string]any{}}, decoded)

	_, err = decodeEntries(map[string][]byte{"preferences": []byte(`{`)})
	assert.Error(t, err)
}
