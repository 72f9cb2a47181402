package event

import (
	"context"
	"testing"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/stretchr/testify/assert"
)

func noop(context.Context, settings.Change) error { return nil }

func TestSubscriberRegistry_MatchingByPrefix(t *testing.T) {
	registry := NewSubscriberRegistry()
	themeID := registry.Register(settings.ParsePath("preferences.theme"), noop)
	prefsID := registry.Register(settings.ParsePath("preferences"), noop)
	allID := registry.Register(nil, noop)
	apiID := registry.Register(settings.ParsePath("apiSettings.magento"), noop)

	ids := func(subs []*subscription) []uint64 {
		out := make([]uint64, 0, len(subs))
		for _, s := range subs {
			out = append(out, s.id)
		}
		return out
	}

	got := registry.matching([]settings.Path{settings.ParsePath("preferences.theme")})
	assert.Equal(t, []uint64{themeID, prefsID, allID}, ids(got))

	got = registry.matching([]settings.Path{settings.ParsePath("apiSettings")})
	assert.Equal(t, []uint64{allID, apiID}, ids(got), "a change to an ancestor reaches nested subscribers")

	got = registry.matching([]settings.Path{settings.ParsePath("gridViews.orders")})
	assert.Equal(t, []uint64{allID}, ids(got))
}

func TestSubscriberRegistry_Unregister(t *testing.T) {
	registry := NewSubscriberRegistry()
	id := registry.Register(settings.ParsePath("preferences"), noop)
	assert.Equal(t, 1, registry.Len())

	assert.True(t, registry.Unregister(id))
	assert.False(t, registry.Unregister(id))
	assert.Equal(t, 0, registry.Len())
}
