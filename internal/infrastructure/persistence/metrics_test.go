package persistence

import (
	"context"
	"testing"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/infrastructure/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// counts sums the int64 counter name per value of key.
func counts(t *testing.T, reader sdkmetric.Reader, name string, key attribute.Key) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not a counter", name)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(key)
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestPersister_FlushMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	kv := newRecordingKV()
	r := newRig(t, kv, WithMeter(provider.Meter("test")))
	ctx := context.Background()

	r.update(t, "preferences.theme", "dark")
	require.NoError(t, r.persister.SaveNow(ctx))
	require.NoError(t, r.persister.SaveNow(ctx), "clean store skips the flush")

	kv.fail.Store(true)
	r.update(t, "preferences.theme", "light")
	require.Error(t, r.persister.SaveNow(ctx))

	assert.Equal(t, map[string]int64{"ok": 1, "error": 1}, counts(t, reader, "settings.flushes", "result"))
}

func TestPersister_ProfileSyncMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	profile := &fakeProfile{
		failures: 2,
		failErr:  &settings.ProbeError{Kind: settings.ProbeKindServer, Message: "unavailable", StatusCode: 503},
	}
	r := newRig(t, NewMemoryKV(),
		WithMeter(provider.Meter("test")),
		WithProfileClient(profile, "u-42", RetryPolicy{Attempts: 2, Timer: clock.NewNoWaitTimer()}),
	)

	r.update(t, "preferences.theme", "dark")
	require.NoError(t, r.persister.SaveNow(context.Background()))
	r.persister.WaitRemote()

	// preferences fails twice and gives up, apiSettings goes through
	assert.Equal(t, map[string]int64{"server": 1, "ok": 1}, counts(t, reader, "settings.profile.syncs", "result"))
	assert.Equal(t, map[string]int64{settings.RootPreferences: 1}, counts(t, reader, "settings.profile.sync_retries", "section"))
}
