package connection

import (
	"context"
	"testing"
	"time"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// outcomes reads connection.tests as integration/result -> count.
func outcomes(t *testing.T, reader sdkmetric.Reader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "connection.tests" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				integration, _ := dp.Attributes.Value("integration")
				result, _ := dp.Attributes.Value("result")
				out[integration.AsString()+"/"+result.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestTester_OutcomeMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	fake := newFakeProber(func(ctx context.Context, call int, cfg settings.IntegrationConfig) (settings.ProbeResult, error) {
		if call == 2 {
			return blockUntilCancelled(ctx, call, cfg)
		}
		return succeed(ctx, call, cfg)
	})
	r := newRig(t, fake, map[string]any{
		"apiSettings.mdm.url":          "https://mdm.example.com",
		"apiSettings.mdm.apiKey":       "k-1",
		"apiSettings.magento.url":      "https://shop.example.com",
		"apiSettings.magento.authMode": "oauth1",
	}, WithMeter(provider.Meter("test")))
	ctx := context.Background()

	_, err := r.tester.Start(ctx, settings.IntegrationMDM)
	require.NoError(t, err)
	r.waitSettled(t, settings.IntegrationMDM)
	<-r.prober.started

	_, err = r.tester.Start(ctx, settings.IntegrationMDM)
	require.NoError(t, err)
	<-r.prober.started
	require.NoError(t, r.tester.Cancel(ctx, settings.IntegrationMDM))

	_, err = r.tester.Start(ctx, settings.IntegrationMagento)
	require.NoError(t, err)

	want := map[string]int64{
		"mdm/success":        1,
		"mdm/cancelled":      1,
		"magento/validation": 1,
	}
	require.Eventually(t, func() bool {
		got := outcomes(t, reader)
		return assert.ObjectsAreEqual(want, got)
	}, 2*time.Second, 5*time.Millisecond)
}
