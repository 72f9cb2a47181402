package telemetry_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/erp/backoffice/internal/infrastructure/config"
	"github.com/erp/backoffice/internal/infrastructure/logger"
	"github.com/erp/backoffice/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

type memoryLogExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memoryLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memoryLogExporter) Shutdown(context.Context) error   { return nil }
func (e *memoryLogExporter) ForceFlush(context.Context) error { return nil }

func (e *memoryLogExporter) all() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]sdklog.Record(nil), e.records...)
}

func TestNewLoggerProvider_Disabled(t *testing.T) {
	ctx := context.Background()
	lp, err := telemetry.NewLoggerProvider(ctx, config.TelemetryConfig{Enabled: true}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, lp.IsEnabled())
	assert.Nil(t, lp.ZapCore(zapcore.InfoLevel))
	assert.NoError(t, lp.ForceFlush(ctx))
	assert.NoError(t, lp.Shutdown(ctx))
}

func TestLoggerProvider_BridgesZapEntries(t *testing.T) {
	ctx := context.Background()
	previous := global.GetLoggerProvider()
	t.Cleanup(func() { global.SetLoggerProvider(previous) })

	exporter := &memoryLogExporter{}
	lp, err := telemetry.NewLoggerProvider(ctx, config.TelemetryConfig{
		LogsEnabled: true,
		ServiceName: "backoffice-test",
	}, zaptest.NewLogger(t), telemetry.WithLogExporter(exporter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })
	require.True(t, lp.IsEnabled())

	log, err := logger.New(&logger.Config{Level: "debug", Output: filepath.Join(t.TempDir(), "app.log")}, lp.ZapCore(zapcore.WarnLevel))
	require.NoError(t, err)

	log.Info("settings flushed", zap.Int("writes", 2))
	log.Warn("profile sync failed", zap.String("section", "preferences"), zap.String("apiKey", "k-123"))
	require.NoError(t, lp.ForceFlush(ctx))

	records := exporter.all()
	require.Len(t, records, 1, "entries below warn stay local")
	assert.Equal(t, "profile sync failed", records[0].Body().AsString())
	assert.Equal(t, otellog.SeverityWarn, records[0].Severity())

	attrs := map[string]string{}
	records[0].WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	assert.Equal(t, "preferences", attrs["section"])
	assert.Equal(t, logger.Redacted, attrs["apiKey"])
}
