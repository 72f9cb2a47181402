package persistence

import (
	"context"
	"time"

	"github.com/erp/backoffice/internal/infrastructure/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// persisterMetrics counts local flushes and profile syncs.
type persisterMetrics struct {
	flushes       *telemetry.Counter
	flushDuration *telemetry.Histogram
	syncs         *telemetry.Counter
	syncRetries   *telemetry.Counter
}

func newPersisterMetrics(meter metric.Meter) (*persisterMetrics, error) {
	flushes, err := telemetry.NewCounter(meter, "settings.flushes", "Local settings flushes by result", "{flush}")
	if err != nil {
		return nil, err
	}
	duration, err := telemetry.NewDurationHistogram(meter, "settings.flush.duration", "Time spent writing settings to the local backend")
	if err != nil {
		return nil, err
	}
	syncs, err := telemetry.NewCounter(meter, "settings.profile.syncs", "Profile section syncs by section and result", "{sync}")
	if err != nil {
		return nil, err
	}
	retries, err := telemetry.NewCounter(meter, "settings.profile.sync_retries", "Profile sync attempts that were retried", "{retry}")
	if err != nil {
		return nil, err
	}
	return &persisterMetrics{flushes: flushes, flushDuration: duration, syncs: syncs, syncRetries: retries}, nil
}

func noopPersisterMetrics() *persisterMetrics {
	m, _ := newPersisterMetrics(noop.Meter{})
	return m
}

func (m *persisterMetrics) flushed(ctx context.Context, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.flushes.Inc(ctx, telemetry.AttrResult.String(result))
	m.flushDuration.RecordDuration(ctx, took, telemetry.AttrResult.String(result))
}

func (m *persisterMetrics) synced(ctx context.Context, section string, err *RemoteError) {
	result := "ok"
	if err != nil {
		result = string(statusKind(err.Err))
	}
	m.syncs.Inc(ctx, telemetry.AttrSection.String(section), telemetry.AttrResult.String(result))
}

func (m *persisterMetrics) retried(ctx context.Context, section string) {
	m.syncRetries.Inc(ctx, telemetry.AttrSection.String(section))
}
