package connection

import (
	"context"
	"time"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/infrastructure/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ResultCancelled labels attempts that were cancelled or superseded.
const ResultCancelled = "cancelled"

type testerMetrics struct {
	tests    *telemetry.Counter
	requests *telemetry.Counter
	duration *telemetry.Histogram
}

func newTesterMetrics(meter metric.Meter) (*testerMetrics, error) {
	tests, err := telemetry.NewCounter(meter, "connection.tests", "Connection tests by integration and outcome", "{test}")
	if err != nil {
		return nil, err
	}
	requests, err := telemetry.NewCounter(meter, "connection.requests", "Credential checks sent to live systems", "{request}")
	if err != nil {
		return nil, err
	}
	duration, err := telemetry.NewDurationHistogram(meter, "connection.test.duration", "Time from start to outcome of a connection test")
	if err != nil {
		return nil, err
	}
	return &testerMetrics{tests: tests, requests: requests, duration: duration}, nil
}

func noopTesterMetrics() *testerMetrics {
	m, _ := newTesterMetrics(noop.Meter{})
	return m
}

// finished records one settled attempt. result is "success", an error kind
// or ResultCancelled.
func (m *testerMetrics) finished(ctx context.Context, integration settings.Integration, result string, sent int, took time.Duration) {
	attr := telemetry.AttrIntegration.String(string(integration))
	m.tests.Inc(ctx, attr, telemetry.AttrResult.String(result))
	if sent > 0 {
		m.requests.Add(ctx, int64(sent), attr)
	}
	m.duration.RecordDuration(ctx, took, attr)
}
