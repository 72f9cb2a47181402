// Package connection drives credential validation against the external
// integrations and records the outcome as connection status.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/domain/shared"
	"github.com/erp/backoffice/internal/infrastructure/clock"
	"github.com/erp/backoffice/internal/infrastructure/event"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("connection tester closed")

// Prober performs one credential validation against a live system. Failures
// should be *settings.ProbeError; anything else counts as a network failure.
type Prober interface {
	Probe(ctx context.Context, integration settings.Integration, cfg settings.IntegrationConfig) (settings.ProbeResult, error)
}

// Store is the part of the settings store the tester needs.
type Store interface {
	Snapshot() settings.Snapshot
	Subscribe(prefix settings.Path, handler event.Handler) event.Unsubscribe
	RecordStatus(ctx context.Context, channel string, status settings.ConnectionStatus, guard func() bool) (uint64, bool)
}

// RetryPolicy shapes the jittered exponential backoff between probes.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
	// NewTimer builds the timer of one attempt; nil uses a real timer.
	NewTimer func() backoff.Timer
}

// DefaultRetryPolicy waits 500 ms at first and at most 10 s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 500 * time.Millisecond, Max: 10 * time.Second}
}

type attempt struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Tester runs at most one probe per integration at a time. A new Start
// cancels the running attempt, and a cancelled attempt never records an
// outcome.
type Tester struct {
	store          Store
	prober         Prober
	clock          clock.Clock
	logger         *zap.Logger
	tracer         trace.Tracer
	meter          metric.Meter
	metrics        *testerMetrics
	retry          RetryPolicy
	defaultTimeout time.Duration

	mu          sync.Mutex
	attempts    map[settings.Integration]*attempt
	closed      bool
	wg          sync.WaitGroup
	unsubscribe event.Unsubscribe
}

// Option configures a Tester
type Option func(*Tester)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(t *Tester) { t.logger = l }
}

// WithClock sets the clock stamped on status records
func WithClock(c clock.Clock) Option {
	return func(t *Tester) { t.clock = c }
}

// WithRetryPolicy sets the backoff between probes
func WithRetryPolicy(p RetryPolicy) Option {
	return func(t *Tester) { t.retry = p }
}

// WithMeter records test outcomes on meter
func WithMeter(m metric.Meter) Option {
	return func(t *Tester) { t.meter = m }
}

// WithDefaultTimeout bounds attempts of integrations without a timeout
func WithDefaultTimeout(d time.Duration) Option {
	return func(t *Tester) {
		if d > 0 {
			t.defaultTimeout = d
		}
	}
}

// NewTester creates a tester and starts watching apiSettings edits.
func NewTester(store Store, prober Prober, opts ...Option) *Tester {
	t := &Tester{
		store:          store,
		prober:         prober,
		clock:          clock.New(),
		logger:         zap.NewNop(),
		tracer:         otel.Tracer("github.com/erp/backoffice/internal/application/connection"),
		retry:          DefaultRetryPolicy(),
		defaultTimeout: settings.DefaultProbeTimeout,
		attempts:       make(map[settings.Integration]*attempt),
	}
	for _, opt := range opts {
		opt(t)
	}
	def := DefaultRetryPolicy()
	if t.retry.Base <= 0 {
		t.retry.Base = def.Base
	}
	if t.retry.Max < t.retry.Base {
		t.retry.Max = def.Max
	}
	t.logger = t.logger.Named("tester")
	t.metrics = noopTesterMetrics()
	if t.meter != nil {
		m, err := newTesterMetrics(t.meter)
		if err != nil {
			t.logger.Warn("tester metrics unavailable", zap.Error(err))
		} else {
			t.metrics = m
		}
	}
	t.unsubscribe = store.Subscribe(settings.Path{settings.RootAPISettings}, t.onEdit)
	return t
}

// Start begins a test of integration and returns its attempt ID. Missing
// required fields are recorded as a validation error without probing.
func (t *Tester) Start(ctx context.Context, integration settings.Integration) (string, error) {
	if !integration.IsValid() {
		return "", shared.ErrUnknownIntegration
	}

	actx, cancel := context.WithCancel(context.Background())
	a := &attempt{id: uuid.NewString(), ctx: actx, cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	prev := t.attempts[integration]
	t.attempts[integration] = a
	t.wg.Add(1)
	t.mu.Unlock()

	if prev != nil {
		prev.cancel()
		t.logger.Info("connection test superseded",
			zap.String("integration", string(integration)),
			zap.String("attempt_id", prev.id),
		)
	}

	snap := t.store.Snapshot()
	cfg := settings.IntegrationConfigFrom(snap.Tree, integration)
	if !t.hasTimeout(snap.Tree, integration) {
		cfg.Timeout = t.defaultTimeout
	}
	last := settings.StatusFrom(snap.Tree, string(integration)).LastOutcome
	started := t.clock.Now()

	if perr := cfg.CheckRequired(); perr != nil {
		// the attempt is settled as it is recorded, so a Cancel arriving
		// afterwards finds nothing to cancel
		t.settle(ctx, integration, a, settings.ConnectionStatus{
			Phase:         settings.PhaseError,
			LastAttemptAt: started,
			LastOutcome:   settings.PhaseError,
			AttemptID:     a.id,
			Error:         &settings.StatusError{Kind: string(perr.Kind), Message: perr.Message},
		})
		t.metrics.finished(ctx, integration, string(perr.Kind), 0, 0)
		t.logger.Info("connection test rejected",
			zap.String("integration", string(integration)),
			zap.String("reason", perr.Message),
		)
		go t.finish(integration, a, prev)
		return a.id, nil
	}

	t.record(ctx, integration, a, settings.ConnectionStatus{
		Phase:         settings.PhaseTesting,
		LastAttemptAt: started,
		LastOutcome:   last,
		AttemptID:     a.id,
	})
	go t.run(integration, a, prev, cfg, started)
	return a.id, nil
}

// Cancel stops the running test of integration, if any. It is idempotent.
func (t *Tester) Cancel(ctx context.Context, integration settings.Integration) error {
	if !integration.IsValid() {
		return shared.ErrUnknownIntegration
	}
	t.mu.Lock()
	a := t.attempts[integration]
	if a != nil {
		delete(t.attempts, integration)
	}
	t.mu.Unlock()
	if a == nil {
		return nil
	}

	a.cancel()
	status := settings.StatusFrom(t.store.Snapshot().Tree, string(integration))
	t.store.RecordStatus(ctx, string(integration), settings.ConnectionStatus{
		Phase:         settings.PhaseIdle,
		LastAttemptAt: status.LastAttemptAt,
		LastOutcome:   status.LastOutcome,
		AttemptID:     a.id,
	}, func() bool { return t.current(integration) == nil })
	t.logger.Info("connection test cancelled",
		zap.String("integration", string(integration)),
		zap.String("attempt_id", a.id),
	)
	return nil
}

// Status returns connectionStatus.<integration>.
func (t *Tester) Status(integration settings.Integration) settings.ConnectionStatus {
	return settings.StatusFrom(t.store.Snapshot().Tree, string(integration))
}

// Close cancels every running test and waits for them to stop.
func (t *Tester) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for i, a := range t.attempts {
		a.cancel()
		delete(t.attempts, i)
	}
	t.mu.Unlock()

	t.wg.Wait()
	t.unsubscribe()
}

func (t *Tester) current(integration settings.Integration) *attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[integration]
}

// record writes status only while a is still the live attempt.
func (t *Tester) record(ctx context.Context, integration settings.Integration, a *attempt, status settings.ConnectionStatus) bool {
	_, ok := t.store.RecordStatus(ctx, string(integration), status, func() bool {
		return a.ctx.Err() == nil && t.current(integration) == a
	})
	return ok
}

// settle records a final status for a and retires it in the same step.
func (t *Tester) settle(ctx context.Context, integration settings.Integration, a *attempt, status settings.ConnectionStatus) bool {
	_, ok := t.store.RecordStatus(ctx, string(integration), status, func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		if a.ctx.Err() != nil || t.attempts[integration] != a {
			return false
		}
		delete(t.attempts, integration)
		return true
	})
	return ok
}

func (t *Tester) finish(integration settings.Integration, a *attempt, prev *attempt) {
	if prev != nil {
		<-prev.done
	}
	t.mu.Lock()
	if t.attempts[integration] == a {
		delete(t.attempts, integration)
	}
	t.mu.Unlock()
	a.cancel()
	close(a.done)
	t.wg.Done()
}

func (t *Tester) run(integration settings.Integration, a, prev *attempt, cfg settings.IntegrationConfig, started time.Time) {
	defer t.finish(integration, a, prev)

	// The previous probe must be gone before this one is issued.
	if prev != nil {
		select {
		case <-prev.done:
		case <-a.ctx.Done():
			return
		}
	}

	ctx, span := t.tracer.Start(a.ctx, "connection.test", trace.WithAttributes(
		attribute.String("integration", string(integration)),
		attribute.String("attempt_id", a.id),
		attribute.String("auth_mode", string(cfg.AuthMode)),
	))
	defer span.End()

	result, probes, err := t.probe(ctx, integration, cfg)
	span.SetAttributes(attribute.Int("probes", probes))

	if a.ctx.Err() != nil {
		t.metrics.finished(ctx, integration, ResultCancelled, probes, t.clock.Now().Sub(started))
		span.SetStatus(codes.Error, "cancelled")
		t.logger.Debug("cancelled attempt discarded",
			zap.String("integration", string(integration)),
			zap.String("attempt_id", a.id),
		)
		return
	}

	status := settings.ConnectionStatus{
		LastAttemptAt: started,
		AttemptID:     a.id,
	}
	if err != nil {
		perr := asProbeError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(perr.Kind))
		status.Phase = settings.PhaseError
		status.LastOutcome = settings.PhaseError
		status.Error = &settings.StatusError{Kind: string(perr.Kind), Message: perr.Message}
	} else {
		status.Phase = settings.PhaseSuccess
		status.LastOutcome = settings.PhaseSuccess
		status.Details = resultDetails(result, probes)
	}

	if !t.record(ctx, integration, a, status) {
		t.metrics.finished(ctx, integration, ResultCancelled, probes, t.clock.Now().Sub(started))
		return
	}
	outcome := string(status.Phase)
	if status.Error != nil {
		outcome = status.Error.Kind
	}
	t.metrics.finished(ctx, integration, outcome, probes, t.clock.Now().Sub(started))
	fields := []zap.Field{
		zap.String("integration", string(integration)),
		zap.String("attempt_id", a.id),
		zap.String("phase", string(status.Phase)),
		zap.Int("probes", probes),
	}
	if status.Error != nil {
		fields = append(fields, zap.String("kind", status.Error.Kind), zap.String("message", status.Error.Message))
		t.logger.Warn("connection test failed", fields...)
		return
	}
	t.logger.Info("connection test succeeded", fields...)
}

// probe runs the prober with per-attempt timeouts and retries retryable
// failures up to cfg.RetryAttempts times.
func (t *Tester) probe(ctx context.Context, integration settings.Integration, cfg settings.IntegrationConfig) (settings.ProbeResult, int, error) {
	var (
		result settings.ProbeResult
		probes int
	)
	op := func() error {
		probes++
		pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		r, err := t.prober.Probe(pctx, integration, cfg)
		if err == nil {
			result = r
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		perr := asProbeError(err)
		if errors.Is(pctx.Err(), context.DeadlineExceeded) && perr.Kind == settings.ProbeKindNetwork {
			perr = &settings.ProbeError{
				Kind:    settings.ProbeKindTimeout,
				Message: fmt.Sprintf("no answer within %s", cfg.Timeout),
				Err:     err,
			}
		}
		if !perr.Kind.Retryable() {
			return backoff.Permanent(perr)
		}
		return perr
	}
	notify := func(err error, wait time.Duration) {
		t.logger.Debug("probe failed, retrying",
			zap.String("integration", string(integration)),
			zap.Int("probe", probes),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	retries := cfg.RetryAttempts
	if retries < 0 {
		retries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.retry.Base
	b.MaxInterval = t.retry.Max
	b.MaxElapsedTime = 0
	b.Reset()

	var timer backoff.Timer
	if t.retry.NewTimer != nil {
		timer = t.retry.NewTimer()
	}
	err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx), notify, timer)
	return result, probes, err
}

// onEdit returns a settled status to idle when its integration is edited.
func (t *Tester) onEdit(ctx context.Context, change settings.Change) error {
	for _, i := range settings.Integrations {
		if !change.Touches(settings.Path{settings.RootAPISettings, string(i)}) {
			continue
		}
		status := settings.StatusFrom(change.Current.Tree, string(i))
		if status.Phase != settings.PhaseSuccess && status.Phase != settings.PhaseError {
			continue
		}
		t.store.RecordStatus(ctx, string(i), settings.ConnectionStatus{
			Phase:         settings.PhaseIdle,
			LastAttemptAt: status.LastAttemptAt,
			LastOutcome:   status.LastOutcome,
		}, func() bool { return t.current(i) == nil })
	}
	return nil
}

func (t *Tester) hasTimeout(tree settings.Tree, i settings.Integration) bool {
	v, ok := tree.Lookup(settings.Path{settings.RootAPISettings, string(i), "timeout"})
	n, isNum := v.(float64)
	return ok && isNum && n > 0
}

func asProbeError(err error) *settings.ProbeError {
	var perr *settings.ProbeError
	if errors.As(err, &perr) {
		return perr
	}
	kind := settings.ProbeKindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = settings.ProbeKindTimeout
	}
	return &settings.ProbeError{Kind: kind, Message: err.Error(), Err: err}
}

func resultDetails(r settings.ProbeResult, probes int) map[string]any {
	details := make(map[string]any, len(r.Details)+3)
	for k, v := range r.Details {
		details[k] = v
	}
	details["responseTimeMs"] = float64(r.ResponseTime.Milliseconds())
	details["probes"] = float64(probes)
	if r.Version != "" {
		details["version"] = r.Version
	}
	return details
}
