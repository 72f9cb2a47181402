// Package connector validates integration credentials against the live
// MDM, Magento and Cegid endpoints.
package connector

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/infrastructure/clock"
	"github.com/erp/backoffice/internal/infrastructure/event"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent applies until apiSettings.general.maxConcurrentRequests
// is observed.
const DefaultMaxConcurrent = 5

var maxConcurrentPath = settings.ParsePath("apiSettings.general.maxConcurrentRequests")

// Subscriber is the part of the settings store the pool observes.
type Subscriber interface {
	Snapshot() settings.Snapshot
	Subscribe(prefix settings.Path, handler event.Handler) event.Unsubscribe
}

type pooledClient struct {
	client  *resty.Client
	url     string
	timeout time.Duration
}

// Pool probes integrations with one cached HTTP client per integration and
// caps the number of probes in flight.
type Pool struct {
	logger    *zap.Logger
	clock     clock.Clock
	transport http.RoundTripper
	nonce     func() string

	mu      sync.Mutex
	clients map[settings.Integration]*pooledClient
	sem     *semaphore.Weighted
	limit   int64
}

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithClock sets the clock used for token expiry and OAuth timestamps
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithTransport replaces the HTTP transport of every client
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Pool) { p.transport = rt }
}

// WithLimit sets the initial concurrency cap
func WithLimit(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.limit = int64(n)
		}
	}
}

// NewPool creates a probe pool
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		logger:  zap.NewNop(),
		clock:   clock.New(),
		clients: make(map[settings.Integration]*pooledClient),
		limit:   DefaultMaxConcurrent,
		nonce:   func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("connector")
	p.sem = semaphore.NewWeighted(p.limit)
	return p
}

// Observe keeps the pool in line with apiSettings: clients of an edited
// integration are dropped and the concurrency cap follows
// maxConcurrentRequests. Probes already running keep their client.
func (p *Pool) Observe(store Subscriber) event.Unsubscribe {
	p.applyLimit(store.Snapshot().Tree)
	return store.Subscribe(settings.Path{settings.RootAPISettings}, func(_ context.Context, change settings.Change) error {
		for _, i := range settings.Integrations {
			if change.Touches(settings.Path{settings.RootAPISettings, string(i)}) {
				p.invalidate(i)
			}
		}
		if change.Touches(maxConcurrentPath) {
			p.applyLimit(change.Current.Tree)
		}
		return nil
	})
}

// Limit returns the current concurrency cap.
func (p *Pool) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.limit)
}

func (p *Pool) applyLimit(t settings.Tree) {
	v, ok := t.Lookup(maxConcurrentPath)
	n, isNum := v.(float64)
	if !ok || !isNum || n < 1 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if int64(n) == p.limit {
		return
	}
	p.limit = int64(n)
	p.sem = semaphore.NewWeighted(p.limit)
	p.logger.Info("probe concurrency changed", zap.Int64("limit", p.limit))
}

func (p *Pool) invalidate(i settings.Integration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clients[i]; ok {
		delete(p.clients, i)
		p.logger.Debug("client dropped", zap.String("integration", string(i)))
	}
}

// client returns the cached client for cfg, rebuilding it when the URL or
// timeout no longer match.
func (p *Pool) client(cfg settings.IntegrationConfig) *resty.Client {
	base := strings.TrimRight(cfg.URL, "/")
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.clients[cfg.Integration]; ok && pc.url == base && pc.timeout == cfg.Timeout {
		return pc.client
	}
	c := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "backoffice-connector/1.0")
	if p.transport != nil {
		c.SetTransport(p.transport)
	}
	p.clients[cfg.Integration] = &pooledClient{client: c, url: base, timeout: cfg.Timeout}
	return c
}

func (p *Pool) limiter() *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sem
}

// Probe validates cfg against the live service. Failures are *settings.ProbeError.
func (p *Pool) Probe(ctx context.Context, integration settings.Integration, cfg settings.IntegrationConfig) (settings.ProbeResult, error) {
	if perr := cfg.CheckRequired(); perr != nil {
		return settings.ProbeResult{}, perr
	}

	sem := p.limiter()
	if err := sem.Acquire(ctx, 1); err != nil {
		return settings.ProbeResult{}, transportError(ctx, integration, err)
	}
	defer sem.Release(1)

	client := p.client(cfg)
	start := p.clock.Now()

	var (
		result settings.ProbeResult
		err    error
	)
	switch integration {
	case settings.IntegrationMDM:
		result, err = p.probeMDM(ctx, client, cfg)
	case settings.IntegrationMagento:
		result, err = p.probeMagento(ctx, client, cfg)
	case settings.IntegrationCegid:
		result, err = p.probeCegid(ctx, client, cfg)
	default:
		return settings.ProbeResult{}, &settings.ProbeError{
			Kind:    settings.ProbeKindValidation,
			Message: "unknown integration " + string(integration),
		}
	}
	elapsed := p.clock.Now().Sub(start)

	if err != nil {
		p.logger.Debug("probe failed",
			zap.String("integration", string(integration)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return settings.ProbeResult{}, err
	}
	result.ResponseTime = elapsed
	p.logger.Debug("probe succeeded",
		zap.String("integration", string(integration)),
		zap.Duration("elapsed", elapsed),
		zap.String("version", result.Version),
	)
	return result, nil
}
