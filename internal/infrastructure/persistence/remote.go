package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erp/backoffice/internal/domain/settings"
	"go.uber.org/zap"
)

// ProfileClient reaches the remote user profile service.
type ProfileClient interface {
	GetProfile(ctx context.Context, userID string) (settings.Tree, error)
	UpdateProfile(ctx context.Context, userID string, patch map[string]any, section string) error
}

// RetryPolicy bounds the exponential backoff of the remote lane.
type RetryPolicy struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
	// Timer overrides the backoff timer, e.g. clock.NoWaitTimer in tests.
	Timer backoff.Timer
}

// DefaultRetryPolicy retries with a 1 s base, a 30 s cap and up to 5 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Max: 30 * time.Second, Attempts: 5}
}

func (r RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.Base
	b.MaxInterval = r.Max
	b.MaxElapsedTime = 0
	b.Reset()
	retries := r.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// remoteLane sends changed sections to the profile service, one round at a
// time. Sections queued during a round are coalesced into the next one.
// Sections that exhaust their retries stay outstanding: they are sent again
// with the next round and keep connectionStatus.profile in error until they
// go through.
type remoteLane struct {
	client ProfileClient
	userID string
	policy RetryPolicy
	owner  *Persister

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]bool
	failed  map[string]*RemoteError
	running bool
	wg      sync.WaitGroup
}

func newRemoteLane(client ProfileClient, userID string, retry RetryPolicy) *remoteLane {
	def := DefaultRetryPolicy()
	if retry.Base <= 0 {
		retry.Base = def.Base
	}
	if retry.Max < retry.Base {
		retry.Max = def.Max
	}
	if retry.Attempts <= 0 {
		retry.Attempts = def.Attempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &remoteLane{
		client:  client,
		userID:  userID,
		policy:  retry,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]bool),
		failed:  make(map[string]*RemoteError),
	}
}

func (l *remoteLane) attach(p *Persister) {
	l.owner = p
}

func (l *remoteLane) enqueue(sections ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	for _, s := range sections {
		l.pending[s] = true
	}
	l.startLocked()
}

// retry starts a round for the outstanding sections and returns them.
func (l *remoteLane) retry() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil || len(l.failed) == 0 {
		return nil
	}
	out := l.outstandingLocked()
	for _, s := range out {
		l.pending[s] = true
	}
	l.startLocked()
	return out
}

func (l *remoteLane) startLocked() {
	if l.running {
		return
	}
	l.running = true
	l.wg.Add(1)
	go l.loop()
}

func (l *remoteLane) outstandingLocked() []string {
	var out []string
	for _, s := range settings.PersistedRoots {
		if l.failed[s] != nil {
			out = append(out, s)
		}
	}
	return out
}

// outstanding lists the sections whose last sync failed.
func (l *remoteLane) outstanding() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstandingLocked()
}

func (l *remoteLane) loop() {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(l.pending) == 0 || l.ctx.Err() != nil {
			l.running = false
			l.mu.Unlock()
			return
		}
		// previously failed sections ride along with every new round
		var sections []string
		for _, s := range settings.PersistedRoots {
			if l.pending[s] || l.failed[s] != nil {
				sections = append(sections, s)
			}
		}
		l.pending = make(map[string]bool)
		l.mu.Unlock()

		l.round(sections)
	}
}

// round syncs sections and records the outcome on connectionStatus.profile.
// The status is an error while any section is outstanding, including ones
// that failed in an earlier round.
func (l *remoteLane) round(sections []string) {
	p := l.owner
	started := p.clock.Now()
	p.store.RecordStatus(l.ctx, settings.ChannelProfile, settings.ConnectionStatus{
		Phase:         settings.PhaseTesting,
		LastAttemptAt: started,
	}, nil)

	results := make(map[string]*RemoteError, len(sections))
	for _, section := range sections {
		var rerr *RemoteError
		if err := l.sync(section); err != nil && !errors.As(err, &rerr) {
			rerr = &RemoteError{Section: section, Err: err}
		}
		results[section] = rerr
	}
	if l.ctx.Err() != nil {
		return
	}
	for _, section := range sections {
		p.metrics.synced(l.ctx, section, results[section])
	}

	l.mu.Lock()
	for section, rerr := range results {
		if rerr != nil {
			l.failed[section] = rerr
		} else {
			delete(l.failed, section)
		}
	}
	outstanding := l.outstandingLocked()
	var failure *RemoteError
	if len(outstanding) > 0 {
		failure = l.failed[outstanding[0]]
	}
	l.mu.Unlock()

	status := settings.ConnectionStatus{
		Phase:         settings.PhaseSuccess,
		LastAttemptAt: started,
		LastOutcome:   settings.PhaseSuccess,
		Details:       map[string]any{"sections": toAny(sections)},
	}
	if failure != nil {
		status.Phase = settings.PhaseError
		status.LastOutcome = settings.PhaseError
		status.Error = &settings.StatusError{Kind: string(statusKind(failure.Err)), Message: failure.Error()}
		status.Details["outstanding"] = toAny(outstanding)
	}
	p.store.RecordStatus(l.ctx, settings.ChannelProfile, status, nil)
}

func (l *remoteLane) sync(section string) error {
	p := l.owner
	patch, ok := p.section(section)
	if !ok {
		patch = map[string]any{}
	}

	attempts := 0
	op := func() error {
		attempts++
		err := l.client.UpdateProfile(l.ctx, l.userID, patch, section)
		var perr *settings.ProbeError
		if errors.As(err, &perr) && !perr.Kind.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.metrics.retried(l.ctx, section)
		p.logger.Warn("profile sync failed, retrying",
			zap.String("section", section),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotifyWithTimer(op, l.policy.backOff(l.ctx), notify, l.policy.Timer)
	if err != nil {
		rerr := &RemoteError{Section: section, Attempts: attempts, Err: err}
		p.logger.Error("profile sync failed", zap.String("section", section), zap.Error(rerr))
		return rerr
	}
	p.logger.Debug("profile section synced", zap.String("section", section), zap.Int("attempts", attempts))
	return nil
}

func (l *remoteLane) wait() {
	l.wg.Wait()
}

func (l *remoteLane) close() {
	l.cancel()
	l.wg.Wait()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
