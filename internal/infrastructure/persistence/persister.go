// Package persistence owns the durable copy of the settings tree: the local
// key-value backends, the debounced flusher and the remote profile lane.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/infrastructure/clock"
	"github.com/erp/backoffice/internal/infrastructure/event"
	"github.com/erp/backoffice/internal/infrastructure/persistence/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period before a scheduled flush runs.
const DefaultDebounce = 500 * time.Millisecond

// Store is the part of the settings store the Persister drives.
type Store interface {
	Snapshot() settings.Snapshot
	PersistedVersion() uint64
	MarkClean(version uint64)
	Restore(ctx context.Context, base, failed settings.Tree) (uint64, error)
	RecordStatus(ctx context.Context, channel string, status settings.ConnectionStatus, guard func() bool) (uint64, bool)
	Subscribe(prefix settings.Path, handler event.Handler) event.Unsubscribe
}

// Persister writes store snapshots to a LocalKV and mirrors them to the
// remote profile service.
//
// At most one local flush runs at a time. A flush requested while another is
// running sets a pending flag and the running flush goes round again, so the
// backend converges to the latest snapshot.
type Persister struct {
	store    Store
	kv       LocalKV
	schema   *settings.Schema
	chain    *schema.Chain
	clock    clock.Clock
	debounce time.Duration
	logger   *zap.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	metrics  *persisterMetrics
	prefix   string
	remote   *remoteLane

	flushMu   sync.Mutex
	saved     map[string][]byte
	savedTree settings.Tree
	// stale is set when the backend holds keys that a rolled-back flush
	// wrote and could not restore. The next flush runs even if the store
	// is clean.
	stale bool

	mu           sync.Mutex
	timer        clock.Timer
	flushing     bool
	pending      bool
	closed       bool
	migratedFrom int
	unsubscribe  event.Unsubscribe
}

// Option configures a Persister
type Option func(*Persister)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Persister) {
		p.logger = logger
	}
}

// WithClock sets the clock driving the debounce timer
func WithClock(c clock.Clock) Option {
	return func(p *Persister) {
		p.clock = c
	}
}

// WithDebounce sets the quiet period before a flush
func WithDebounce(d time.Duration) Option {
	return func(p *Persister) {
		if d > 0 {
			p.debounce = d
		}
	}
}

// WithSchema replaces the settings schema used to validate loaded data
func WithSchema(s *settings.Schema) Option {
	return func(p *Persister) {
		p.schema = s
	}
}

// WithMigrations replaces the schema migration chain
func WithMigrations(c *schema.Chain) Option {
	return func(p *Persister) {
		p.chain = c
	}
}

// WithMeter records flush and profile sync metrics on meter
func WithMeter(meter metric.Meter) Option {
	return func(p *Persister) {
		p.meter = meter
	}
}

// WithProfileClient enables the remote lane for userID
func WithProfileClient(client ProfileClient, userID string, retry RetryPolicy) Option {
	return func(p *Persister) {
		p.remote = newRemoteLane(client, userID, retry)
	}
}

// NewPersister creates a persister for store over kv.
func NewPersister(store Store, kv LocalKV, opts ...Option) *Persister {
	p := &Persister{
		store:     store,
		kv:        kv,
		schema:    settings.DefaultSchema(),
		chain:     schema.Default(),
		clock:     clock.New(),
		debounce:  DefaultDebounce,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("github.com/erp/backoffice/internal/infrastructure/persistence"),
		saved:     make(map[string][]byte),
		savedTree: settings.NewTree(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("persistence")
	p.prefix = LayoutPrefix(p.chain.Current())
	p.metrics = noopPersisterMetrics()
	if p.meter != nil {
		m, err := newPersisterMetrics(p.meter)
		if err != nil {
			p.logger.Warn("persistence metrics unavailable", zap.Error(err))
		} else {
			p.metrics = m
		}
	}
	if p.remote != nil {
		p.remote.attach(p)
	}
	return p
}

// Load reads the local layer. The current layout is preferred; when only an
// older layout exists it is upgraded through the migration chain and
// rewritten at the current layout by Start. Sections that fail validation
// are dropped with a warning.
func (p *Persister) Load(ctx context.Context) (settings.Tree, error) {
	ctx, span := p.tracer.Start(ctx, "settings.load")
	defer span.End()

	keys, err := p.kv.Keys(ctx, layoutRoot+"/v")
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &LocalError{Op: "load", Err: err}
	}
	byVersion := make(map[int][]string)
	for _, key := range keys {
		if v, ok := parseLayoutVersion(key); ok {
			byVersion[v] = append(byVersion[v], key)
		}
	}

	current := p.chain.Current()
	for v := range byVersion {
		if v > current {
			p.logger.Warn("ignoring settings written by a newer schema", zap.Int("schema_version", v))
		}
	}
	for v := current; v >= 1; v-- {
		if len(byVersion[v]) == 0 {
			continue
		}
		entries, err := p.readLayout(ctx, v, byVersion[v])
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		tree, err := decodeEntries(entries)
		if err != nil {
			return nil, &LocalError{Op: "load", Key: LayoutPrefix(v), Err: err}
		}
		if v < current {
			tree, err = p.chain.Upgrade(tree, v)
			if err != nil {
				return nil, err
			}
			p.logger.Info("settings migrated", zap.Int("from", v), zap.Int("to", current))
		}

		p.flushMu.Lock()
		if v == current {
			p.saved = entries
		}
		p.flushMu.Unlock()
		p.mu.Lock()
		if v < current {
			p.migratedFrom = v
		}
		p.mu.Unlock()

		span.SetAttributes(attribute.Int("settings.schema_version", v), attribute.Int("settings.keys", len(entries)))
		return p.sanitize(tree, "local"), nil
	}
	return settings.NewTree(), nil
}

func (p *Persister) readLayout(ctx context.Context, version int, keys []string) (map[string][]byte, error) {
	prefix := LayoutPrefix(version)
	entries := make(map[string][]byte, len(keys))
	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		if rel == metaKey {
			continue
		}
		data, ok, err := p.kv.Get(ctx, key)
		if err != nil {
			return nil, &LocalError{Op: "read", Key: key, Err: err}
		}
		if ok {
			entries[rel] = data
		}
	}
	return entries, nil
}

// LoadRemote fetches the remote layer from the profile service. Without a
// profile client the layer is empty.
func (p *Persister) LoadRemote(ctx context.Context) (settings.Tree, error) {
	if p.remote == nil {
		return settings.NewTree(), nil
	}
	tree, err := p.remote.client.GetProfile(ctx, p.remote.userID)
	if err != nil {
		return settings.NewTree(), &RemoteError{Section: "profile", Attempts: 1, Err: err}
	}
	return p.sanitize(tree, "remote"), nil
}

// Layers assembles the seed layers: built-in defaults, env, remote and local.
// A remote failure is logged and leaves the remote layer empty.
func (p *Persister) Layers(ctx context.Context, env settings.Tree) (settings.Layers, error) {
	local, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := p.LoadRemote(ctx)
	if err != nil {
		p.logger.Warn("remote profile unavailable, continuing without it", zap.Error(err))
	}
	if env == nil {
		env = settings.NewTree()
	}
	return settings.Layers{
		settings.LayerDefault: settings.Defaults(),
		settings.LayerEnv:     env,
		settings.LayerRemote:  remote,
		settings.LayerLocal:   local,
	}, nil
}

// sanitize keeps the persisted roots of t that validate, grid by grid.
func (p *Persister) sanitize(t settings.Tree, source string) settings.Tree {
	out := settings.NewTree()
	keep := func(path settings.Path, v any) {
		normalized, err := p.schema.ValidateTree(settings.NewTree().With(path, v))
		if err != nil {
			p.logger.Warn("dropping invalid stored settings",
				zap.String("source", source),
				zap.String("path", path.String()),
				zap.Error(err),
			)
			return
		}
		nv, _ := normalized.Lookup(path)
		out = out.With(path, nv)
	}
	for _, root := range []string{settings.RootPreferences, settings.RootAPISettings} {
		if v, ok := t.Lookup(settings.Path{root}); ok {
			keep(settings.Path{root}, v)
		}
	}
	if grids, ok := t.Lookup(settings.Path{settings.RootGridViews}); ok {
		m, isMap := grids.(map[string]any)
		if !isMap {
			p.logger.Warn("dropping invalid stored settings", zap.String("source", source), zap.String("path", settings.RootGridViews))
			return out
		}
		out = out.With(settings.Path{settings.RootGridViews}, map[string]any{})
		for name, view := range m {
			keep(settings.Path{settings.RootGridViews, name}, view)
		}
	}
	return out
}

// Start subscribes to store changes. It must be called after the store has
// been seeded. Settings loaded from an older layout are rewritten at once.
func (p *Persister) Start(ctx context.Context) error {
	p.flushMu.Lock()
	p.savedTree = persistedRoots(p.store.Snapshot().Tree)
	p.flushMu.Unlock()

	p.mu.Lock()
	p.unsubscribe = p.store.Subscribe(settings.Path{}, func(_ context.Context, c settings.Change) error {
		if touchesPersisted(c) {
			p.schedule()
		}
		return nil
	})
	migratedFrom := p.migratedFrom
	p.mu.Unlock()

	if migratedFrom == 0 {
		return nil
	}
	if err := p.flushOnce(ctx, true); err != nil {
		return err
	}
	return p.removeLayout(ctx, migratedFrom)
}

func (p *Persister) removeLayout(ctx context.Context, version int) error {
	keys, err := p.kv.Keys(ctx, LayoutPrefix(version))
	if err != nil {
		return &LocalError{Op: "list", Key: LayoutPrefix(version), Err: err}
	}
	for _, key := range keys {
		if err := p.kv.Remove(ctx, key); err != nil {
			return &LocalError{Op: "remove", Key: key, Err: err}
		}
	}
	p.mu.Lock()
	p.migratedFrom = 0
	p.mu.Unlock()
	p.logger.Info("old settings layout removed", zap.Int("schema_version", version), zap.Int("keys", len(keys)))
	return nil
}

func touchesPersisted(c settings.Change) bool {
	for _, root := range settings.PersistedRoots {
		if c.Touches(settings.Path{root}) {
			return true
		}
	}
	return false
}

// schedule (re)arms the debounce timer.
func (p *Persister) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = p.clock.AfterFunc(p.debounce, p.onTimer)
}

func (p *Persister) onTimer() {
	p.mu.Lock()
	p.timer = nil
	if p.flushing {
		p.pending = true
		p.mu.Unlock()
		return
	}
	p.flushing = true
	p.mu.Unlock()

	ctx := context.Background()
	for {
		if err := p.flushOnce(ctx, false); err != nil {
			p.logger.Error("settings flush failed", zap.Error(err))
		}
		p.mu.Lock()
		if !p.pending {
			p.flushing = false
			p.mu.Unlock()
			return
		}
		p.pending = false
		p.mu.Unlock()
	}
}

// SaveNow flushes the current snapshot immediately, bypassing the debounce.
// It waits for an in-flight flush to finish first.
func (p *Persister) SaveNow(ctx context.Context) error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.flushOnce(ctx, false)
}

// flushOnce writes the keys of the current snapshot that differ from what
// was last written. On failure the unsaved edits are rolled back in the store.
func (p *Persister) flushOnce(ctx context.Context, force bool) (err error) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	snap := p.store.Snapshot()
	if !force && !p.stale && snap.Version <= p.store.PersistedVersion() {
		return nil
	}
	started := p.clock.Now()
	defer func() { p.metrics.flushed(ctx, p.clock.Now().Sub(started), err) }()

	ctx, span := p.tracer.Start(ctx, "settings.flush", trace.WithAttributes(
		attribute.Int64("settings.version", int64(snap.Version)),
	))
	defer span.End()

	entries, err := encodeTree(snap.Tree)
	if err != nil {
		return p.failFlush(ctx, span, snap, nil, &LocalError{Op: "encode", Err: err})
	}

	var writes, removes []string
	for key, data := range entries {
		if old, ok := p.saved[key]; !ok || string(old) != string(data) {
			writes = append(writes, key)
		}
	}
	for key := range p.saved {
		if _, ok := entries[key]; !ok {
			removes = append(removes, key)
		}
	}
	sort.Strings(writes)
	sort.Strings(removes)

	// undo holds the pre-flush value of every key this flush has touched.
	undo := make(map[string][]byte)
	for _, key := range writes {
		if err := p.kv.Set(ctx, p.prefix+key, entries[key]); err != nil {
			return p.failFlush(ctx, span, snap, undo, &LocalError{Op: "write", Key: p.prefix + key, Err: err})
		}
		undo[key] = p.saved[key]
		p.saved[key] = entries[key]
	}
	for _, key := range removes {
		if err := p.kv.Remove(ctx, p.prefix+key); err != nil {
			return p.failFlush(ctx, span, snap, undo, &LocalError{Op: "remove", Key: p.prefix + key, Err: err})
		}
		undo[key] = p.saved[key]
		delete(p.saved, key)
	}
	if len(writes) > 0 || len(removes) > 0 || force || p.stale {
		data, _ := json.Marshal(meta{SchemaVersion: p.chain.Current(), LastSavedAt: p.clock.Now().UTC()})
		if err := p.kv.Set(ctx, p.prefix+metaKey, data); err != nil {
			return p.failFlush(ctx, span, snap, undo, &LocalError{Op: "write", Key: p.prefix + metaKey, Err: err})
		}
	}

	p.stale = false
	p.savedTree = persistedRoots(snap.Tree)
	p.store.MarkClean(snap.Version)
	span.SetAttributes(attribute.Int("settings.writes", len(writes)), attribute.Int("settings.removes", len(removes)))
	p.logger.Debug("settings flushed",
		zap.Uint64("version", snap.Version),
		zap.Int("writes", len(writes)),
		zap.Int("removes", len(removes)),
	)

	if p.remote != nil {
		if sections := changedSections(writes, removes); len(sections) > 0 {
			p.remote.enqueue(sections...)
		}
	}
	return nil
}

// failFlush rolls the store back to the last persisted tree and puts the
// keys in undo back to their pre-flush values, so that the backend matches
// the rolled-back store. Keys that cannot be put back leave the persister
// stale and a repair flush is scheduled.
func (p *Persister) failFlush(ctx context.Context, span trace.Span, snap settings.Snapshot, undo map[string][]byte, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.logger.Error("local settings write failed, rolling back unsaved edits",
		zap.Uint64("version", snap.Version),
		zap.Error(err),
	)
	if _, rerr := p.store.Restore(ctx, p.savedTree, snap.Tree); rerr != nil {
		p.logger.Error("rollback failed", zap.Error(rerr))
	}
	if rerr := p.undo(ctx, undo); rerr != nil {
		p.stale = true
		p.logger.Error("local settings left partly written, scheduling repair", zap.Error(rerr))
		p.schedule()
	}
	return err
}

// undo restores the keys of a failed flush. A nil value means the key did
// not exist before the flush.
func (p *Persister) undo(ctx context.Context, undo map[string][]byte) error {
	keys := make([]string, 0, len(undo))
	for key := range undo {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var failed error
	for _, key := range keys {
		old := undo[key]
		if old == nil {
			if err := p.kv.Remove(ctx, p.prefix+key); err != nil {
				failed = errors.Join(failed, &LocalError{Op: "remove", Key: p.prefix + key, Err: err})
				continue
			}
			delete(p.saved, key)
			continue
		}
		if err := p.kv.Set(ctx, p.prefix+key, old); err != nil {
			failed = errors.Join(failed, &LocalError{Op: "write", Key: p.prefix + key, Err: err})
			continue
		}
		p.saved[key] = old
	}
	return failed
}

// RetryRemote sends the sections whose profile sync failed again and
// returns them. Outstanding sections are also retried by the next flush.
func (p *Persister) RetryRemote() []string {
	if p.remote == nil {
		return nil
	}
	return p.remote.retry()
}

// OutstandingRemote lists the sections that have not reached the profile
// service.
func (p *Persister) OutstandingRemote() []string {
	if p.remote == nil {
		return nil
	}
	return p.remote.outstanding()
}

// RemoteEnabled reports whether a profile client is configured.
func (p *Persister) RemoteEnabled() bool {
	return p.remote != nil
}

// WaitRemote blocks until the remote lane is idle.
func (p *Persister) WaitRemote() {
	if p.remote != nil {
		p.remote.wait()
	}
}

// Close stops scheduling flushes and cancels remote retries. It does not
// flush; call SaveNow first for a final write.
func (p *Persister) Close() {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if p.remote != nil {
		p.remote.close()
	}
}

// section returns the last persisted value of a root section.
func (p *Persister) section(name string) (map[string]any, bool) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	v, ok := p.savedTree.Get(settings.Path{name})
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func changedSections(writes, removes []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, key := range append(append([]string(nil), writes...), removes...) {
		root, _, _ := strings.Cut(key, gridSep)
		if !seen[root] {
			seen[root] = true
			out = append(out, root)
		}
	}
	sort.Strings(out)
	return out
}

func persistedRoots(t settings.Tree) settings.Tree {
	out := settings.NewTree()
	for _, root := range settings.PersistedRoots {
		if v, ok := t.Lookup(settings.Path{root}); ok {
			out = out.With(settings.Path{root}, v)
		}
	}
	return out
}

// statusKind classifies a remote failure for the profile status record.
func statusKind(err error) settings.ProbeKind {
	var perr *settings.ProbeError
	switch {
	case errors.As(err, &perr):
		return perr.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return settings.ProbeKindTimeout
	default:
		return settings.ProbeKindNetwork
	}
}
