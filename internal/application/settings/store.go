// Package settings holds the in-memory settings store: the single writer of
// the working layer and the source of change events.
package settings

import (
	"context"
	"fmt"
	"sync"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/domain/shared"
	"github.com/erp/backoffice/internal/infrastructure/clock"
	"github.com/erp/backoffice/internal/infrastructure/event"
	"go.uber.org/zap"
)

// Store is the canonical settings tree plus dirty tracking.
//
// Commits happen under a short lock. Change events are queued in version
// order and delivered by whichever goroutine is currently dispatching, so a
// handler that writes during delivery commits immediately while its own event
// is delivered after the current publish completes.
type Store struct {
	schema *settings.Schema
	clock  clock.Clock
	fanout *event.FanOut
	policy settings.LatentFieldPolicy
	logger *zap.Logger

	mu          sync.Mutex
	current     settings.Snapshot
	layers      settings.Layers
	written     map[string]settings.Path
	persisted   uint64
	queue       []settings.Change
	dispatching bool
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger for the store
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock sets the time source used for commit timestamps
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithSchema replaces the default schema
func WithSchema(schema *settings.Schema) Option {
	return func(s *Store) {
		s.schema = schema
	}
}

// WithFanOut shares a fan-out with other components
func WithFanOut(f *event.FanOut) Option {
	return func(s *Store) {
		s.fanout = f
	}
}

// WithLatentFieldPolicy sets what happens to inactive credentials when an
// integration's authMode changes. Latent fields are preserved by default.
func WithLatentFieldPolicy(p settings.LatentFieldPolicy) Option {
	return func(s *Store) {
		s.policy = p
	}
}

// NewStore creates a store holding the default tree at version 0.
func NewStore(opts ...Option) *Store {
	s := &Store{
		schema:  settings.DefaultSchema(),
		clock:   clock.New(),
		policy:  settings.PreserveLatentFields,
		logger:  zap.NewNop(),
		written: map[string]settings.Path{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fanout == nil {
		s.fanout = event.NewFanOut(s.logger)
	}
	s.logger = s.logger.Named("settings_store")
	defaults := settings.Defaults()
	s.layers = settings.Layers{settings.LayerDefault: defaults}
	s.current = settings.Snapshot{Tree: settings.WithDerived(defaults), CommittedAt: s.clock.Now()}
	return s
}

// Seed replaces the tree with deepMerge(default, env, remote, local) and
// publishes it as a clean version. A missing default layer is filled in from
// the built-in defaults.
func (s *Store) Seed(ctx context.Context, layers settings.Layers) (uint64, error) {
	base := settings.Layers{}
	for layer, tree := range layers {
		if layer == settings.LayerWorking {
			continue
		}
		base[layer] = tree
	}
	if base[settings.LayerDefault] == nil {
		base[settings.LayerDefault] = settings.Defaults()
	}
	seed, err := s.schema.ValidateTree(settings.Compose(base))
	if err != nil {
		return 0, fmt.Errorf("seed: %w", err)
	}

	s.mu.Lock()
	s.layers = base
	roots := make([]settings.Path, 0, len(settings.PersistedRoots))
	for _, root := range settings.PersistedRoots {
		roots = append(roots, settings.Path{root})
	}
	next := seed.With(settings.Path{settings.RootConnectionStatus}, s.statusTreeLocked())
	version, _ := s.commitLocked(next, roots, true)
	s.persisted = version
	s.written = map[string]settings.Path{}
	s.mu.Unlock()

	s.logger.Info("settings seeded", zap.Uint64("version", version))
	s.drain(ctx)
	return version, nil
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() settings.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Get returns a copy of the value at path in the current snapshot.
func (s *Store) Get(path settings.Path) (any, bool) {
	return s.Snapshot().Get(path)
}

// Subscribe registers handler for changes overlapping prefix.
func (s *Store) Subscribe(prefix settings.Path, handler event.Handler) event.Unsubscribe {
	return s.fanout.Subscribe(prefix, handler)
}

// Update validates and writes a single value. It returns the committed
// version, or the current one when the value did not change.
func (s *Store) Update(ctx context.Context, path settings.Path, value any) (uint64, error) {
	if inBatch(ctx) {
		return 0, shared.ErrNestedBatch
	}
	op, err := s.prepareSet(path, value)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	next := applyOps(s.current.Tree, []operation{op})
	version, _ := s.commitLocked(next, op.touched(), false)
	s.mu.Unlock()

	s.drain(ctx)
	return version, nil
}

// Remove deletes a removable node (a whole grid view).
func (s *Store) Remove(ctx context.Context, path settings.Path) (uint64, error) {
	if inBatch(ctx) {
		return 0, shared.ErrNestedBatch
	}
	op, err := prepareRemove(path)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	next := applyOps(s.current.Tree, []operation{op})
	version, _ := s.commitLocked(next, op.touched(), false)
	s.mu.Unlock()

	s.drain(ctx)
	return version, nil
}

// UpdateBatch runs fn against a draft and commits every recorded operation
// under a single version. Nothing is committed if fn or any recorded
// operation fails. Calling Update or UpdateBatch with the context passed to
// fn fails with shared.ErrNestedBatch.
func (s *Store) UpdateBatch(ctx context.Context, fn func(ctx context.Context, d *Draft) error) (uint64, error) {
	if inBatch(ctx) {
		return 0, shared.ErrNestedBatch
	}
	d := &Draft{store: s, tree: s.Snapshot().Tree}
	if err := fn(withBatch(ctx), d); err != nil {
		return 0, err
	}
	if d.err != nil {
		return 0, d.err
	}
	if len(d.ops) == 0 {
		return s.Snapshot().Version, nil
	}

	var touched []settings.Path
	for _, op := range d.ops {
		touched = append(touched, op.touched()...)
	}

	s.mu.Lock()
	next := applyOps(s.current.Tree, d.ops)
	version, _ := s.commitLocked(next, touched, false)
	s.mu.Unlock()

	s.drain(ctx)
	return version, nil
}

// Reset restores the sub-trees covered by scope to the default layer. It
// always commits a new, dirty version, even when the scope already held its
// defaults.
func (s *Store) Reset(ctx context.Context, scope settings.Scope) (uint64, error) {
	if inBatch(ctx) {
		return 0, shared.ErrNestedBatch
	}
	roots, ok := scope.Roots()
	if !ok {
		return 0, fmt.Errorf("%w: unknown reset scope %q", shared.ErrInvalidInput, scope)
	}

	s.mu.Lock()
	defaults := s.layers[settings.LayerDefault]
	next := s.current.Tree
	touched := make([]settings.Path, 0, len(roots))
	for _, root := range roots {
		v, found := defaults.Get(settings.Path{root})
		if !found {
			v = map[string]any{}
		}
		next = next.With(settings.Path{root}, v)
		touched = append(touched, settings.Path{root})
	}
	version, _ := s.commitLocked(next, touched, true)
	s.mu.Unlock()

	s.logger.Info("settings reset", zap.String("scope", string(scope)), zap.Uint64("version", version))
	s.drain(ctx)
	return version, nil
}

// Replace swaps the persisted sub-trees for those of t (an import) and always
// commits a new, dirty version. Connection status records are kept.
func (s *Store) Replace(ctx context.Context, t settings.Tree) (uint64, error) {
	if inBatch(ctx) {
		return 0, shared.ErrNestedBatch
	}
	incoming := settings.NewTree()
	for _, root := range settings.PersistedRoots {
		if v, ok := t.Lookup(settings.Path{root}); ok {
			incoming = incoming.With(settings.Path{root}, v)
		}
	}
	normalized, err := s.schema.ValidateTree(incoming)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	next := s.current.Tree
	touched := make([]settings.Path, 0, len(settings.PersistedRoots))
	for _, root := range settings.PersistedRoots {
		p := settings.Path{root}
		if v, ok := normalized.Lookup(p); ok {
			next = next.With(p, v)
		} else {
			next = next.Without(p)
		}
		touched = append(touched, p)
	}
	version, _ := s.commitLocked(next, touched, true)
	s.mu.Unlock()

	s.drain(ctx)
	return version, nil
}

// Restore rolls back the edits between base (the last persisted tree) and
// failed (the tree whose flush failed). Edits committed after failed are
// kept. The store is marked clean when nothing else remains unsaved.
func (s *Store) Restore(ctx context.Context, base, failed settings.Tree) (uint64, error) {
	s.mu.Lock()
	next := s.current.Tree
	var touched []settings.Path
	for _, p := range settings.Diff(persistedPart(base), persistedPart(failed)) {
		if v, ok := base.Lookup(p); ok {
			next = next.With(p, v)
		} else {
			next = next.Without(p)
		}
		touched = append(touched, p)
	}
	version, changed := s.commitLocked(next, touched, false)
	if persistedPart(s.current.Tree).Equal(persistedPart(base)) {
		s.persisted = version
		s.written = map[string]settings.Path{}
	}
	s.mu.Unlock()

	if changed {
		s.logger.Warn("unsaved edits rolled back", zap.Uint64("version", version), zap.Int("paths", len(touched)))
	}
	s.drain(ctx)
	return version, nil
}

// RecordStatus writes connectionStatus.<channel>. It is the only way the
// derived status sub-tree changes. guard runs under the store lock; when it
// returns false nothing is written. Status records are not persisted, so a
// clean store stays clean.
func (s *Store) RecordStatus(ctx context.Context, channel string, status settings.ConnectionStatus, guard func() bool) (uint64, bool) {
	s.mu.Lock()
	if guard != nil && !guard() {
		s.mu.Unlock()
		return 0, false
	}
	clean := s.current.Version == s.persisted
	p := settings.StatusPath(channel)
	next := s.current.Tree.With(p, status.ToValue())
	version, _ := s.commitLocked(next, nil, false)
	if clean {
		s.persisted = version
	}
	s.mu.Unlock()

	s.drain(ctx)
	return version, true
}

// Dirty reports whether the latest version has not been persisted locally.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Version > s.persisted
}

// PersistedVersion returns the last version marked clean.
func (s *Store) PersistedVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

// MarkClean records that version was written to the local backend. When it
// is the latest version the working edits are promoted to the local layer.
func (s *Store) MarkClean(version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version <= s.persisted || version > s.current.Version {
		return
	}
	s.persisted = version
	if version == s.current.Version {
		s.layers[settings.LayerLocal] = persistedPart(s.current.Tree)
		s.written = map[string]settings.Path{}
	}
}

// Source explains where the current value at path comes from.
func (s *Store) Source(path settings.Path) settings.Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(path) > 0 && path[0] == settings.RootConnectionStatus || s.writtenLocked(path) {
		v, ok := s.current.Tree.Get(path)
		if !ok {
			return settings.Resolution{}
		}
		return settings.Resolution{Value: v, Layer: settings.LayerWorking, Found: true}
	}
	if derived, ok := s.schema.Field(path); ok && derived.Derived {
		v, found := s.current.Tree.Get(path)
		res := settings.Resolve(settings.Path{settings.RootPreferences, "locale"}, s.layers)
		return settings.Resolution{Value: v, Layer: res.Layer, Found: found}
	}
	return settings.Resolve(path, s.layers)
}

func (s *Store) writtenLocked(path settings.Path) bool {
	for _, w := range s.written {
		if w.Overlaps(path) {
			return true
		}
	}
	return false
}

func (s *Store) statusTreeLocked() map[string]any {
	v, _ := s.current.Tree.Lookup(settings.Path{settings.RootConnectionStatus})
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// commitLocked installs next as a new version when it differs from the
// current tree (or force is set) and queues the change event.
func (s *Store) commitLocked(next settings.Tree, touched []settings.Path, force bool) (uint64, bool) {
	prev := s.current
	next = settings.WithDerived(next)
	paths := settings.Diff(prev.Tree, next)
	if len(paths) == 0 {
		if !force {
			return prev.Version, false
		}
		paths = touched
	}

	s.current = settings.Snapshot{
		Version:     prev.Version + 1,
		Tree:        next,
		CommittedAt: s.clock.Now(),
	}
	for _, p := range touched {
		s.written[p.String()] = p
	}
	s.queue = append(s.queue, settings.Change{Previous: prev, Current: s.current, Paths: paths})
	s.logger.Debug("settings committed",
		zap.Uint64("version", s.current.Version),
		zap.Int("changed_paths", len(paths)),
	)
	return s.current.Version, true
}

// drain delivers queued changes unless another goroutine is already doing so.
func (s *Store) drain(ctx context.Context) {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	for len(s.queue) > 0 {
		c := s.queue[0]
		s.queue[0] = settings.Change{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.fanout.Publish(context.WithoutCancel(ctx), c)

		s.mu.Lock()
	}
	s.queue = nil
	s.dispatching = false
	s.mu.Unlock()
}

func persistedPart(t settings.Tree) settings.Tree {
	out := settings.NewTree()
	for _, root := range settings.PersistedRoots {
		if v, ok := t.Lookup(settings.Path{root}); ok {
			out = out.With(settings.Path{root}, v)
		}
	}
	return out
}
