// Package transfer exports the persisted settings as a versioned JSON
// envelope and imports such envelopes back into the store.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/domain/shared"
	"github.com/erp/backoffice/internal/infrastructure/clock"
	"github.com/erp/backoffice/internal/infrastructure/persistence/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrVersionTooNew is returned for exports written by a newer schema.
var ErrVersionTooNew = shared.ErrVersionTooNew

// ErrNoArchive is returned by the archive operations when no archive is configured.
var ErrNoArchive = errors.New("export archive is not configured")

// Store is the part of the settings store used by the transfer service.
type Store interface {
	Snapshot() settings.Snapshot
	Replace(ctx context.Context, t settings.Tree) (uint64, error)
}

// Archiver keeps export blobs in external storage.
type Archiver interface {
	Archive(ctx context.Context, name string, blob []byte) (string, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Envelope is the export format. Field order keeps the keys sorted.
type Envelope struct {
	ExportedAt    string        `json:"exportedAt"`
	SchemaVersion int           `json:"schemaVersion"`
	Tree          settings.Tree `json:"tree"`
}

// Service exports and imports settings.
type Service struct {
	store    Store
	chain    *schema.Chain
	archiver Archiver
	clock    clock.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock sets the clock used for exportedAt
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithMigrations replaces the schema migration chain
func WithMigrations(c *schema.Chain) Option {
	return func(s *Service) {
		s.chain = c
	}
}

// WithArchiver enables the archive operations
func WithArchiver(a Archiver) Option {
	return func(s *Service) {
		s.archiver = a
	}
}

// NewService creates a transfer service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		chain:  schema.Default(),
		clock:  clock.New(),
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/erp/backoffice/internal/application/transfer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("transfer")
	return s
}

// Export serializes the persisted roots of the current snapshot. Map keys
// are sorted and timestamps are written as RFC 3339 UTC, so equal trees
// export to identical bytes for the same exportedAt.
func (s *Service) Export(ctx context.Context) ([]byte, error) {
	_, span := s.tracer.Start(ctx, "settings.export")
	defer span.End()

	snap := s.store.Snapshot()
	tree := settings.NewTree()
	for _, root := range settings.PersistedRoots {
		if v, ok := snap.Tree.Get(settings.Path{root}); ok {
			tree[root] = v
		}
	}

	blob, err := encode(Envelope{
		ExportedAt:    s.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		SchemaVersion: s.chain.Current(),
		Tree:          tree,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}
	span.SetAttributes(attribute.Int("settings.export_bytes", len(blob)))
	s.logger.Info("settings exported", zap.Uint64("version", snap.Version), zap.Int("size", len(blob)))
	return blob, nil
}

func encode(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses an export envelope and upgrades its tree to the current
// schema version. Nothing is written to the store.
func (s *Service) Decode(blob []byte) (settings.Tree, int, error) {
	var raw struct {
		ExportedAt    string          `json:"exportedAt"`
		SchemaVersion *int            `json:"schemaVersion"`
		Tree          json.RawMessage `json:"tree"`
	}
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, 0, fmt.Errorf("%w: malformed export: %v", shared.ErrInvalidInput, err)
	}
	if raw.SchemaVersion == nil {
		return nil, 0, fmt.Errorf("%w: export has no schemaVersion", shared.ErrInvalidInput)
	}
	version := *raw.SchemaVersion
	if version > s.chain.Current() {
		return nil, version, fmt.Errorf("%w: export has schema version %d, supported up to %d",
			ErrVersionTooNew, version, s.chain.Current())
	}
	if version < 1 {
		return nil, version, fmt.Errorf("%w: invalid schemaVersion %d", shared.ErrInvalidInput, version)
	}

	var tree settings.Tree
	if len(raw.Tree) == 0 || string(raw.Tree) == "null" {
		return nil, version, fmt.Errorf("%w: export has no tree", shared.ErrInvalidInput)
	}
	if err := json.Unmarshal(raw.Tree, &tree); err != nil {
		return nil, version, fmt.Errorf("%w: export tree is not an object: %v", shared.ErrInvalidInput, err)
	}

	upgraded, err := s.chain.Upgrade(tree, version)
	if err != nil {
		return nil, version, err
	}
	return upgraded, version, nil
}

// Import replaces the persisted roots of the store with the exported tree.
// Older exports run through the migration chain first. The store is left
// dirty; the persister saves it on its own schedule.
func (s *Service) Import(ctx context.Context, blob []byte) (uint64, error) {
	ctx, span := s.tracer.Start(ctx, "settings.import")
	defer span.End()

	tree, from, err := s.Decode(blob)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("settings import rejected", zap.Int("schema_version", from), zap.Error(err))
		return 0, err
	}

	version, err := s.store.Replace(ctx, tree)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("settings import rejected", zap.Int("schema_version", from), zap.Error(err))
		return 0, err
	}

	span.SetAttributes(attribute.Int("settings.schema_version", from))
	s.logger.Info("settings imported",
		zap.Int("from_schema", from),
		zap.Int("to_schema", s.chain.Current()),
		zap.Uint64("version", version),
	)
	return version, nil
}

// ExportToArchive exports the settings and uploads the blob. The object is
// named after prefix and the export time.
func (s *Service) ExportToArchive(ctx context.Context, prefix string) (string, error) {
	if s.archiver == nil {
		return "", ErrNoArchive
	}
	blob, err := s.Export(ctx)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("settings-%s.json", s.clock.Now().UTC().Format("20060102T150405.000Z"))
	if prefix != "" {
		name = prefix + "/" + name
	}
	key, err := s.archiver.Archive(ctx, name, blob)
	if err != nil {
		return "", err
	}
	return key, nil
}

// ImportFromArchive fetches an archived export and imports it.
func (s *Service) ImportFromArchive(ctx context.Context, key string) (uint64, error) {
	if s.archiver == nil {
		return 0, ErrNoArchive
	}
	blob, err := s.archiver.Fetch(ctx, key)
	if err != nil {
		return 0, err
	}
	return s.Import(ctx, blob)
}
