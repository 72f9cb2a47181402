// Package event delivers settings changes to dependent subsystems.
package event

import (
	"context"

	"github.com/erp/backoffice/internal/domain/settings"
	"go.uber.org/zap"
)

// Handler reacts to a committed settings change. Returned errors are logged
// and never reach the writer.
type Handler func(ctx context.Context, change settings.Change) error

// Unsubscribe removes a subscription. It is safe to call more than once.
type Unsubscribe func()

// FanOut delivers changes to path-prefix subscribers in registration order
type FanOut struct {
	registry *SubscriberRegistry
	logger   *zap.Logger
}

// NewFanOut creates a new in-memory fan-out
func NewFanOut(logger *zap.Logger) *FanOut {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FanOut{
		registry: NewSubscriberRegistry(),
		logger:   logger.Named("fanout"),
	}
}

// Subscribe registers handler for changes overlapping prefix
func (f *FanOut) Subscribe(prefix settings.Path, handler Handler) Unsubscribe {
	id := f.registry.Register(prefix, handler)
	f.logger.Debug("handler subscribed",
		zap.String("prefix", prefix.String()),
		zap.Uint64("subscription_id", id),
	)
	return func() {
		if f.registry.Unregister(id) {
			f.logger.Debug("handler unsubscribed", zap.Uint64("subscription_id", id))
		}
	}
}

// Publish invokes every matching handler synchronously with the same change.
// A handler removed during the publish is not invoked afterwards.
func (f *FanOut) Publish(ctx context.Context, change settings.Change) {
	if len(change.Paths) == 0 {
		return
	}
	for _, sub := range f.registry.matching(change.Paths) {
		if !sub.active.Load() {
			continue
		}
		if err := f.dispatch(ctx, sub, change); err != nil {
			f.logger.Error("handler failed to process change",
				zap.Uint64("subscription_id", sub.id),
				zap.Uint64("version", change.Current.Version),
				zap.Error(err),
			)
		}
	}
}

// Subscribers returns the number of registered handlers
func (f *FanOut) Subscribers() int {
	return f.registry.Len()
}

// dispatch safely calls a handler
func (f *FanOut) dispatch(ctx context.Context, sub *subscription, change settings.Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("handler panicked",
				zap.Uint64("subscription_id", sub.id),
				zap.Uint64("version", change.Current.Version),
				zap.Any("panic", r),
			)
		}
	}()

	return sub.handler(ctx, change)
}
