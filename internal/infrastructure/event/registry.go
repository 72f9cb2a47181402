package event

import (
	"sync"
	"sync/atomic"

	"github.com/erp/backoffice/internal/domain/settings"
)

type subscription struct {
	id      uint64
	prefix  settings.Path
	handler Handler
	active  atomic.Bool
}

// SubscriberRegistry keeps subscriptions in registration order
type SubscriberRegistry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []*subscription
}

// NewSubscriberRegistry creates a new subscriber registry
func NewSubscriberRegistry() *SubscriberRegistry {
	return &SubscriberRegistry{
		subs: make([]*subscription, 0),
	}
}

// Register adds a handler for changes overlapping prefix.
// An empty prefix receives every change.
func (r *SubscriberRegistry) Register(prefix settings.Path, handler Handler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &subscription{
		id:      r.nextID,
		prefix:  prefix.Child(),
		handler: handler,
	}
	sub.active.Store(true)
	r.subs = append(r.subs, sub)
	return sub.id
}

// Unregister removes a subscription. Unknown ids are ignored.
func (r *SubscriberRegistry) Unregister(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sub := range r.subs {
		if sub.id == id {
			sub.active.Store(false)
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// matching returns the subscriptions whose prefix overlaps at least one of
// the changed paths, in registration order.
func (r *SubscriberRegistry) matching(changed []settings.Path) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if matches(sub.prefix, changed) {
			result = append(result, sub)
		}
	}
	return result
}

// Len returns the number of registered subscriptions
func (r *SubscriberRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func matches(prefix settings.Path, changed []settings.Path) bool {
	if len(prefix) == 0 {
		return true
	}
	for _, p := range changed {
		if p.Overlaps(prefix) {
			return true
		}
	}
	return false
}
