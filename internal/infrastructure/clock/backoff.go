package clock

import (
	"sync"
	"time"
)

// NoWaitTimer satisfies backoff.Timer and fires immediately, recording the
// delays it was asked to wait.
type NoWaitTimer struct {
	mu     sync.Mutex
	c      chan time.Time
	delays []time.Duration
}

// NewNoWaitTimer returns a timer that never sleeps.
func NewNoWaitTimer() *NoWaitTimer {
	return &NoWaitTimer{}
}

// Start fires the timer at once
func (t *NoWaitTimer) Start(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delays = append(t.delays, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

// Stop is a no-op
func (t *NoWaitTimer) Stop() {}

// C returns the channel of the last Start
func (t *NoWaitTimer) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}

// Delays returns every duration passed to Start.
func (t *NoWaitTimer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}
