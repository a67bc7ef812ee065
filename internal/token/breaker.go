package token

import (
	"sync"
	"time"

	"github.com/chinmina/wechat-bridge/internal/cache"
)

// breaker stops token fetches for an app after threshold consecutive
// failures, until cooldown has passed. A success resets the count.
type breaker struct {
	threshold int
	cooldown  time.Duration
	clock     cache.Clock

	mu    sync.Mutex
	state map[string]*breakerState
}

type breakerState struct {
	failures  int
	openUntil time.Time
}

func newBreaker(threshold int, cooldown time.Duration, clock cache.Clock) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
		state:     map[string]*breakerState{},
	}
}

func (b *breaker) allow(appID string) bool {
	if b == nil {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.state[appID]
	if !ok {
		return true
	}
	return !b.clock.Now().Before(s.openUntil)
}

func (b *breaker) record(appID string, err error) {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.state, appID)
		return
	}

	s, ok := b.state[appID]
	if !ok {
		s = &breakerState{}
		b.state[appID] = s
	}

	s.failures++
	if s.failures >= b.threshold {
		s.openUntil = b.clock.Now().Add(b.cooldown)
		// half-open after the cooldown: one more failure reopens it
		s.failures = b.threshold - 1
	}
}

func (b *breaker) reset(appID string) {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, appID)
}
