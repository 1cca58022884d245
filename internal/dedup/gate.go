package dedup

import (
	"context"
	"sync"
	"time"
)

// Gate suppresses repeated observations of the same key within a cooldown
// window. Admit returns true when the key has not been seen inside the
// window; it records the observation in the same call so that two
// near-simultaneous checks of the same key cannot both be admitted.
//
// Implementations must treat the check-and-record as atomic per key.
type Gate interface {
	Admit(ctx context.Context, key string, now time.Time) (bool, error)
}

// MemoryGate is a single-process Gate backed by a mutex-guarded map.
// Because its state is per-process, horizontally scaled deployments must use
// RedisGate instead or accept duplicate admits across instances.
type MemoryGate struct {
	mu          sync.Mutex
	window      time.Duration
	lastSeen    map[string]time.Time
	lastCleanup time.Time
}

// NewMemoryGate creates an in-memory gate with the given cooldown window.
func NewMemoryGate(window time.Duration) *MemoryGate {
	return &MemoryGate{
		window:   window,
		lastSeen: make(map[string]time.Time),
	}
}

// Admit reports whether key is outside its cooldown window, recording the
// observation when it is. Suppressed observations do not extend the window.
func (g *MemoryGate) Admit(_ context.Context, key string, now time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastSeen[key]; ok && now.Sub(last) < g.window {
		return false, nil
	}

	g.lastSeen[key] = now
	g.cleanup(now)
	return true, nil
}

// cleanup drops expired keys so the map does not grow unbounded. Called with
// the lock held; throttled to at most once per window.
func (g *MemoryGate) cleanup(now time.Time) {
	if now.Sub(g.lastCleanup) < g.window {
		return
	}
	g.lastCleanup = now

	for key, last := range g.lastSeen {
		if now.Sub(last) >= g.window {
			delete(g.lastSeen, key)
		}
	}
}

// Len returns the number of keys currently tracked.
func (g *MemoryGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lastSeen)
}
