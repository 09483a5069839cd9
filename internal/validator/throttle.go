package validator

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// throttleMaxEntries bounds the limiter map; beyond it, entries idle past
// throttleIdleTTL are evicted before new ones are added.
const (
	throttleMaxEntries = 65536
	throttleIdleTTL    = 10 * time.Minute
)

// Throttle rate-limits event publishes, keyed independently by pubkey and
// remote address so neither a hot key behind many IPs nor a hot IP across
// many keys slips through. Counters are shared across all connections and
// updated under one lock.
type Throttle struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*throttleEntry
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle creates a Throttle allowing eventsPerSecond sustained with
// the given burst per key.
func NewThrottle(eventsPerSecond float64, burst int) *Throttle {
	return &Throttle{
		limit:    rate.Limit(eventsPerSecond),
		burst:    burst,
		limiters: make(map[string]*throttleEntry),
	}
}

// Allow reports whether a publish under both keys is within budget.
// Both buckets are debited together; a refusal on either key refuses the
// publish but still charges the other, so probing one dimension cannot be
// used to spend the other's budget for free.
func (t *Throttle) Allow(pubkey, remoteAddr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	allowed := true
	for _, key := range [...]string{"pk:" + pubkey, "ip:" + remoteAddr} {
		if key == "pk:" || key == "ip:" {
			continue
		}
		if !t.entryLocked(key, now).limiter.AllowN(now, 1) {
			allowed = false
		}
	}
	return allowed
}

func (t *Throttle) entryLocked(key string, now time.Time) *throttleEntry {
	if e, ok := t.limiters[key]; ok {
		e.lastSeen = now
		return e
	}
	if len(t.limiters) >= throttleMaxEntries {
		t.evictIdleLocked(now)
	}
	e := &throttleEntry{
		limiter:  rate.NewLimiter(t.limit, t.burst),
		lastSeen: now,
	}
	t.limiters[key] = e
	return e
}

func (t *Throttle) evictIdleLocked(now time.Time) {
	for key, e := range t.limiters {
		if now.Sub(e.lastSeen) > throttleIdleTTL {
			delete(t.limiters, key)
		}
	}
}

// Len returns the number of tracked keys. Used for diagnostics and tests.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}
