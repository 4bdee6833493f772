package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

type cacheEntry struct {
	status      domain.OperationStatus
	fingerprint string
	result      domain.Result
	at          time.Time
	// unresolved marks a write that was submitted but never confirmed.
	unresolved bool
}

// resultCache remembers operation outcomes by idempotency key. SUCCEEDED
// keys replay their result until the TTL expires. RUNNING keys reject
// re-entry, as do keys whose last attempt left a transaction unconfirmed.
// Other FAILED keys may run again. A key only ever serves the arguments it
// was first used with.
type resultCache struct {
	entries map[string]cacheEntry
	ttl     time.Duration
	mu      sync.Mutex
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{entries: make(map[string]cacheEntry), ttl: ttl}
}

// begin claims key for a request with the given fingerprint. It returns
// the cached result when key already succeeded.
func (c *resultCache) begin(key, fingerprint string) (domain.Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.entries[key]; ok && (e.status == domain.OpRunning || now.Sub(e.at) < c.ttl) {
		switch {
		case e.fingerprint != fingerprint:
			return domain.Result{}, false, domain.Precondition("idempotency key was already used with different arguments")
		case e.status == domain.OpRunning:
			return domain.Result{}, false, domain.ErrOperationInFlight
		case e.status == domain.OpSucceeded:
			return e.result, true, nil
		case e.unresolved:
			return e.result, false, fmt.Errorf("orchestrator: operation %s: %w", e.result.OperationID, domain.ErrOutcomeUnknown)
		}
	}
	c.entries[key] = cacheEntry{status: domain.OpRunning, fingerprint: fingerprint, at: now}
	return domain.Result{}, false, nil
}

func (c *resultCache) finish(key string, r domain.Result, unresolved bool) {
	c.mu.Lock()
	e := c.entries[key]
	e.status, e.result, e.at, e.unresolved = r.Status, r, time.Now(), unresolved
	c.entries[key] = e
	c.mu.Unlock()
}

// release forgets a claim that never ran.
func (c *resultCache) release(key string) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.status == domain.OpRunning {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// cleanup drops finished entries older than the TTL.
func (c *resultCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, e := range c.entries {
		if e.status != domain.OpRunning && now.Sub(e.at) >= c.ttl {
			delete(c.entries, k)
		}
	}
}
