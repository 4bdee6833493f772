// Package memory provides in-process implementations of the cache, lock and
// bus interfaces for single-process deployments without Redis.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// LockManager is a process-local domain.LockManager.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]time.Time)}
}

// Acquire takes key for ttl or fails with domain.ErrLockHeld.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	now := time.Now()
	if exp, ok := lm.locks[key]; ok && now.Before(exp) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	exp := now.Add(ttl)
	lm.locks[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			if lm.locks[key].Equal(exp) {
				delete(lm.locks, key)
			}
			lm.mu.Unlock()
		})
	}, nil
}

type pricePoint struct {
	price decimal.Decimal
	ts    time.Time
}

// PriceCache is a map-backed domain.PriceCache.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
}

func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]pricePoint)}
}

func (pc *PriceCache) SetPrice(_ context.Context, feed string, price decimal.Decimal, ts time.Time) error {
	pc.mu.Lock()
	pc.prices[feed] = pricePoint{price: price, ts: ts}
	pc.mu.Unlock()
	return nil
}

func (pc *PriceCache) GetPrice(_ context.Context, feed string) (decimal.Decimal, time.Time, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	p, ok := pc.prices[feed]
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("memory: price %s: %w", feed, domain.ErrNotFound)
	}
	return p.price, p.ts, nil
}

// SignalBus fans published payloads out to subscribers and keeps bounded streams.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[string]map[chan []byte]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
	maxLen  int
}

// NewSignalBus creates a bus whose streams keep at most maxLen entries.
func NewSignalBus(maxLen int) *SignalBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &SignalBus{
		subs:    make(map[string]map[chan []byte]struct{}),
		streams: make(map[string][]domain.StreamMessage),
		maxLen:  maxLen,
	}
}

// Publish delivers payload to current subscribers. Slow subscribers drop messages.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10),
		Payload: append([]byte(nil), payload...),
	})
	if len(msgs) > b.maxLen {
		msgs = msgs[len(msgs)-b.maxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count entries after lastID; "" reads from the start.
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	var after uint64
	if lastID != "" && lastID != "0" {
		v, err := strconv.ParseUint(lastID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("memory: stream id %q: %w", lastID, err)
		}
		after = v
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		id, _ := strconv.ParseUint(m.ID, 10, 64)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

// RateLimiter is a process-local sliding window domain.RateLimiter.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time)}
}

func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	kept := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		rl.hits[key] = kept
		return false, nil
	}
	rl.hits[key] = append(kept, now)
	return true, nil
}

var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.PriceCache  = (*PriceCache)(nil)
	_ domain.SignalBus   = (*SignalBus)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
)
