package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache holds the latest mark price per feed.
type PriceCache interface {
	SetPrice(ctx context.Context, feed string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, feed string) (decimal.Decimal, time.Time, error)
}

// RateLimiter provides sliding-window rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides mutual exclusion keyed by name.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Channel and stream names shared by publishers and subscribers.
const (
	ChannelAccount   = "margin:account"
	StreamOperations = "margin:operations"
)
