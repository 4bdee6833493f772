package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// PriceCache implements domain.PriceCache as a hash per feed with fields
// "price" (decimal string) and "ts" (unix nanoseconds).
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A positive ttl expires stale prices.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

// SetPrice stores the latest price for feed.
func (pc *PriceCache) SetPrice(ctx context.Context, feed string, price decimal.Decimal, ts time.Time) error {
	key := pc.c.key("price", feed)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "price", price.String(), "ts", strconv.FormatInt(ts.UnixNano(), 10))
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", feed, err)
	}
	return nil
}

// GetPrice returns the latest price for feed or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, feed string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.c.key("price", feed)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", feed, err)
	}
	priceStr, okP := vals["price"]
	tsStr, okT := vals["ts"]
	if !okP || !okT {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: price %s: %w", feed, domain.ErrNotFound)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %s: %w", feed, err)
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", feed, err)
	}
	return price, time.Unix(0, tsNano), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
