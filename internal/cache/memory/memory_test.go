package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

func TestLockManager(t *testing.T) {
	lm := NewLockManager()
	unlock, err := lm.Acquire(context.Background(), "a", time.Minute)
	require.NoError(t, err)
	_, err = lm.Acquire(context.Background(), "a", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	unlock()
	unlock()
	_, err = lm.Acquire(context.Background(), "a", time.Minute)
	assert.NoError(t, err)

	_, err = lm.Acquire(context.Background(), "short", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = lm.Acquire(context.Background(), "short", time.Minute)
	assert.NoError(t, err)
}

func TestSignalBus(t *testing.T) {
	b := NewSignalBus(2)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "c", []byte("hi")))
	assert.Equal(t, []byte("hi"), <-sub)
	cancel()
	_, open := <-sub
	assert.False(t, open)

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, b.StreamAppend(context.Background(), "s", []byte(p)))
	}
	msgs, err := b.StreamRead(context.Background(), "s", "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("2"), msgs[0].Payload)

	rest, err := b.StreamRead(context.Background(), "s", msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("3"), rest[0].Payload)
}

func TestPriceCacheAndRateLimiter(t *testing.T) {
	pc := NewPriceCache()
	_, _, err := pc.GetPrice(context.Background(), "mark")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, pc.SetPrice(context.Background(), "mark", decimal.NewFromInt(5), time.Now()))
	p, _, err := pc.GetPrice(context.Background(), "mark")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(5)))

	rl := NewRateLimiter()
	ok, _ := rl.Allow(context.Background(), "k", 1, time.Minute)
	assert.True(t, ok)
	ok, _ = rl.Allow(context.Background(), "k", 1, time.Minute)
	assert.False(t, ok)
}
