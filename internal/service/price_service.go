package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// MarkFeed is the price cache key for the manager's price feed.
const MarkFeed = "mark"

// PriceReader reads the latest mark price.
type PriceReader interface {
	LatestPrice(ctx context.Context) (decimal.Decimal, error)
}

// PriceService polls the price feed into the price cache.
type PriceService struct {
	reader   PriceReader
	cache    domain.PriceCache
	interval time.Duration
	logger   *slog.Logger
}

func NewPriceService(reader PriceReader, cache domain.PriceCache, interval time.Duration, logger *slog.Logger) *PriceService {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PriceService{
		reader:   reader,
		cache:    cache,
		interval: interval,
		logger:   logger.With(slog.String("component", "price_service")),
	}
}

// Run polls until ctx is cancelled. Failed polls are logged and skipped.
func (s *PriceService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// poll does one read-and-store round.
func (s *PriceService) poll(ctx context.Context) {
	price, err := s.reader.LatestPrice(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.WarnContext(ctx, "price poll failed", slog.String("error", err.Error()))
		}
		return
	}
	if err := s.cache.SetPrice(ctx, MarkFeed, price, time.Now().UTC()); err != nil {
		s.logger.WarnContext(ctx, "price cache write failed", slog.String("error", err.Error()))
	}
}
