package synchronizer

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
)

// cycle reads the full account state for actx. Any failed read fails the
// whole cycle; nothing is applied here.
func (s *Synchronizer) cycle(ctx context.Context, actx domain.AccountContext, prev ledger.Snapshot) cycleResult {
	res := cycleResult{actx: actx}

	count, err := s.reader.UserPositionCount(ctx, actx)
	if err != nil {
		res.err = errorf("position count: %w", err)
		return res
	}

	positions := make([]domain.Position, count)
	var fetch []uint64
	if prev.Synced && prev.Context.Same(actx) && prev.Margin.PositionCount == count {
		// Same count: closed records are final, only open ones can change.
		copy(positions, prev.Positions)
		for _, p := range prev.Positions {
			if p.Open {
				fetch = append(fetch, p.ID)
			}
		}
	} else {
		fetch = make([]uint64, count)
		for i := range fetch {
			fetch[i] = uint64(i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentReads)

	for _, id := range fetch {
		g.Go(func() error {
			p, err := s.reader.Position(gctx, actx, id)
			if err != nil {
				return errorf("position %d: %w", id, err)
			}
			p.ID = id
			positions[id] = p
			return nil
		})
	}
	g.Go(func() error {
		v, err := s.reader.UserMargin(gctx, actx)
		if err != nil {
			return errorf("native margin: %w", err)
		}
		res.margin.EthMargin = v
		return nil
	})
	g.Go(func() error {
		v, err := s.reader.UserTokenMargin(gctx, actx)
		if err != nil {
			return errorf("token margin: %w", err)
		}
		res.margin.TokenMargin = v
		return nil
	})

	if err := g.Wait(); err != nil {
		res.err = err
		return res
	}
	res.margin.PositionCount = count
	res.positions = positions
	return res
}
