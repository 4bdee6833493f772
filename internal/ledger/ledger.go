// Package ledger holds the in-memory mirror of the active account's margin
// and positions. The whole state is swapped atomically; readers always get a
// private copy of one consistent snapshot.
package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// Snapshot is one consistent view of an account.
type Snapshot struct {
	Context   domain.AccountContext     `json:"context"`
	Margin    domain.AccountMarginState `json:"margin"`
	Positions []domain.Position         `json:"positions"`
	Version   uint64                    `json:"version"`
	UpdatedAt time.Time                 `json:"updated_at"`
	// Synced is false until the first successful reconcile for Context.
	Synced bool `json:"synced"`
}

// Aggregate is margin summed per collateral kind.
type Aggregate struct {
	Native decimal.Decimal `json:"native"`
	Token  decimal.Decimal `json:"token"`
}

// Total returns Native + Token.
func (a Aggregate) Total() decimal.Decimal { return a.Native.Add(a.Token) }

// Ledger is safe for concurrent use.
type Ledger struct {
	state   atomic.Pointer[Snapshot]
	version atomic.Uint64
	logger  *slog.Logger
}

// New returns an empty Ledger.
func New(logger *slog.Logger) *Ledger {
	l := &Ledger{logger: logger.With(slog.String("component", "ledger"))}
	l.state.Store(&Snapshot{})
	return l
}

// ReplaceSnapshot installs positions and margin for actx in one step. The
// positions must be exactly ids [0, margin.PositionCount).
func (l *Ledger) ReplaceSnapshot(actx domain.AccountContext, positions []domain.Position, margin domain.AccountMarginState) (Snapshot, error) {
	if margin.EthMargin.IsNegative() || margin.TokenMargin.IsNegative() {
		return Snapshot{}, fmt.Errorf("ledger: negative margin (eth %s, token %s)", margin.EthMargin, margin.TokenMargin)
	}
	if uint64(len(positions)) != margin.PositionCount {
		return Snapshot{}, fmt.Errorf("ledger: %d positions for count %d", len(positions), margin.PositionCount)
	}

	sorted := make([]domain.Position, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i, p := range sorted {
		if p.ID != uint64(i) {
			return Snapshot{}, fmt.Errorf("ledger: position ids not dense at index %d (id %d)", i, p.ID)
		}
	}

	next := &Snapshot{
		Context:   actx,
		Margin:    margin,
		Positions: sorted,
		Version:   l.version.Add(1),
		UpdatedAt: time.Now().UTC(),
		Synced:    true,
	}
	l.state.Store(next)
	l.checkConsistency(next)
	return next.clone(), nil
}

// Reset drops all state and binds the ledger to actx.
func (l *Ledger) Reset(actx domain.AccountContext) {
	l.state.Store(&Snapshot{Context: actx, Version: l.version.Add(1), UpdatedAt: time.Now().UTC()})
}

// Snapshot returns a copy of the current state.
func (l *Ledger) Snapshot() Snapshot {
	return l.state.Load().clone()
}

func (l *Ledger) checkConsistency(s *Snapshot) {
	agg := s.AggregateMargin()
	if agg.Native.Equal(s.Margin.EthMargin) && agg.Token.Equal(s.Margin.TokenMargin) {
		return
	}
	l.logger.Warn("aggregate margin differs from ledger",
		slog.String("account", s.Context.Account.Hex()),
		slog.String("positions_native", agg.Native.String()),
		slog.String("reported_native", s.Margin.EthMargin.String()),
		slog.String("positions_token", agg.Token.String()),
		slog.String("reported_token", s.Margin.TokenMargin.String()),
	)
}

func (s *Snapshot) clone() Snapshot {
	out := *s
	if s.Positions != nil {
		out.Positions = make([]domain.Position, len(s.Positions))
		copy(out.Positions, s.Positions)
	}
	return out
}

// OpenPositions returns the open positions in ascending id order.
func (s Snapshot) OpenPositions() []domain.Position {
	var out []domain.Position
	for _, p := range s.Positions {
		if p.Open {
			out = append(out, p)
		}
	}
	return out
}

// Position looks up a position by id.
func (s Snapshot) Position(id uint64) (domain.Position, bool) {
	if id >= uint64(len(s.Positions)) {
		return domain.Position{}, false
	}
	return s.Positions[id], true
}

// AggregateMargin sums position margin per collateral kind.
func (s Snapshot) AggregateMargin() Aggregate {
	agg := Aggregate{Native: decimal.Zero, Token: decimal.Zero}
	for _, p := range s.Positions {
		switch p.Collateral {
		case domain.CollateralToken:
			agg.Token = agg.Token.Add(p.Margin)
		default:
			agg.Native = agg.Native.Add(p.Margin)
		}
	}
	return agg
}
