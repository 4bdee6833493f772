package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// PnL is an unrealized profit or loss. Percent is invalid when the position
// carries no margin.
type PnL struct {
	Value   decimal.Decimal     `json:"value"`
	Percent decimal.NullDecimal `json:"percent"`
}

// UnrealizedPnL values p at price. LONG gains when price rises above entry,
// SHORT when it falls below; both scale by size and leverage.
func UnrealizedPnL(p domain.Position, price decimal.Decimal) PnL {
	move := price.Sub(p.EntryPrice)
	if p.Type == domain.PositionShort {
		move = move.Neg()
	}
	value := move.Mul(p.Size).Mul(decimal.NewFromInt(int64(p.Leverage)))

	out := PnL{Value: value}
	if !p.Margin.IsZero() {
		out.Percent = decimal.NewNullDecimal(value.Div(p.Margin).Mul(hundred))
	}
	return out
}
