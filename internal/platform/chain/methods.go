package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

func one[T any](out []any, method string) (T, error) {
	var zero T
	if len(out) != 1 {
		return zero, fmt.Errorf("chain: %s: expected 1 output, got %d", method, len(out))
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, fmt.Errorf("chain: %s: unexpected output type %T", method, out[0])
	}
	return v, nil
}

func (g *Gateway) readBig(ctx context.Context, actx domain.AccountContext, t Target, method string, args ...any) (*big.Int, error) {
	out, err := g.ReadCall(ctx, actx, t, method, args...)
	if err != nil {
		return nil, err
	}
	return one[*big.Int](out, method)
}

// UserMargin returns the account's native-currency margin.
func (g *Gateway) UserMargin(ctx context.Context, actx domain.AccountContext) (decimal.Decimal, error) {
	v, err := g.readBig(ctx, actx, Manager, "userMargin", actx.Account)
	if err != nil {
		return decimal.Zero, err
	}
	return FromFixed(v), nil
}

// UserTokenMargin returns the account's margin in the configured token.
func (g *Gateway) UserTokenMargin(ctx context.Context, actx domain.AccountContext) (decimal.Decimal, error) {
	v, err := g.readBig(ctx, actx, Manager, "userTokenMargin", actx.Account, g.cfg.TokenAddress)
	if err != nil {
		return decimal.Zero, err
	}
	return FromFixed(v), nil
}

// UserPositionCount returns how many positions the account has ever created.
func (g *Gateway) UserPositionCount(ctx context.Context, actx domain.AccountContext) (uint64, error) {
	v, err := g.readBig(ctx, actx, Manager, "userPositionCount", actx.Account)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("chain: userPositionCount out of range: %s", v)
	}
	return v.Uint64(), nil
}

// Position reads position id of the account.
func (g *Gateway) Position(ctx context.Context, actx domain.AccountContext, id uint64) (domain.Position, error) {
	out, err := g.ReadCall(ctx, actx, Manager, "positions", actx.Account, new(big.Int).SetUint64(id))
	if err != nil {
		return domain.Position{}, err
	}
	return decodePosition(id, out)
}

// positionRecord mirrors the positions() outputs; field names follow abi.ToCamelCase.
type positionRecord struct {
	PositionType       uint8
	PositionSize       *big.Int
	EntryPrice         *big.Int
	Leverage           *big.Int
	StopLossTakeProfit *big.Int
	Margin             *big.Int
	CollateralToken    common.Address
	Open               bool
	RealizedPnL        *big.Int
	Fees               *big.Int
	OpenedAt           *big.Int
}

func decodePosition(id uint64, out []any) (domain.Position, error) {
	var rec positionRecord
	if err := managerABI.Methods["positions"].Outputs.Copy(&rec, out); err != nil {
		return domain.Position{}, fmt.Errorf("chain: positions: %w", err)
	}
	if !rec.Leverage.IsInt64() {
		return domain.Position{}, fmt.Errorf("chain: positions: leverage out of range: %s", rec.Leverage)
	}

	p := domain.Position{
		ID:                 id,
		Type:               domain.PositionType(rec.PositionType),
		Size:               FromFixed(rec.PositionSize),
		EntryPrice:         FromFixed(rec.EntryPrice),
		Leverage:           int(rec.Leverage.Int64()),
		StopLossTakeProfit: FromFixed(rec.StopLossTakeProfit),
		Margin:             FromFixed(rec.Margin),
		Collateral:         domain.CollateralNative,
		Open:               rec.Open,
		RealizedPnL:        FromFixed(rec.RealizedPnL),
		FeesPaid:           FromFixed(rec.Fees),
	}
	// The zero address marks native-currency collateral.
	if rec.CollateralToken != (common.Address{}) {
		p.Collateral = domain.CollateralToken
		p.CollateralToken = rec.CollateralToken.Hex()
	}
	if rec.OpenedAt != nil && rec.OpenedAt.Sign() > 0 && rec.OpenedAt.IsInt64() {
		p.OpenedAt = time.Unix(rec.OpenedAt.Int64(), 0).UTC()
	}
	return p, nil
}

// SupportedCollateralToken reports whether the manager accepts the configured token.
func (g *Gateway) SupportedCollateralToken(ctx context.Context, actx domain.AccountContext) (bool, error) {
	out, err := g.ReadCall(ctx, actx, Manager, "supportedCollateralTokens", g.cfg.TokenAddress)
	if err != nil {
		return false, err
	}
	return one[bool](out, "supportedCollateralTokens")
}

// TokenBalance returns the account's wallet balance of the collateral token.
func (g *Gateway) TokenBalance(ctx context.Context, actx domain.AccountContext) (decimal.Decimal, error) {
	v, err := g.readBig(ctx, actx, Token, "balanceOf", actx.Account)
	if err != nil {
		return decimal.Zero, err
	}
	return FromFixed(v), nil
}

// Allowance returns how much the manager may pull from the account.
func (g *Gateway) Allowance(ctx context.Context, actx domain.AccountContext) (decimal.Decimal, error) {
	v, err := g.readBig(ctx, actx, Token, "allowance", actx.Account, g.cfg.ManagerAddress)
	if err != nil {
		return decimal.Zero, err
	}
	return FromFixed(v), nil
}

// LatestPrice returns the mark price from the price feed.
func (g *Gateway) LatestPrice(ctx context.Context) (decimal.Decimal, error) {
	out, err := g.ReadCall(ctx, domain.AccountContext{}, PriceFeed, "getLatestPrice")
	if err != nil {
		return decimal.Zero, err
	}
	v, err := one[*big.Int](out, "getLatestPrice")
	if err != nil {
		return decimal.Zero, err
	}
	return FromFixed(v), nil
}

// Approve lets the manager pull amount of the collateral token.
func (g *Gateway) Approve(ctx context.Context, actx domain.AccountContext, amount decimal.Decimal) (*TxHandle, error) {
	wei, err := ToFixed(amount)
	if err != nil {
		return nil, err
	}
	return g.WriteCall(ctx, actx, Token, "approve", WriteOpts{}, g.cfg.ManagerAddress, wei)
}

// DepositNative deposits amount of native currency as margin.
func (g *Gateway) DepositNative(ctx context.Context, actx domain.AccountContext, amount decimal.Decimal) (*TxHandle, error) {
	wei, err := ToFixed(amount)
	if err != nil {
		return nil, err
	}
	return g.WriteCall(ctx, actx, Manager, "depositMargin", WriteOpts{Value: wei})
}

// DepositToken deposits amount of the collateral token as margin.
func (g *Gateway) DepositToken(ctx context.Context, actx domain.AccountContext, amount decimal.Decimal) (*TxHandle, error) {
	wei, err := ToFixed(amount)
	if err != nil {
		return nil, err
	}
	return g.WriteCall(ctx, actx, Manager, "depositMarginERC20", WriteOpts{}, g.cfg.TokenAddress, wei)
}

// OpenParams are the arguments of openPosition.
type OpenParams struct {
	Size               decimal.Decimal
	Leverage           int
	StopLossTakeProfit decimal.Decimal
	ReduceOnly         bool
	Type               domain.PositionType
}

// OpenPosition submits a new leveraged position.
func (g *Gateway) OpenPosition(ctx context.Context, actx domain.AccountContext, p OpenParams) (*TxHandle, error) {
	size, err := ToFixed(p.Size)
	if err != nil {
		return nil, err
	}
	sltp, err := ToFixed(p.StopLossTakeProfit)
	if err != nil {
		return nil, err
	}
	return g.WriteCall(ctx, actx, Manager, "openPosition", WriteOpts{},
		size, big.NewInt(int64(p.Leverage)), sltp, p.ReduceOnly, uint8(p.Type))
}

// ClosePosition closes position id.
func (g *Gateway) ClosePosition(ctx context.Context, actx domain.AccountContext, id uint64) (*TxHandle, error) {
	return g.WriteCall(ctx, actx, Manager, "closePosition", WriteOpts{}, new(big.Int).SetUint64(id))
}

// WithdrawMargin withdraws amount of margin from position id.
func (g *Gateway) WithdrawMargin(ctx context.Context, actx domain.AccountContext, id uint64, amount decimal.Decimal) (*TxHandle, error) {
	wei, err := ToFixed(amount)
	if err != nil {
		return nil, err
	}
	return g.WriteCall(ctx, actx, Manager, "withdrawMargin", WriteOpts{}, new(big.Int).SetUint64(id), wei)
}
