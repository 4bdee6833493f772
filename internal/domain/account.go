package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AccountMarginState is the per-account margin summary reported by the ledger.
type AccountMarginState struct {
	EthMargin     decimal.Decimal `json:"eth_margin"`
	TokenMargin   decimal.Decimal `json:"token_margin"`
	PositionCount uint64          `json:"position_count"`
}

// AccountContext is an immutable capture of the active account and network.
// Epoch increases on every change, so two contexts with the same account and
// chain but different epochs are still distinct.
type AccountContext struct {
	Account common.Address `json:"account"`
	ChainID int64          `json:"chain_id"`
	Epoch   uint64         `json:"epoch"`
}

// IsZero reports whether no account is active.
func (c AccountContext) IsZero() bool {
	return c.Account == (common.Address{})
}

// Same reports whether c and o were captured from the same session state.
func (c AccountContext) Same(o AccountContext) bool {
	return c.Epoch == o.Epoch && c.Account == o.Account && c.ChainID == o.ChainID
}
