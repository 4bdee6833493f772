package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionType is the direction of a leveraged position. The numeric values
// match the ledger's encoding.
type PositionType uint8

const (
	PositionLong  PositionType = 0
	PositionShort PositionType = 1
)

func (t PositionType) String() string {
	switch t {
	case PositionLong:
		return "LONG"
	case PositionShort:
		return "SHORT"
	default:
		return fmt.Sprintf("PositionType(%d)", uint8(t))
	}
}

// Valid reports whether t is LONG or SHORT.
func (t PositionType) Valid() bool {
	return t == PositionLong || t == PositionShort
}

func (t PositionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *PositionType) UnmarshalText(b []byte) error {
	p, err := ParsePositionType(string(b))
	if err != nil {
		return err
	}
	*t = p
	return nil
}

// ParsePositionType accepts "long"/"short" in any case.
func ParsePositionType(s string) (PositionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG":
		return PositionLong, nil
	case "SHORT":
		return PositionShort, nil
	}
	return 0, fmt.Errorf("unknown position type %q", s)
}

// CollateralKind identifies which margin bucket backs a position.
type CollateralKind string

const (
	CollateralNative CollateralKind = "NATIVE"
	CollateralToken  CollateralKind = "TOKEN"
)

// Position mirrors one ledger position record. ID is the dense zero-based
// sequence assigned by the ledger per account.
type Position struct {
	ID                 uint64          `json:"id"`
	Type               PositionType    `json:"position_type"`
	Size               decimal.Decimal `json:"size"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	Leverage           int             `json:"leverage"`
	StopLossTakeProfit decimal.Decimal `json:"stop_loss_take_profit"`
	Margin             decimal.Decimal `json:"margin"`
	Collateral         CollateralKind  `json:"collateral_kind"`
	CollateralToken    string          `json:"collateral_token,omitempty"`
	Open               bool            `json:"open"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	FeesPaid           decimal.Decimal `json:"fees_paid"`
	OpenedAt           time.Time       `json:"opened_at"`
}
