// Package service is the presentation-facing surface over the ledger mirror,
// the synchronizer and the orchestrator.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
	"github.com/alanyoungcy/marginbot/internal/orchestrator"
	"github.com/alanyoungcy/marginbot/internal/platform/chain"
	"github.com/alanyoungcy/marginbot/internal/synchronizer"
)

// Commands is the orchestrator surface.
type Commands interface {
	Approve(ctx context.Context, key string, amount decimal.Decimal) (domain.Result, error)
	DepositNative(ctx context.Context, key string, amount decimal.Decimal) (domain.Result, error)
	DepositToken(ctx context.Context, key string, amount decimal.Decimal) (domain.Result, error)
	OpenPosition(ctx context.Context, key string, p chain.OpenParams) (domain.Result, error)
	ClosePosition(ctx context.Context, key string, id uint64) (domain.Result, error)
	WithdrawMargin(ctx context.Context, key string, id uint64, amount decimal.Decimal) (domain.Result, error)
	Pending() []domain.PendingOperation
}

// Syncer is the synchronizer surface.
type Syncer interface {
	ReconcileAndWait(ctx context.Context) error
	Status() synchronizer.Status
}

// Snapshotter exposes the ledger mirror.
type Snapshotter interface {
	Snapshot() ledger.Snapshot
}

// Session is the account session surface.
type Session interface {
	Current() domain.AccountContext
	Accounts() []common.Address
	SetAccount(account common.Address) (domain.AccountContext, error)
}

// PositionView is a position with its unrealized PnL at the mark price.
type PositionView struct {
	domain.Position
	UnrealizedPnL *ledger.PnL `json:"unrealized_pnl,omitempty"`
}

// AccountView is what the presentation layer renders for the active account.
type AccountView struct {
	Context      domain.AccountContext     `json:"context"`
	Synced       bool                      `json:"synced"`
	Version      uint64                    `json:"version"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	Margin       domain.AccountMarginState `json:"margin"`
	Aggregate    ledger.Aggregate          `json:"aggregate_margin"`
	OpenCount    int                       `json:"open_count"`
	MarkPrice    decimal.NullDecimal       `json:"mark_price"`
	MarkPriceAt  *time.Time                `json:"mark_price_at,omitempty"`
	Positions    []PositionView            `json:"positions"`
	PendingCount int                       `json:"pending_operations"`
}

// StatusView summarises session and sync state.
type StatusView struct {
	Context  domain.AccountContext     `json:"context"`
	Accounts []common.Address          `json:"accounts"`
	Sync     synchronizer.Status       `json:"sync"`
	Version  uint64                    `json:"ledger_version"`
	Pending  []domain.PendingOperation `json:"pending"`
}

// DepositRequest selects native or token collateral.
type DepositRequest struct {
	Kind   domain.CollateralKind
	Amount decimal.Decimal
	Key    string
}

// OpenRequest carries the open-position inputs as typed by the user.
type OpenRequest struct {
	Size               decimal.Decimal
	Leverage           int
	StopLossTakeProfit decimal.Decimal
	ReduceOnly         bool
	PositionType       string
	Key                string
}

// AccountService answers queries from the mirror and forwards commands.
type AccountService struct {
	commands  Commands
	sync      Syncer
	snapshots Snapshotter
	session   Session
	prices    domain.PriceCache
	feed      string
	history   OperationHistory
	logger    *slog.Logger
}

// NewAccountService wires the service. prices may be nil when no price feed
// is configured, history when nothing records operations.
func NewAccountService(commands Commands, sync Syncer, snapshots Snapshotter, session Session, prices domain.PriceCache, feed string, history OperationHistory, logger *slog.Logger) *AccountService {
	return &AccountService{
		commands:  commands,
		sync:      sync,
		snapshots: snapshots,
		session:   session,
		prices:    prices,
		feed:      feed,
		history:   history,
		logger:    logger.With(slog.String("component", "account_service")),
	}
}

// Operation history page bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Operations returns finished operations of the active account, newest
// first.
func (s *AccountService) Operations(ctx context.Context, limit int) ([]domain.OperationRecord, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	actx := s.session.Current()
	if s.history == nil || actx.IsZero() {
		return []domain.OperationRecord{}, nil
	}
	recs, err := s.history.Recent(ctx, actx.Account, limit)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []domain.OperationRecord{}
	}
	return recs, nil
}

// Account builds the account view from the current snapshot.
func (s *AccountService) Account(ctx context.Context) AccountView {
	snap := s.snapshots.Snapshot()
	view := AccountView{
		Context:      snap.Context,
		Synced:       snap.Synced,
		Version:      snap.Version,
		UpdatedAt:    snap.UpdatedAt,
		Margin:       snap.Margin,
		Aggregate:    snap.AggregateMargin(),
		OpenCount:    len(snap.OpenPositions()),
		Positions:    make([]PositionView, 0, len(snap.Positions)),
		PendingCount: len(s.commands.Pending()),
	}

	price, at, ok := s.markPrice(ctx)
	if ok {
		view.MarkPrice = decimal.NewNullDecimal(price)
		view.MarkPriceAt = &at
	}
	for _, p := range snap.Positions {
		pv := PositionView{Position: p}
		if ok && p.Open {
			pnl := ledger.UnrealizedPnL(p, price)
			pv.UnrealizedPnL = &pnl
		}
		view.Positions = append(view.Positions, pv)
	}
	return view
}

// Positions returns positions, optionally only open ones.
func (s *AccountService) Positions(ctx context.Context, openOnly bool) []PositionView {
	all := s.Account(ctx).Positions
	if !openOnly {
		return all
	}
	out := all[:0:0]
	for _, p := range all {
		if p.Open {
			out = append(out, p)
		}
	}
	return out
}

// Position returns one position view or domain.ErrNotFound.
func (s *AccountService) Position(ctx context.Context, id uint64) (PositionView, error) {
	for _, p := range s.Account(ctx).Positions {
		if p.ID == id {
			return p, nil
		}
	}
	return PositionView{}, fmt.Errorf("service: position %d: %w", id, domain.ErrNotFound)
}

func (s *AccountService) markPrice(ctx context.Context) (decimal.Decimal, time.Time, bool) {
	if s.prices == nil {
		return decimal.Zero, time.Time{}, false
	}
	price, at, err := s.prices.GetPrice(ctx, s.feed)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.DebugContext(ctx, "mark price unavailable", slog.String("error", err.Error()))
		}
		return decimal.Zero, time.Time{}, false
	}
	return price, at, true
}

func (s *AccountService) Status() StatusView {
	return StatusView{
		Context:  s.session.Current(),
		Accounts: s.session.Accounts(),
		Sync:     s.sync.Status(),
		Version:  s.snapshots.Snapshot().Version,
		Pending:  s.commands.Pending(),
	}
}

// SetAccount switches the active account.
func (s *AccountService) SetAccount(account string) (domain.AccountContext, error) {
	if !common.IsHexAddress(account) {
		return domain.AccountContext{}, domain.Precondition("%q is not an account address", account)
	}
	actx, err := s.session.SetAccount(common.HexToAddress(account))
	if err != nil {
		return domain.AccountContext{}, fmt.Errorf("service: set account: %w", err)
	}
	return actx, nil
}

// Reconcile runs a sync and waits for it.
func (s *AccountService) Reconcile(ctx context.Context) error {
	if err := s.sync.ReconcileAndWait(ctx); err != nil {
		return fmt.Errorf("service: reconcile: %w", err)
	}
	return nil
}

// Deposit routes to the native or token workflow.
func (s *AccountService) Deposit(ctx context.Context, req DepositRequest) (domain.Result, error) {
	switch req.Kind {
	case domain.CollateralNative:
		return s.commands.DepositNative(ctx, req.Key, req.Amount)
	case domain.CollateralToken:
		return s.commands.DepositToken(ctx, req.Key, req.Amount)
	}
	err := domain.Precondition("unknown collateral kind %q", req.Kind)
	return failed(domain.OpDepositNative, err), err
}

func (s *AccountService) Approve(ctx context.Context, key string, amount decimal.Decimal) (domain.Result, error) {
	return s.commands.Approve(ctx, key, amount)
}

// Open parses the position type and forwards to the orchestrator.
func (s *AccountService) Open(ctx context.Context, req OpenRequest) (domain.Result, error) {
	pt, err := domain.ParsePositionType(strings.TrimSpace(req.PositionType))
	if err != nil {
		err = domain.Precondition("position type must be LONG or SHORT")
		return failed(domain.OpOpen, err), err
	}
	return s.commands.OpenPosition(ctx, req.Key, chain.OpenParams{
		Size:               req.Size,
		Leverage:           req.Leverage,
		StopLossTakeProfit: req.StopLossTakeProfit,
		ReduceOnly:         req.ReduceOnly,
		Type:               pt,
	})
}

func (s *AccountService) Close(ctx context.Context, key string, id uint64) (domain.Result, error) {
	return s.commands.ClosePosition(ctx, key, id)
}

func (s *AccountService) Withdraw(ctx context.Context, key string, id uint64, amount decimal.Decimal) (domain.Result, error) {
	return s.commands.WithdrawMargin(ctx, key, id, amount)
}

func failed(kind domain.OperationKind, err error) domain.Result {
	return domain.Result{Kind: kind, Status: domain.OpFailed, Message: orchestrator.Describe(err)}
}
