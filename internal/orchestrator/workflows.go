package orchestrator

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
	"github.com/alanyoungcy/marginbot/internal/platform/chain"
)

// MaxLeverage bounds the leverage accepted by openPosition.
const MaxLeverage = 100

func requirePositive(name string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return domain.Precondition("%s must be greater than zero", name)
	}
	return nil
}

// syncedSnapshot returns the ledger snapshot only if it mirrors actx.
func (o *Orchestrator) syncedSnapshot(actx domain.AccountContext) (ledger.Snapshot, error) {
	snap := o.snapshots.Snapshot()
	if !snap.Synced || !snap.Context.Same(actx) {
		return snap, domain.Precondition("account state is not synchronized yet")
	}
	return snap, nil
}

func openPosition(snap ledger.Snapshot, id uint64) (domain.Position, error) {
	p, ok := snap.Position(id)
	if !ok {
		return p, domain.Precondition("position #%d does not exist", id)
	}
	if !p.Open {
		return p, domain.Precondition("position #%d is not open", id)
	}
	return p, nil
}

func (o *Orchestrator) runApprove(ctx context.Context, actx domain.AccountContext, op *domain.PendingOperation, w workflow) error {
	if err := requirePositive("amount", w.amount); err != nil {
		return err
	}
	return o.step(ctx, actx, op, 0, func() (*chain.TxHandle, error) {
		return o.gw.Approve(ctx, actx, w.amount)
	})
}

func (o *Orchestrator) runDepositNative(ctx context.Context, actx domain.AccountContext, op *domain.PendingOperation, w workflow) error {
	if err := requirePositive("amount", w.amount); err != nil {
		return err
	}
	return o.step(ctx, actx, op, 0, func() (*chain.TxHandle, error) {
		return o.gw.DepositNative(ctx, actx, w.amount)
	})
}

func (o *Orchestrator) runDepositToken(ctx context.Context, actx domain.AccountContext, op *domain.PendingOperation, w workflow) error {
	if err := requirePositive("amount", w.amount); err != nil {
		return err
	}

	supported, err := read(ctx, o, func() (bool, error) { return o.gw.SupportedCollateralToken(ctx, actx) })
	if err != nil {
		return fmt.Errorf("orchestrator: check token support: %w", err)
	}
	if !supported {
		return domain.Precondition("the collateral token is not supported by the margin manager")
	}
	balance, err := read(ctx, o, func() (decimal.Decimal, error) { return o.gw.TokenBalance(ctx, actx) })
	if err != nil {
		return fmt.Errorf("orchestrator: read token balance: %w", err)
	}
	if balance.LessThan(w.amount) {
		return domain.Precondition("token balance %s is below %s", balance, w.amount)
	}

	// Live allowance, read right before acting.
	allowance, err := read(ctx, o, func() (decimal.Decimal, error) { return o.gw.Allowance(ctx, actx) })
	if err != nil {
		return fmt.Errorf("orchestrator: read allowance: %w", err)
	}
	approved := false
	if allowance.LessThan(w.amount) {
		if err := o.step(ctx, actx, op, 0, func() (*chain.TxHandle, error) {
			return o.gw.Approve(ctx, actx, w.amount)
		}); err != nil {
			return err
		}
		approved = true
	} else {
		o.setStep(op, 0, func(s *domain.Step) { s.Status = domain.StepSkipped })
	}

	err = o.step(ctx, actx, op, 1, func() (*chain.TxHandle, error) {
		return o.gw.DepositToken(ctx, actx, w.amount)
	})
	if err != nil && approved {
		return fmt.Errorf("orchestrator: %w: approved, not deposited: %w", domain.ErrPartialSuccess, err)
	}
	return err
}

func (o *Orchestrator) runOpen(ctx context.Context, actx domain.AccountContext, op *domain.PendingOperation, w workflow) error {
	p := w.open
	if err := requirePositive("size", p.Size); err != nil {
		return err
	}
	if p.Leverage < 1 || p.Leverage > MaxLeverage {
		return domain.Precondition("leverage must be between 1 and %d", MaxLeverage)
	}
	if !p.Type.Valid() {
		return domain.Precondition("position type must be LONG or SHORT")
	}
	if p.StopLossTakeProfit.IsNegative() {
		return domain.Precondition("stop-loss/take-profit must not be negative")
	}

	snap, err := o.syncedSnapshot(actx)
	if err != nil {
		return err
	}
	if !snap.AggregateMargin().Total().IsPositive() {
		return domain.Precondition("no margin deposited")
	}
	if open := snap.OpenPositions(); len(open) > 0 {
		return domain.Precondition("position #%d is already open; close it first", open[0].ID)
	}

	return o.step(ctx, actx, op, 0, func() (*chain.TxHandle, error) {
		return o.gw.OpenPosition(ctx, actx, p)
	})
}

func (o *Orchestrator) runClose(ctx context.Context, actx domain.AccountContext, op *domain.PendingOperation, w workflow) error {
	id := w.positionID
	snap, err := o.syncedSnapshot(actx)
	if err != nil {
		return err
	}
	if _, err := openPosition(snap, id); err != nil {
		return err
	}
	return o.step(ctx, actx, op, 0, func() (*chain.TxHandle, error) {
		return o.gw.ClosePosition(ctx, actx, id)
	})
}

func (o *Orchestrator) runWithdraw(ctx context.Context, actx domain.AccountContext, op *domain.PendingOperation, w workflow) error {
	if err := requirePositive("amount", w.amount); err != nil {
		return err
	}
	snap, err := o.syncedSnapshot(actx)
	if err != nil {
		return err
	}
	p, err := openPosition(snap, w.positionID)
	if err != nil {
		return err
	}
	if w.amount.GreaterThan(p.Margin) {
		return domain.Precondition("amount %s exceeds position margin %s", w.amount, p.Margin)
	}
	return o.step(ctx, actx, op, 0, func() (*chain.TxHandle, error) {
		return o.gw.WithdrawMargin(ctx, actx, w.positionID, w.amount)
	})
}
