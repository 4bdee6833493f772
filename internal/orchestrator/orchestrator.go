// Package orchestrator runs user-initiated workflows against the margin
// manager as ordered write calls with one aggregate result. It never writes
// the ledger mirror; after any write reaches the chain it asks the synchronizer to
// reconcile.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
	"github.com/alanyoungcy/marginbot/internal/platform/chain"
)

// Gateway is the contract surface the workflows need.
type Gateway interface {
	Allowance(ctx context.Context, actx domain.AccountContext) (decimal.Decimal, error)
	TokenBalance(ctx context.Context, actx domain.AccountContext) (decimal.Decimal, error)
	SupportedCollateralToken(ctx context.Context, actx domain.AccountContext) (bool, error)

	Approve(ctx context.Context, actx domain.AccountContext, amount decimal.Decimal) (*chain.TxHandle, error)
	DepositNative(ctx context.Context, actx domain.AccountContext, amount decimal.Decimal) (*chain.TxHandle, error)
	DepositToken(ctx context.Context, actx domain.AccountContext, amount decimal.Decimal) (*chain.TxHandle, error)
	OpenPosition(ctx context.Context, actx domain.AccountContext, p chain.OpenParams) (*chain.TxHandle, error)
	ClosePosition(ctx context.Context, actx domain.AccountContext, id uint64) (*chain.TxHandle, error)
	WithdrawMargin(ctx context.Context, actx domain.AccountContext, id uint64, amount decimal.Decimal) (*chain.TxHandle, error)

	Resend(ctx context.Context, h *chain.TxHandle) error
	AwaitInclusion(ctx context.Context, h *chain.TxHandle) (chain.Receipt, error)
}

// Snapshotter exposes the latest ledger snapshot.
type Snapshotter interface {
	Snapshot() ledger.Snapshot
}

// Reconciler is asked for a fresh sync after writes land.
type Reconciler interface {
	RequestReconcile()
}

// ContextSource reports the active account context.
type ContextSource interface {
	Current() domain.AccountContext
}

// Alerter forwards terminal outcomes to operators.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// StreamAppender records finished operations. domain.SignalBus satisfies it.
type StreamAppender interface {
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// Config tunes retries and caching.
type Config struct {
	NetworkRetryDelay time.Duration
	ResultTTL         time.Duration
	LockTTL           time.Duration
}

// Deps collects the optional collaborators. Nil fields are skipped.
type Deps struct {
	Locks   domain.LockManager
	Audit   domain.AuditStore
	Alerter Alerter
	History StreamAppender
}

// Orchestrator is safe for concurrent use. Workflows for one account are
// serialized through the lock manager.
type Orchestrator struct {
	gw        Gateway
	snapshots Snapshotter
	reconcile Reconciler
	session   ContextSource
	deps      Deps
	cfg       Config
	logger    *slog.Logger

	results *resultCache

	mu      sync.Mutex
	pending map[string]*domain.PendingOperation
}

// New creates an Orchestrator.
func New(gw Gateway, snapshots Snapshotter, reconcile Reconciler, session ContextSource, deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.NetworkRetryDelay <= 0 {
		cfg.NetworkRetryDelay = time.Second
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 6 * time.Minute
	}
	return &Orchestrator{
		gw:        gw,
		snapshots: snapshots,
		reconcile: reconcile,
		session:   session,
		deps:      deps,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "orchestrator")),
		results:   newResultCache(cfg.ResultTTL),
		pending:   make(map[string]*domain.PendingOperation),
	}
}

// Run evicts expired results until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ResultTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.results.cleanup()
		}
	}
}

// Pending lists operations currently running.
func (o *Orchestrator) Pending() []domain.PendingOperation {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.PendingOperation, 0, len(o.pending))
	for _, op := range o.pending {
		cp := *op
		cp.Steps = append([]domain.Step(nil), op.Steps...)
		out = append(out, cp)
	}
	return out
}

// workflow carries the arguments of one operation.
type workflow struct {
	kind       domain.OperationKind
	amount     decimal.Decimal
	positionID uint64
	open       chain.OpenParams
	steps      []string
	run        func(o *Orchestrator, ctx context.Context, actx domain.AccountContext, op *domain.PendingOperation, w workflow) error
}

// fingerprint identifies the arguments an idempotency key was used with.
func (w workflow) fingerprint() string {
	return fmt.Sprintf("%s|%d|%s|%d|%s|%t|%s", w.amount, w.positionID,
		w.open.Size, w.open.Leverage, w.open.StopLossTakeProfit, w.open.ReduceOnly, w.open.Type)
}

// Approve sets the manager's token allowance to amount.
func (o *Orchestrator) Approve(ctx context.Context, key string, amount decimal.Decimal) (domain.Result, error) {
	return o.execute(ctx, key, workflow{kind: domain.OpApprove, amount: amount, steps: []string{"approve"}, run: (*Orchestrator).runApprove})
}

// DepositNative deposits amount of native currency.
func (o *Orchestrator) DepositNative(ctx context.Context, key string, amount decimal.Decimal) (domain.Result, error) {
	return o.execute(ctx, key, workflow{kind: domain.OpDepositNative, amount: amount, steps: []string{"depositMargin"}, run: (*Orchestrator).runDepositNative})
}

// DepositToken approves when the live allowance is short, then deposits.
func (o *Orchestrator) DepositToken(ctx context.Context, key string, amount decimal.Decimal) (domain.Result, error) {
	return o.execute(ctx, key, workflow{kind: domain.OpDepositToken, amount: amount, steps: []string{"approve", "depositMarginERC20"}, run: (*Orchestrator).runDepositToken})
}

// OpenPosition opens a leveraged position.
func (o *Orchestrator) OpenPosition(ctx context.Context, key string, p chain.OpenParams) (domain.Result, error) {
	return o.execute(ctx, key, workflow{kind: domain.OpOpen, open: p, steps: []string{"openPosition"}, run: (*Orchestrator).runOpen})
}

// ClosePosition closes an open position.
func (o *Orchestrator) ClosePosition(ctx context.Context, key string, id uint64) (domain.Result, error) {
	return o.execute(ctx, key, workflow{kind: domain.OpClose, positionID: id, steps: []string{"closePosition"}, run: (*Orchestrator).runClose})
}

// WithdrawMargin withdraws margin from an open position.
func (o *Orchestrator) WithdrawMargin(ctx context.Context, key string, id uint64, amount decimal.Decimal) (domain.Result, error) {
	return o.execute(ctx, key, workflow{kind: domain.OpWithdraw, positionID: id, amount: amount, steps: []string{"withdrawMargin"}, run: (*Orchestrator).runWithdraw})
}

func (o *Orchestrator) execute(ctx context.Context, key string, w workflow) (domain.Result, error) {
	actx := o.session.Current()
	if actx.IsZero() {
		err := fmt.Errorf("orchestrator: %w", domain.ErrStaleContext)
		return domain.Result{Kind: w.kind, Status: domain.OpFailed, Message: Describe(err)}, err
	}

	if key == "" {
		key = uuid.NewString()
	}
	cacheKey := fmt.Sprintf("%s:%s:%s", actx.Account.Hex(), w.kind, key)
	cached, hit, err := o.results.begin(cacheKey, w.fingerprint())
	if err != nil {
		res := domain.Result{OperationID: cached.OperationID, Kind: w.kind, Status: domain.OpFailed, Message: Describe(err)}
		if errors.Is(err, domain.ErrOperationInFlight) {
			res.Status = domain.OpRunning
		}
		return res, err
	}
	if hit {
		o.logger.InfoContext(ctx, "returning cached result",
			slog.String("kind", string(w.kind)),
			slog.String("key", key),
			slog.String("operation_id", cached.OperationID),
		)
		return cached, nil
	}

	unlock := func() {}
	if o.deps.Locks != nil {
		unlock, err = o.deps.Locks.Acquire(ctx, "margin:lock:"+actx.Account.Hex(), o.cfg.LockTTL)
		if err != nil {
			o.results.release(cacheKey)
			if errors.Is(err, domain.ErrLockHeld) {
				err = fmt.Errorf("orchestrator: %w", domain.ErrOperationInFlight)
			}
			return domain.Result{Kind: w.kind, Status: domain.OpFailed, Message: Describe(err)}, err
		}
	}
	defer unlock()

	op := &domain.PendingOperation{
		ID:        uuid.NewString(),
		Key:       key,
		Kind:      w.kind,
		Account:   actx.Account,
		Status:    domain.OpRunning,
		StartedAt: time.Now().UTC(),
	}
	for _, m := range w.steps {
		op.Steps = append(op.Steps, domain.Step{Method: m, Status: domain.StepPending})
	}
	o.track(op)

	// A write cannot be recalled once sent, so the caller going away must
	// not abandon the wait. Reads and inclusion carry their own timeouts.
	runCtx := context.WithoutCancel(ctx)
	runErr := w.run(o, runCtx, actx, op, w)
	res, unresolved := o.finish(runCtx, op, w, runErr)
	o.results.finish(cacheKey, res, unresolved)
	return res, runErr
}

func (o *Orchestrator) track(op *domain.PendingOperation) {
	o.mu.Lock()
	o.pending[op.ID] = op
	o.mu.Unlock()
}

// finish settles op. unresolved reports a write that was sent but whose
// outcome is unknown.
func (o *Orchestrator) finish(ctx context.Context, op *domain.PendingOperation, w workflow, err error) (domain.Result, bool) {
	o.mu.Lock()
	touched, unresolved := false, false
	for _, s := range op.Steps {
		switch s.Status {
		case domain.StepIncluded:
			touched = true
		case domain.StepSubmitted:
			touched, unresolved = true, true
		}
	}
	op.EndedAt = time.Now().UTC()
	op.Status = domain.OpSucceeded
	if err != nil {
		op.Status = domain.OpFailed
	}
	delete(o.pending, op.ID)
	final := *op
	final.Steps = append([]domain.Step(nil), op.Steps...)
	o.mu.Unlock()

	if touched {
		o.reconcile.RequestReconcile()
	}

	res := domain.Result{
		OperationID: final.ID,
		Kind:        final.Kind,
		Status:      final.Status,
		Success:     err == nil,
		Partial:     errors.Is(err, domain.ErrPartialSuccess),
		Steps:       final.Steps,
	}
	switch {
	case err == nil:
		res.Message = successMessage(&final, w)
	case res.Partial:
		res.Message = partialMessage(err)
	default:
		res.Message = Describe(err)
	}

	attrs := []any{
		slog.String("operation_id", final.ID),
		slog.String("kind", string(final.Kind)),
		slog.String("account", final.Account.Hex()),
		slog.String("status", string(final.Status)),
		slog.Bool("partial", res.Partial),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		o.logger.WarnContext(ctx, "operation failed", attrs...)
	} else {
		o.logger.InfoContext(ctx, "operation succeeded", attrs...)
	}
	o.record(ctx, final, res)
	return res, unresolved
}

// record fans the outcome out to audit, history and alerts. Failures there
// never change the result.
func (o *Orchestrator) record(ctx context.Context, op domain.PendingOperation, res domain.Result) {
	rec := domain.OperationRecord{PendingOperation: op, Partial: res.Partial, Message: res.Message}
	payload, err := json.Marshal(rec)
	if err != nil {
		o.logger.WarnContext(ctx, "encode operation record failed", slog.String("error", err.Error()))
	}
	if o.deps.Audit != nil && err == nil {
		var detail map[string]any
		if err := json.Unmarshal(payload, &detail); err == nil {
			if err := o.deps.Audit.Log(ctx, domain.AuditOperationFinished, detail); err != nil {
				o.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
			}
		}
	}
	if o.deps.History != nil && err == nil {
		if err := o.deps.History.StreamAppend(ctx, domain.StreamOperations, payload); err != nil {
			o.logger.WarnContext(ctx, "history append failed", slog.String("error", err.Error()))
		}
	}
	if o.deps.Alerter != nil {
		event := "operation_succeeded"
		if !res.Success {
			event = "operation_failed"
		}
		title := fmt.Sprintf("%s %s", op.Kind, op.Status)
		if err := o.deps.Alerter.Notify(ctx, event, title, res.Message); err != nil {
			o.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
		}
	}
}

func (o *Orchestrator) setStep(op *domain.PendingOperation, i int, mutate func(*domain.Step)) {
	o.mu.Lock()
	mutate(&op.Steps[i])
	o.mu.Unlock()
}

// step submits write i of op and waits for inclusion. A NetworkError from
// submission is retried once after the configured delay, resending the same
// signed transaction when one was built. Nothing else is retried.
func (o *Orchestrator) step(ctx context.Context, actx domain.AccountContext, op *domain.PendingOperation, i int, submit func() (*chain.TxHandle, error)) error {
	if cur := o.session.Current(); !cur.Same(actx) {
		err := fmt.Errorf("orchestrator: %s: %w", op.Steps[i].Method, domain.ErrStaleContext)
		o.failStep(op, i, err)
		return err
	}

	h, err := submit()
	if err != nil && errors.Is(err, domain.ErrNetwork) {
		o.logger.WarnContext(ctx, "network error on submit, retrying once",
			slog.String("method", op.Steps[i].Method),
			slog.String("error", err.Error()),
		)
		if werr := sleepCtx(ctx, o.cfg.NetworkRetryDelay); werr != nil {
			o.failStep(op, i, werr)
			return werr
		}
		if h != nil {
			err = o.gw.Resend(ctx, h)
		} else {
			h, err = submit()
		}
	}
	if err != nil {
		o.failStep(op, i, err)
		return err
	}

	o.setStep(op, i, func(s *domain.Step) {
		s.Status = domain.StepSubmitted
		s.TxHash = h.Hash.Hex()
	})
	if _, err := o.gw.AwaitInclusion(ctx, h); err != nil {
		if errors.Is(err, domain.ErrInclusionTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The transaction may still land; the step stays SUBMITTED.
			if !errors.Is(err, domain.ErrInclusionTimeout) {
				err = fmt.Errorf("orchestrator: %s %s: %w: %w", op.Steps[i].Method, h.Hash.Hex(), domain.ErrInclusionTimeout, err)
			}
			o.setStep(op, i, func(s *domain.Step) { s.Error = err.Error() })
			return err
		}
		o.failStep(op, i, err)
		return err
	}
	o.setStep(op, i, func(s *domain.Step) { s.Status = domain.StepIncluded })
	return nil
}

func (o *Orchestrator) failStep(op *domain.PendingOperation, i int, err error) {
	o.setStep(op, i, func(s *domain.Step) {
		s.Status = domain.StepFailed
		s.Error = err.Error()
	})
}

// read runs a precondition read, retrying one NetworkError.
func read[T any](ctx context.Context, o *Orchestrator, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err != nil && errors.Is(err, domain.ErrNetwork) {
		if werr := sleepCtx(ctx, o.cfg.NetworkRetryDelay); werr != nil {
			return v, werr
		}
		v, err = fn()
	}
	return v, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
