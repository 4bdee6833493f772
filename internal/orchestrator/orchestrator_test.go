package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/cache/memory"
	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
	"github.com/alanyoungcy/marginbot/internal/platform/chain"
)

var actx = domain.AccountContext{Account: common.HexToAddress("0xabc"), ChainID: 1, Epoch: 1}

type fakeGateway struct {
	mu        sync.Mutex
	allowance decimal.Decimal
	balance   decimal.Decimal
	supported bool
	writes    []string
	resends   int
	submitErr map[string][]error
	resendErr []error
	awaitErr  map[string]error
	onInclude func(method string)
	// awaitGate, when set, holds AwaitInclusion until closed or ctx ends.
	awaitGate chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		allowance: decimal.Zero,
		balance:   decimal.NewFromInt(1000),
		supported: true,
		submitErr: map[string][]error{},
		awaitErr:  map[string]error{},
	}
}

func (f *fakeGateway) Allowance(context.Context, domain.AccountContext) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowance, nil
}

func (f *fakeGateway) TokenBalance(context.Context, domain.AccountContext) (decimal.Decimal, error) {
	return f.balance, nil
}

func (f *fakeGateway) SupportedCollateralToken(context.Context, domain.AccountContext) (bool, error) {
	return f.supported, nil
}

func (f *fakeGateway) write(method string) (*chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, method)
	h := &chain.TxHandle{Method: method, Hash: common.BytesToHash([]byte(fmt.Sprintf("%s-%d", method, len(f.writes))))}
	if errs := f.submitErr[method]; len(errs) > 0 {
		err := errs[0]
		f.submitErr[method] = errs[1:]
		if errors.Is(err, domain.ErrNetwork) {
			return h, err
		}
		return nil, err
	}
	return h, nil
}

func (f *fakeGateway) Approve(context.Context, domain.AccountContext, decimal.Decimal) (*chain.TxHandle, error) {
	return f.write("approve")
}

func (f *fakeGateway) DepositNative(context.Context, domain.AccountContext, decimal.Decimal) (*chain.TxHandle, error) {
	return f.write("depositMargin")
}

func (f *fakeGateway) DepositToken(context.Context, domain.AccountContext, decimal.Decimal) (*chain.TxHandle, error) {
	return f.write("depositMarginERC20")
}

func (f *fakeGateway) OpenPosition(context.Context, domain.AccountContext, chain.OpenParams) (*chain.TxHandle, error) {
	return f.write("openPosition")
}

func (f *fakeGateway) ClosePosition(context.Context, domain.AccountContext, uint64) (*chain.TxHandle, error) {
	return f.write("closePosition")
}

func (f *fakeGateway) WithdrawMargin(context.Context, domain.AccountContext, uint64, decimal.Decimal) (*chain.TxHandle, error) {
	return f.write("withdrawMargin")
}

func (f *fakeGateway) Resend(context.Context, *chain.TxHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resends++
	if len(f.resendErr) > 0 {
		err := f.resendErr[0]
		f.resendErr = f.resendErr[1:]
		return err
	}
	return nil
}

func (f *fakeGateway) AwaitInclusion(ctx context.Context, h *chain.TxHandle) (chain.Receipt, error) {
	f.mu.Lock()
	err := f.awaitErr[h.Method]
	cb := f.onInclude
	gate := f.awaitGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-ctx.Done():
			return chain.Receipt{}, ctx.Err()
		case <-gate:
		}
	}
	if err != nil {
		return chain.Receipt{}, err
	}
	if cb != nil {
		cb(h.Method)
	}
	return chain.Receipt{Hash: h.Hash}, nil
}

func (f *fakeGateway) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

type countingReconciler struct {
	mu sync.Mutex
	n  int
}

func (c *countingReconciler) RequestReconcile() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingReconciler) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type staticSession struct {
	mu  sync.Mutex
	cur domain.AccountContext
}

func (s *staticSession) Current() domain.AccountContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type env struct {
	gw     *fakeGateway
	ledger *ledger.Ledger
	rec    *countingReconciler
	sess   *staticSession
	orch   *Orchestrator
}

func newEnv(t *testing.T, positions ...domain.Position) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{gw: newFakeGateway(), ledger: ledger.New(logger), rec: &countingReconciler{}, sess: &staticSession{cur: actx}}
	margin := domain.AccountMarginState{PositionCount: uint64(len(positions))}
	for _, p := range positions {
		margin.EthMargin = margin.EthMargin.Add(p.Margin)
	}
	_, err := e.ledger.ReplaceSnapshot(actx, positions, margin)
	require.NoError(t, err)
	e.orch = New(e.gw, e.ledger, e.rec, e.sess, Deps{}, Config{NetworkRetryDelay: time.Millisecond}, logger)
	return e
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func deposit(id uint64, margin string) domain.Position {
	return domain.Position{ID: id, Margin: dec(margin), Collateral: domain.CollateralNative, Leverage: 1}
}

func openPos(id uint64, margin string) domain.Position {
	p := deposit(id, margin)
	p.Open = true
	p.Size = dec("1")
	return p
}

var longParams = chain.OpenParams{Size: dec("2"), Leverage: 5, Type: domain.PositionLong}

func TestDepositTokenApprovesOnlyWhenNeeded(t *testing.T) {
	e := newEnv(t)
	res, err := e.orch.DepositToken(context.Background(), "", dec("10"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"approve", "depositMarginERC20"}, e.gw.Writes())
	assert.Equal(t, domain.StepIncluded, res.Steps[0].Status)

	e2 := newEnv(t)
	e2.gw.allowance = dec("10")
	res, err = e2.orch.DepositToken(context.Background(), "", dec("10"))
	require.NoError(t, err)
	assert.Equal(t, []string{"depositMarginERC20"}, e2.gw.Writes())
	assert.Equal(t, domain.StepSkipped, res.Steps[0].Status)
	assert.Equal(t, 1, e2.rec.Count())
}

func TestDepositTokenPartialSuccess(t *testing.T) {
	e := newEnv(t)
	e.gw.onInclude = func(method string) {
		if method == "approve" {
			e.gw.mu.Lock()
			e.gw.allowance = dec("10")
			e.gw.mu.Unlock()
		}
	}
	e.gw.awaitErr["depositMarginERC20"] = &domain.RevertError{Method: "depositMarginERC20", Reason: "paused"}

	res, err := e.orch.DepositToken(context.Background(), "k1", dec("10"))
	require.ErrorIs(t, err, domain.ErrPartialSuccess)
	assert.ErrorIs(t, err, domain.ErrRevert)
	assert.True(t, res.Partial)
	assert.False(t, res.Success)
	assert.Equal(t, domain.OpFailed, res.Status)
	assert.Contains(t, res.Message, "approval is already final")
	assert.Equal(t, 1, e.rec.Count())

	// A failed key may be retried; the live allowance now covers the deposit.
	delete(e.gw.awaitErr, "depositMarginERC20")
	res, err = e.orch.DepositToken(context.Background(), "k1", dec("10"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"approve", "depositMarginERC20", "depositMarginERC20"}, e.gw.Writes())
}

func TestDepositTokenPreconditions(t *testing.T) {
	e := newEnv(t)
	e.gw.supported = false
	_, err := e.orch.DepositToken(context.Background(), "", dec("1"))
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	e.gw.supported = true
	_, err = e.orch.DepositToken(context.Background(), "", dec("5000"))
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	_, err = e.orch.DepositToken(context.Background(), "", decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
	assert.Empty(t, e.gw.Writes())
}

func TestOpenWithoutMarginMakesNoWrites(t *testing.T) {
	e := newEnv(t)
	res, err := e.orch.OpenPosition(context.Background(), "", longParams)
	require.ErrorIs(t, err, domain.ErrPreconditionFailed)
	assert.False(t, res.Success)
	assert.Empty(t, e.gw.Writes())
	assert.Zero(t, e.rec.Count())
}

func TestOpenRejectsSecondOpenPosition(t *testing.T) {
	e := newEnv(t, deposit(0, "5"), openPos(1, "5"))
	_, err := e.orch.OpenPosition(context.Background(), "", longParams)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
	assert.Empty(t, e.gw.Writes())
}

func TestOpenValidatesInput(t *testing.T) {
	e := newEnv(t, deposit(0, "5"))
	for _, p := range []chain.OpenParams{
		{Size: dec("1"), Leverage: 0, Type: domain.PositionLong},
		{Size: dec("1"), Leverage: 101, Type: domain.PositionLong},
		{Size: decimal.Zero, Leverage: 2, Type: domain.PositionLong},
		{Size: dec("1"), Leverage: 2, Type: domain.PositionType(7)},
	} {
		_, err := e.orch.OpenPosition(context.Background(), "", p)
		assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
	}
	assert.Empty(t, e.gw.Writes())

	res, err := e.orch.OpenPosition(context.Background(), "", longParams)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"openPosition"}, e.gw.Writes())
	assert.Equal(t, 1, e.rec.Count())
}

func TestOpenRequiresSyncedContext(t *testing.T) {
	e := newEnv(t, deposit(0, "5"))
	e.sess.mu.Lock()
	e.sess.cur.Epoch = 2
	e.sess.mu.Unlock()
	_, err := e.orch.OpenPosition(context.Background(), "", longParams)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
	assert.Empty(t, e.gw.Writes())
}

func TestCloseIsIdempotentPerKey(t *testing.T) {
	e := newEnv(t, openPos(0, "5"))
	first, err := e.orch.ClosePosition(context.Background(), "close-0", 0)
	require.NoError(t, err)
	second, err := e.orch.ClosePosition(context.Background(), "close-0", 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"closePosition"}, e.gw.Writes())
	assert.Equal(t, 1, e.rec.Count())
}

func TestCloseRequiresOpenPosition(t *testing.T) {
	e := newEnv(t, deposit(0, "5"))
	_, err := e.orch.ClosePosition(context.Background(), "", 0)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
	_, err = e.orch.ClosePosition(context.Background(), "", 9)
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
	assert.Empty(t, e.gw.Writes())
}

func TestWithdrawBoundedByMargin(t *testing.T) {
	e := newEnv(t, openPos(0, "5"))
	_, err := e.orch.WithdrawMargin(context.Background(), "", 0, dec("6"))
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	res, err := e.orch.WithdrawMargin(context.Background(), "", 0, dec("5"))
	require.NoError(t, err)
	assert.Contains(t, res.Message, "Withdrew 5")
}

func TestNetworkErrorRetriedOnce(t *testing.T) {
	e := newEnv(t, openPos(0, "5"))
	e.gw.submitErr["closePosition"] = []error{fmt.Errorf("send: %w", domain.ErrNetwork)}
	res, err := e.orch.ClosePosition(context.Background(), "", 0)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, e.gw.resends)
	assert.Len(t, e.gw.Writes(), 1)

	e2 := newEnv(t, openPos(0, "5"))
	e2.gw.submitErr["closePosition"] = []error{fmt.Errorf("send: %w", domain.ErrNetwork)}
	e2.gw.resendErr = []error{fmt.Errorf("send: %w", domain.ErrNetwork)}
	_, err = e2.orch.ClosePosition(context.Background(), "", 0)
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, 1, e2.gw.resends)
	assert.Len(t, e2.gw.Writes(), 1)
}

func TestRevertAndGasErrorsNotRetried(t *testing.T) {
	for _, cause := range []error{
		&domain.RevertError{Method: "openPosition", Reason: "insufficient margin"},
		fmt.Errorf("estimate: %w", domain.ErrInsufficientGasLimit),
	} {
		e := newEnv(t, deposit(0, "5"))
		e.gw.submitErr["openPosition"] = []error{cause}
		res, err := e.orch.OpenPosition(context.Background(), "", longParams)
		require.Error(t, err)
		assert.False(t, res.Success)
		assert.Len(t, e.gw.Writes(), 1)
		assert.Zero(t, e.gw.resends)
		assert.Equal(t, domain.StepFailed, res.Steps[0].Status)
	}
}

func TestLockHeldIsInFlight(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := newEnv(t, openPos(0, "5"))
	o := New(e.gw, e.ledger, e.rec, e.sess, Deps{Locks: heldLocks{}}, Config{}, logger)
	_, err := o.ClosePosition(context.Background(), "k", 0)
	assert.ErrorIs(t, err, domain.ErrOperationInFlight)
	assert.Empty(t, e.gw.Writes())

	// The key was released, so a later attempt is not blocked by the cache.
	o.deps.Locks = nil
	_, err = o.ClosePosition(context.Background(), "k", 0)
	assert.NoError(t, err)
}

func TestNoActiveAccountIsStale(t *testing.T) {
	e := newEnv(t)
	e.sess.mu.Lock()
	e.sess.cur = domain.AccountContext{}
	e.sess.mu.Unlock()
	_, err := e.orch.DepositNative(context.Background(), "", dec("1"))
	assert.ErrorIs(t, err, domain.ErrStaleContext)
}

func TestDescribeDistinguishesClasses(t *testing.T) {
	msgs := map[string]error{
		"rejected the transaction: boom": &domain.RevertError{Reason: "boom"},
		"ran out of gas":                 domain.ErrInsufficientGasLimit,
		"Could not reach the network":    domain.ErrNetwork,
		"changed during the operation":   domain.ErrStaleContext,
		"Not submitted: x":               domain.Precondition("x"),
		"not confirmed in time":          domain.ErrInclusionTimeout,
	}
	for want, err := range msgs {
		assert.Contains(t, Describe(fmt.Errorf("wrap: %w", err)), want)
	}
}

func TestResultCacheLifecycle(t *testing.T) {
	c := newResultCache(time.Hour)
	_, hit, err := c.begin("a", "1")
	require.NoError(t, err)
	assert.False(t, hit)

	_, _, err = c.begin("a", "1")
	assert.ErrorIs(t, err, domain.ErrOperationInFlight)

	c.finish("a", domain.Result{Status: domain.OpSucceeded, Message: "ok"}, false)
	r, hit, err := c.begin("a", "1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "ok", r.Message)

	_, _, err = c.begin("a", "2")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)

	c.finish("b", domain.Result{Status: domain.OpFailed}, false)
	_, hit, err = c.begin("b", "")
	require.NoError(t, err)
	assert.False(t, hit)

	c.finish("u", domain.Result{OperationID: "op-u", Status: domain.OpFailed}, true)
	r, _, err = c.begin("u", "")
	assert.ErrorIs(t, err, domain.ErrOutcomeUnknown)
	assert.Equal(t, "op-u", r.OperationID)

	c.ttl = 0
	c.cleanup()
	assert.Len(t, c.entries, 1)
}

func TestCallerCancelDoesNotAbandonSubmittedWrite(t *testing.T) {
	e := newEnv(t)
	e.gw.awaitGate = make(chan struct{})
	time.AfterFunc(60*time.Millisecond, func() { close(e.gw.awaitGate) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	first, err := e.orch.DepositNative(ctx, "k", dec("1"))
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, domain.StepIncluded, first.Steps[0].Status)
	assert.Equal(t, 1, e.rec.Count())

	again, err := e.orch.DepositNative(context.Background(), "k", dec("1"))
	require.NoError(t, err)
	assert.Equal(t, first.OperationID, again.OperationID)
	assert.Equal(t, []string{"depositMargin"}, e.gw.Writes())
}

func TestUnconfirmedWriteBlocksSameKey(t *testing.T) {
	for name, waitErr := range map[string]error{
		"inclusion timeout": fmt.Errorf("chain: depositMargin: %w", domain.ErrInclusionTimeout),
		"context deadline":  context.DeadlineExceeded,
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			e.gw.awaitErr["depositMargin"] = waitErr

			res, err := e.orch.DepositNative(context.Background(), "k", dec("1"))
			require.ErrorIs(t, err, domain.ErrInclusionTimeout)
			assert.False(t, res.Success)
			assert.Equal(t, domain.StepSubmitted, res.Steps[0].Status)
			assert.Contains(t, res.Message, "not confirmed in time")
			assert.NotContains(t, res.Message, "context deadline")
			assert.Equal(t, 1, e.rec.Count())

			delete(e.gw.awaitErr, "depositMargin")
			again, err := e.orch.DepositNative(context.Background(), "k", dec("1"))
			require.ErrorIs(t, err, domain.ErrOutcomeUnknown)
			assert.Equal(t, res.OperationID, again.OperationID)
			assert.Contains(t, again.Message, "never confirmed")
			assert.Equal(t, []string{"depositMargin"}, e.gw.Writes())

			_, err = e.orch.DepositNative(context.Background(), "k2", dec("1"))
			require.NoError(t, err)
			assert.Len(t, e.gw.Writes(), 2)
		})
	}
}

func TestKeyReusedWithOtherArgumentsRejected(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.DepositNative(context.Background(), "k", dec("1"))
	require.NoError(t, err)

	res, err := e.orch.DepositNative(context.Background(), "k", dec("2"))
	require.ErrorIs(t, err, domain.ErrPreconditionFailed)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"depositMargin"}, e.gw.Writes())

	// Equal amounts written differently share a fingerprint.
	res, err = e.orch.DepositNative(context.Background(), "k", dec("1.00"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, e.gw.Writes(), 1)
}

func TestFinishedOperationRecordedInHistory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := newEnv(t)
	bus := memory.NewSignalBus(0)
	o := New(e.gw, e.ledger, e.rec, e.sess, Deps{History: bus}, Config{}, logger)

	res, err := o.DepositNative(context.Background(), "k", dec("2"))
	require.NoError(t, err)

	msgs, err := bus.StreamRead(context.Background(), domain.StreamOperations, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var rec domain.OperationRecord
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &rec))
	assert.Equal(t, res.OperationID, rec.ID)
	assert.Equal(t, actx.Account, rec.Account)
	assert.Equal(t, domain.OpSucceeded, rec.Status)
	assert.Equal(t, res.Message, rec.Message)
}

type failingAlerter struct{}

func (failingAlerter) Notify(context.Context, string, string, string) error {
	return errors.New("webhook down")
}

func TestAlertFailureLoggedNotReturned(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := newEnv(t)
	o := New(e.gw, e.ledger, e.rec, e.sess, Deps{Alerter: failingAlerter{}}, Config{}, logger)

	res, err := o.DepositNative(context.Background(), "", dec("1"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, buf.String(), "alert failed")
	assert.Contains(t, buf.String(), "webhook down")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
