package synchronizer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
)

type fakeReader struct {
	mu         sync.Mutex
	count      uint64
	positions  map[uint64]domain.Position
	failPos    map[uint64]error
	failOnce   map[uint64]error
	countCalls int
	posCalls   map[uint64]int
	gate       chan struct{}
	entered    chan struct{}
}

func newFakeReader(ps ...domain.Position) *fakeReader {
	r := &fakeReader{positions: map[uint64]domain.Position{}, failPos: map[uint64]error{}, failOnce: map[uint64]error{}, posCalls: map[uint64]int{}}
	for _, p := range ps {
		r.positions[p.ID] = p
	}
	r.count = uint64(len(ps))
	return r
}

func (r *fakeReader) UserPositionCount(ctx context.Context, _ domain.AccountContext) (uint64, error) {
	r.mu.Lock()
	r.countCalls++
	gate, entered := r.gate, r.entered
	r.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count, nil
}

func (r *fakeReader) Position(_ context.Context, _ domain.AccountContext, id uint64) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posCalls[id]++
	if err := r.failPos[id]; err != nil {
		return domain.Position{}, err
	}
	if err := r.failOnce[id]; err != nil {
		delete(r.failOnce, id)
		return domain.Position{}, err
	}
	return r.positions[id], nil
}

func (r *fakeReader) UserMargin(context.Context, domain.AccountContext) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := decimal.Zero
	for _, p := range r.positions {
		if p.Collateral == domain.CollateralNative {
			total = total.Add(p.Margin)
		}
	}
	return total, nil
}

func (r *fakeReader) UserTokenMargin(context.Context, domain.AccountContext) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakeSession struct {
	mu  sync.Mutex
	cur domain.AccountContext
}

func (s *fakeSession) Current() domain.AccountContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *fakeSession) set(c domain.AccountContext) {
	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
}

type countingBus struct {
	mu    sync.Mutex
	count int
}

func (b *countingBus) Publish(context.Context, string, []byte) error {
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
	return nil
}

func (b *countingBus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

var ctxA = domain.AccountContext{Account: common.HexToAddress("0xaa"), ChainID: 1, Epoch: 1}

func pos(id uint64, open bool) domain.Position {
	return domain.Position{ID: id, Open: open, Margin: decimal.NewFromInt(1), Collateral: domain.CollateralNative, Leverage: 2}
}

type harness struct {
	reader *fakeReader
	sess   *fakeSession
	ledger *ledger.Ledger
	bus    *countingBus
	sync   *Synchronizer
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, r *fakeReader) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{reader: r, sess: &fakeSession{cur: ctxA}, ledger: ledger.New(logger), bus: &countingBus{}, done: make(chan error, 1)}
	h.sync = New(r, h.sess, h.ledger, h.bus, nil, Config{
		Interval:       time.Hour,
		BackoffInitial: time.Hour,
	}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sync.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func wait(t *testing.T, s *Synchronizer) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.ReconcileAndWait(ctx)
}

func TestInitialSyncApplies(t *testing.T) {
	h := start(t, newFakeReader(pos(0, false), pos(1, true)))
	require.NoError(t, wait(t, h.sync))

	snap := h.ledger.Snapshot()
	require.Len(t, snap.Positions, 2)
	assert.True(t, snap.Synced)
	assert.Equal(t, uint64(2), snap.Margin.PositionCount)
	assert.True(t, snap.Margin.EthMargin.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, StateIdle, h.sync.Status().State)
}

func TestFailedReadLeavesSnapshotUntouched(t *testing.T) {
	r := newFakeReader(pos(0, false), pos(1, true))
	h := start(t, r)
	require.NoError(t, wait(t, h.sync))
	before := h.ledger.Snapshot()

	r.mu.Lock()
	r.positions[2] = pos(2, true)
	r.count = 3
	r.failPos[2] = errors.New("execution reverted")
	r.mu.Unlock()

	err := wait(t, h.sync)
	require.Error(t, err)

	after := h.ledger.Snapshot()
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Positions, after.Positions)
	assert.Equal(t, uint64(2), after.Margin.PositionCount)

	st := h.sync.Status()
	assert.Equal(t, StateBackoff, st.State)
	assert.Equal(t, 1, st.Failures)
}

func TestRequestsDuringCycleCoalesce(t *testing.T) {
	r := newFakeReader(pos(0, true))
	r.gate = make(chan struct{})
	r.entered = make(chan struct{}, 1)
	h := start(t, r)

	<-r.entered
	h.sync.RequestReconcile()
	h.sync.RequestReconcile()

	waited := make(chan error, 1)
	go func() { waited <- wait(t, h.sync) }()
	time.Sleep(20 * time.Millisecond)
	close(r.gate)

	require.NoError(t, <-waited)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 2, h.bus.Count())
	r.mu.Lock()
	assert.Equal(t, 2, r.countCalls)
	r.mu.Unlock()
	assert.Equal(t, uint64(2), h.sync.Status().Applied)
}

func TestRequestDuringFailingCycleSkipsBackoff(t *testing.T) {
	r := newFakeReader(pos(0, true))
	r.failOnce[0] = errors.New("execution reverted")
	r.gate = make(chan struct{})
	r.entered = make(chan struct{}, 1)
	h := start(t, r)
	<-r.entered

	waited := make(chan error, 1)
	go func() { waited <- wait(t, h.sync) }()
	time.Sleep(20 * time.Millisecond)
	close(r.gate)

	require.NoError(t, <-waited)
	st := h.sync.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Zero(t, st.Failures)
	assert.Equal(t, uint64(1), st.Applied)
	assert.True(t, h.ledger.Snapshot().Synced)
	r.mu.Lock()
	assert.Equal(t, 2, r.countCalls)
	r.mu.Unlock()
}

func TestContextSwitchDiscardsInFlightCycle(t *testing.T) {
	r := newFakeReader(pos(0, true))
	r.gate = make(chan struct{})
	r.entered = make(chan struct{}, 1)
	h := start(t, r)
	<-r.entered

	ctxB := domain.AccountContext{Account: common.HexToAddress("0xbb"), ChainID: 1, Epoch: 2}
	h.sess.set(ctxB)
	h.sync.ContextChanged(ctxB)
	<-r.entered
	close(r.gate)

	require.NoError(t, wait(t, h.sync))
	snap := h.ledger.Snapshot()
	assert.True(t, snap.Context.Same(ctxB))
	assert.True(t, snap.Synced)
	assert.GreaterOrEqual(t, h.sync.Status().Discarded, uint64(1))
}

func TestUnchangedCountRefetchesOnlyOpen(t *testing.T) {
	r := newFakeReader(pos(0, false), pos(1, true))
	h := start(t, r)
	require.NoError(t, wait(t, h.sync))
	require.NoError(t, wait(t, h.sync))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 1, r.posCalls[0])
	assert.GreaterOrEqual(t, r.posCalls[1], 2)
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, time.Second, backoffDelay(time.Second, 10*time.Second, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(time.Second, 10*time.Second, 3))
	assert.Equal(t, 10*time.Second, backoffDelay(time.Second, 10*time.Second, 9))
}

type failingAlerter struct{}

func (failingAlerter) Notify(context.Context, string, string, string) error {
	return errors.New("webhook down")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func TestAlertFailureIsLogged(t *testing.T) {
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	r := newFakeReader(pos(0, true))
	r.failPos[0] = errors.New("execution reverted")
	s := New(r, &fakeSession{cur: ctxA}, ledger.New(logger), nil, failingAlerter{}, Config{
		Interval:       time.Hour,
		BackoffInitial: time.Hour,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	require.Error(t, wait(t, s))
	assert.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "alert failed") && strings.Contains(out, "webhook down")
	}, time.Second, 5*time.Millisecond)
}
