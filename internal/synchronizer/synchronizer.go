// Package synchronizer keeps the ledger mirror reconciled with the remote
// ledger. It is the only writer of ledger.Ledger.
package synchronizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
)

// Reader is the read surface of the contract gateway used by a sync cycle.
type Reader interface {
	UserPositionCount(ctx context.Context, actx domain.AccountContext) (uint64, error)
	Position(ctx context.Context, actx domain.AccountContext, id uint64) (domain.Position, error)
	UserMargin(ctx context.Context, actx domain.AccountContext) (decimal.Decimal, error)
	UserTokenMargin(ctx context.Context, actx domain.AccountContext) (decimal.Decimal, error)
}

// ContextSource reports the active account context.
type ContextSource interface {
	Current() domain.AccountContext
}

// Publisher receives every applied snapshot. domain.SignalBus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Alerter is told when syncing starts failing.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// State of the sync loop.
type State string

const (
	StateIdle    State = "IDLE"
	StateSyncing State = "SYNCING"
	StateBackoff State = "BACKOFF"
)

// Config tunes the sync loop.
type Config struct {
	Interval           time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	MaxConcurrentReads int
}

// Status is a point-in-time view of the loop.
type Status struct {
	State       State     `json:"state"`
	LastSync    time.Time `json:"last_sync,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Failures    int       `json:"consecutive_failures"`
	Cycles      uint64    `json:"cycles"`
	Applied     uint64    `json:"applied"`
	Discarded   uint64    `json:"discarded"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
}

type waiter struct {
	seq uint64
	ch  chan error
}

type cycleResult struct {
	id        uint64
	actx      domain.AccountContext
	covers    uint64
	positions []domain.Position
	margin    domain.AccountMarginState
	err       error
}

// Synchronizer runs sync cycles one at a time. Requests that arrive while a
// cycle runs collapse into a single follow-up cycle.
type Synchronizer struct {
	reader  Reader
	session ContextSource
	ledger  *ledger.Ledger
	bus     Publisher
	alerter Alerter
	cfg     Config
	logger  *slog.Logger

	requests chan struct{}
	switches chan domain.AccountContext

	mu        sync.Mutex
	status    Status
	requested uint64
	waiters   []waiter
}

// New creates a Synchronizer. bus and alerter may be nil.
func New(reader Reader, session ContextSource, l *ledger.Ledger, bus Publisher, alerter Alerter, cfg Config, logger *slog.Logger) *Synchronizer {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 || cfg.BackoffMax > cfg.Interval {
		cfg.BackoffMax = cfg.Interval
	}
	if cfg.MaxConcurrentReads <= 0 {
		cfg.MaxConcurrentReads = 8
	}
	return &Synchronizer{
		reader:   reader,
		session:  session,
		ledger:   l,
		bus:      bus,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "synchronizer")),
		requests: make(chan struct{}, 1),
		switches: make(chan domain.AccountContext, 1),
		status:   Status{State: StateIdle},
	}
}

// RequestReconcile asks for a cycle as soon as possible without waiting.
func (s *Synchronizer) RequestReconcile() {
	s.mu.Lock()
	s.requested++
	s.mu.Unlock()
	s.poke()
}

// ReconcileAndWait requests a cycle and blocks until a cycle that started
// after the request finishes, returning that cycle's error.
func (s *Synchronizer) ReconcileAndWait(ctx context.Context) error {
	ch := make(chan error, 1)
	s.mu.Lock()
	s.requested++
	s.waiters = append(s.waiters, waiter{seq: s.requested, ch: ch})
	s.mu.Unlock()
	s.poke()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ContextChanged discards any in-flight cycle and resyncs for actx. It is
// meant to be registered as a session listener.
func (s *Synchronizer) ContextChanged(actx domain.AccountContext) {
	for {
		select {
		case s.switches <- actx:
			return
		default:
		}
		// Drop the older pending switch; only the latest context matters.
		select {
		case <-s.switches:
		default:
		}
	}
}

// Status returns the current loop status.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Synchronizer) poke() {
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) setState(st State, mutate func(*Status)) {
	s.mu.Lock()
	s.status.State = st
	if mutate != nil {
		mutate(&s.status)
	}
	s.mu.Unlock()
}

// Run drives the loop until ctx is cancelled. An initial cycle starts at once.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	results := make(chan cycleResult, 1)
	var (
		running     bool
		rerun       bool
		currentID   uint64
		cancelCycle context.CancelFunc = func() {}
		backoffC    <-chan time.Time
		backoffT    *time.Timer
	)
	stopBackoff := func() {
		if backoffT != nil {
			backoffT.Stop()
			backoffT, backoffC = nil, nil
		}
	}
	start := func() {
		stopBackoff()
		currentID++
		var cycleCtx context.Context
		cycleCtx, cancelCycle = context.WithCancel(ctx)
		actx := s.session.Current()
		prev := s.ledger.Snapshot()
		s.mu.Lock()
		covers := s.requested
		s.status.Cycles++
		s.status.State = StateSyncing
		s.mu.Unlock()
		running, rerun = true, false
		go func(id uint64) {
			res := s.cycle(cycleCtx, actx, prev)
			res.id, res.covers = id, covers
			select {
			case results <- res:
			case <-ctx.Done():
			}
		}(currentID)
	}
	requestCycle := func() {
		if running {
			rerun = true
			return
		}
		start()
	}

	if cur := s.session.Current(); !s.ledger.Snapshot().Context.Same(cur) {
		s.ledger.Reset(cur)
	}
	start()

	for {
		select {
		case <-ctx.Done():
			cancelCycle()
			stopBackoff()
			s.failWaiters(ctx.Err())
			return ctx.Err()

		case <-ticker.C:
			if s.Status().State == StateBackoff {
				continue
			}
			requestCycle()

		case <-s.requests:
			requestCycle()

		case actx := <-s.switches:
			cancelCycle()
			if running {
				s.setState(StateSyncing, func(st *Status) { st.Discarded++ })
			}
			running = false
			s.ledger.Reset(actx)
			s.logger.InfoContext(ctx, "context switched, resyncing",
				slog.String("account", actx.Account.Hex()),
				slog.Uint64("epoch", actx.Epoch),
			)
			start()

		case res := <-results:
			if res.id != currentID {
				continue
			}
			running = false
			cancelCycle()
			if !res.actx.Same(s.session.Current()) {
				// Result belongs to a context that is no longer active.
				s.setState(StateIdle, func(st *Status) { st.Discarded++ })
				start()
				continue
			}
			if res.err != nil {
				delay := s.onFailure(ctx, res)
				if rerun {
					// A request arrived mid-cycle and does not wait out the backoff.
					start()
					continue
				}
				backoffT = time.NewTimer(delay)
				backoffC = backoffT.C
				continue
			}
			s.onSuccess(ctx, res)
			if rerun {
				start()
			}

		case <-backoffC:
			backoffT, backoffC = nil, nil
			s.setState(StateIdle, func(st *Status) { st.NextRetryAt = time.Time{} })
			start()
		}
	}
}

func (s *Synchronizer) onSuccess(ctx context.Context, res cycleResult) {
	snap, err := s.ledger.ReplaceSnapshot(res.actx, res.positions, res.margin)
	if err != nil {
		res.err = err
		s.logger.ErrorContext(ctx, "snapshot rejected", slog.String("error", err.Error()))
		s.setState(StateIdle, func(st *Status) { st.LastError = err.Error() })
		s.resolveWaiters(res.covers, err)
		return
	}
	s.setState(StateIdle, func(st *Status) {
		st.LastSync = snap.UpdatedAt
		st.LastError = ""
		st.Failures = 0
		st.Applied++
	})
	s.resolveWaiters(res.covers, nil)
	s.logger.DebugContext(ctx, "snapshot applied",
		slog.Uint64("version", snap.Version),
		slog.Int("positions", len(snap.Positions)),
	)
	s.publish(ctx, snap)
}

func (s *Synchronizer) onFailure(ctx context.Context, res cycleResult) time.Duration {
	var failures int
	var delay time.Duration
	s.setState(StateBackoff, func(st *Status) {
		st.Failures++
		failures = st.Failures
		st.LastError = res.err.Error()
		delay = backoffDelay(s.cfg.BackoffInitial, s.cfg.BackoffMax, failures)
		st.NextRetryAt = time.Now().Add(delay)
	})
	s.resolveWaiters(res.covers, res.err)
	s.logger.WarnContext(ctx, "sync cycle failed, backing off",
		slog.String("error", res.err.Error()),
		slog.Int("failures", failures),
		slog.Duration("delay", delay),
	)
	if failures == 1 && s.alerter != nil {
		if err := s.alerter.Notify(ctx, "sync_failed", "Sync failing", res.err.Error()); err != nil {
			s.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
		}
	}
	return delay
}

func backoffDelay(initial, max time.Duration, failures int) time.Duration {
	d := initial
	for i := 1; i < failures && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

func (s *Synchronizer) resolveWaiters(covers uint64, err error) {
	s.mu.Lock()
	kept := s.waiters[:0]
	var done []waiter
	for _, w := range s.waiters {
		if w.seq <= covers {
			done = append(done, w)
		} else {
			kept = append(kept, w)
		}
	}
	s.waiters = kept
	s.mu.Unlock()
	for _, w := range done {
		w.ch <- err
	}
}

func (s *Synchronizer) failWaiters(err error) {
	s.mu.Lock()
	ws := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, w := range ws {
		w.ch <- err
	}
}

func (s *Synchronizer) publish(ctx context.Context, snap ledger.Snapshot) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal snapshot", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelAccount, payload); err != nil {
		s.logger.WarnContext(ctx, "publish snapshot", slog.String("error", err.Error()))
	}
}

// errorf prefixes cycle errors consistently.
func errorf(format string, args ...any) error {
	return fmt.Errorf("synchronizer: "+format, args...)
}
