// Package session tracks the active account and network. Consumers capture an
// immutable domain.AccountContext at the start of each operation; every change
// bumps the epoch so captured contexts can be recognised as stale.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marginbot/internal/domain"
)

// Listener is notified after each context change.
type Listener func(domain.AccountContext)

// Session holds the active account context.
type Session struct {
	mu        sync.Mutex
	cur       domain.AccountContext
	allowed   map[common.Address]bool
	listeners map[int]Listener
	nextID    int
	logger    *slog.Logger
}

// New creates a Session on chainID. accounts restricts SetAccount to known
// signers; the first one becomes active.
func New(chainID int64, accounts []common.Address, logger *slog.Logger) *Session {
	s := &Session{
		allowed:   make(map[common.Address]bool, len(accounts)),
		listeners: make(map[int]Listener),
		logger:    logger.With(slog.String("component", "session")),
	}
	for _, a := range accounts {
		s.allowed[a] = true
	}
	s.cur = domain.AccountContext{ChainID: chainID, Epoch: 1}
	if len(accounts) > 0 {
		s.cur.Account = accounts[0]
	}
	return s
}

// Current returns the active context.
func (s *Session) Current() domain.AccountContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Accounts returns the accounts SetAccount accepts.
func (s *Session) Accounts() []common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]common.Address, 0, len(s.allowed))
	for a := range s.allowed {
		out = append(out, a)
	}
	return out
}

// Subscribe registers l and returns a function that removes it.
func (s *Session) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// SetAccount switches the active account. Switching to the current account
// is a no-op.
func (s *Session) SetAccount(account common.Address) (domain.AccountContext, error) {
	return s.update(func(c *domain.AccountContext) (bool, error) {
		if len(s.allowed) > 0 && !s.allowed[account] {
			return false, fmt.Errorf("session: %s: %w", account.Hex(), domain.ErrUnknownAccount)
		}
		if c.Account == account {
			return false, nil
		}
		c.Account = account
		return true, nil
	})
}

// SetNetwork switches the active chain.
func (s *Session) SetNetwork(chainID int64) domain.AccountContext {
	next, _ := s.update(func(c *domain.AccountContext) (bool, error) {
		if c.ChainID == chainID {
			return false, nil
		}
		c.ChainID = chainID
		return true, nil
	})
	return next
}

func (s *Session) update(mutate func(*domain.AccountContext) (bool, error)) (domain.AccountContext, error) {
	s.mu.Lock()
	next := s.cur
	changed, err := mutate(&next)
	if err != nil || !changed {
		cur := s.cur
		s.mu.Unlock()
		return cur, err
	}
	next.Epoch = s.cur.Epoch + 1
	s.cur = next
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	s.logger.Info("account context changed",
		slog.String("account", next.Account.Hex()),
		slog.Int64("chain_id", next.ChainID),
		slog.Uint64("epoch", next.Epoch),
	)
	for _, l := range ls {
		l(next)
	}
	return next, nil
}

// ChainIDSource reports the chain the node is on.
type ChainIDSource interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// WatchNetwork polls src and reports chain changes to the session until ctx
// is done.
func (s *Session) WatchNetwork(ctx context.Context, src ChainIDSource, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		id, err := src.ChainID(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Warn("chain id poll failed", slog.String("error", err.Error()))
		case err == nil && id.IsInt64():
			s.SetNetwork(id.Int64())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
