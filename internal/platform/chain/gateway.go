// Package chain is the typed gateway to the margin manager, collateral token
// and price feed contracts. It holds no account state: every call carries the
// AccountContext it was issued under and fails fast when that context is stale.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/crypto"
	"github.com/alanyoungcy/marginbot/internal/domain"
)

// Backend is the subset of *ethclient.Client the gateway needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// ContextSource reports the active account context.
type ContextSource interface {
	Current() domain.AccountContext
}

// KeySource resolves the signer for an account.
type KeySource interface {
	Signer(account common.Address) (*crypto.Signer, error)
}

// Target selects one of the contract endpoints.
type Target int

const (
	Manager Target = iota
	Token
	PriceFeed
)

func (t Target) String() string {
	switch t {
	case Manager:
		return "manager"
	case Token:
		return "token"
	case PriceFeed:
		return "price_feed"
	}
	return "unknown"
}

// Config configures a Gateway.
type Config struct {
	ManagerAddress     common.Address
	TokenAddress       common.Address
	PriceFeedAddress   common.Address
	ReadTimeout        time.Duration
	InclusionTimeout   time.Duration
	ReceiptPoll        time.Duration
	GasPriceMultiplier float64
	// GasLimits pins the gas limit per method, skipping estimation.
	GasLimits map[string]uint64
}

// TxHandle identifies a submitted transaction.
type TxHandle struct {
	Method      string
	Account     common.Address
	Hash        common.Hash
	Tx          *types.Transaction
	SubmittedAt time.Time
}

// Receipt is the inclusion result of a successful transaction.
type Receipt struct {
	Hash        common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Gateway issues read and write calls against the contracts.
type Gateway struct {
	backend Backend
	session ContextSource
	keys    KeySource
	cfg     Config
	logger  *slog.Logger
}

// NewGateway creates a Gateway. Zero timeouts fall back to 15s reads, 5m
// inclusion and a 2s receipt poll.
func NewGateway(backend Backend, session ContextSource, keys KeySource, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.InclusionTimeout <= 0 {
		cfg.InclusionTimeout = 5 * time.Minute
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	return &Gateway{
		backend: backend,
		session: session,
		keys:    keys,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "chain_gateway")),
	}
}

// TokenAddress returns the configured collateral token.
func (g *Gateway) TokenAddress() common.Address { return g.cfg.TokenAddress }

// ManagerAddress returns the configured margin manager.
func (g *Gateway) ManagerAddress() common.Address { return g.cfg.ManagerAddress }

func (g *Gateway) endpoint(t Target) (common.Address, *abi.ABI, error) {
	switch t {
	case Manager:
		return g.cfg.ManagerAddress, &managerABI, nil
	case Token:
		return g.cfg.TokenAddress, &tokenABI, nil
	case PriceFeed:
		if g.cfg.PriceFeedAddress == (common.Address{}) {
			return common.Address{}, nil, fmt.Errorf("chain: price feed: %w", domain.ErrNotFound)
		}
		return g.cfg.PriceFeedAddress, &priceFeedABI, nil
	}
	return common.Address{}, nil, fmt.Errorf("chain: unknown target %d", t)
}

func (g *Gateway) checkContext(actx domain.AccountContext) error {
	if actx.IsZero() {
		return fmt.Errorf("chain: no active account: %w", domain.ErrStaleContext)
	}
	if cur := g.session.Current(); !cur.Same(actx) {
		return fmt.Errorf("chain: context epoch %d, active %d: %w", actx.Epoch, cur.Epoch, domain.ErrStaleContext)
	}
	return nil
}

// ReadCall performs a side-effect free call scoped to actx. A zero actx
// is allowed only for the price feed, which is not account scoped.
func (g *Gateway) ReadCall(ctx context.Context, actx domain.AccountContext, target Target, method string, args ...any) ([]any, error) {
	if target != PriceFeed {
		if err := g.checkContext(actx); err != nil {
			return nil, err
		}
	}
	to, parsed, err := g.endpoint(target)
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.ReadTimeout)
	defer cancel()
	raw, err := g.backend.CallContract(callCtx, ethereum.CallMsg{From: actx.Account, To: &to, Data: data}, nil)
	if err != nil {
		return nil, classifyRead(ctx, method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		if len(raw) == 0 {
			return nil, &domain.RevertError{Method: method, Reason: "empty return data"}
		}
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}

	// An answer that arrives after a context switch belongs to the old account.
	if target != PriceFeed {
		if err := g.checkContext(actx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// WriteOpts carries optional value and gas settings for a write call.
type WriteOpts struct {
	Value *big.Int
}

// WriteCall builds, estimates, signs and submits a transaction from
// actx.Account. When submission fails with a network error the returned
// handle is still set so the caller may Resend the identical signed tx.
func (g *Gateway) WriteCall(ctx context.Context, actx domain.AccountContext, target Target, method string, opts WriteOpts, args ...any) (*TxHandle, error) {
	if err := g.checkContext(actx); err != nil {
		return nil, err
	}
	signed, err := g.buildSignedTx(ctx, actx, target, method, opts, args...)
	if err != nil {
		return nil, err
	}
	h := &TxHandle{Method: method, Account: actx.Account, Hash: signed.Hash(), Tx: signed, SubmittedAt: time.Now()}
	return h, g.send(ctx, h)
}

// Resend resubmits the signed transaction held by h.
func (g *Gateway) Resend(ctx context.Context, h *TxHandle) error {
	err := g.send(ctx, h)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low") {
		// The earlier submission may have landed; inclusion settles it.
		g.logger.WarnContext(ctx, "resend nonce already used", slog.String("tx", h.Hash.Hex()))
		return nil
	}
	return err
}

func (g *Gateway) send(ctx context.Context, h *TxHandle) error {
	if err := g.backend.SendTransaction(ctx, h.Tx); err != nil {
		classified := classifySend(ctx, h.Method, err)
		if classified != nil {
			g.logger.WarnContext(ctx, "send transaction failed",
				slog.String("method", h.Method),
				slog.String("tx", h.Hash.Hex()),
				slog.String("error", err.Error()),
			)
			return classified
		}
	}
	g.logger.InfoContext(ctx, "transaction submitted",
		slog.String("method", h.Method),
		slog.String("account", h.Account.Hex()),
		slog.String("tx", h.Hash.Hex()),
	)
	return nil
}

func (g *Gateway) buildSignedTx(ctx context.Context, actx domain.AccountContext, target Target, method string, opts WriteOpts, args ...any) (*types.Transaction, error) {
	to, parsed, err := g.endpoint(target)
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	signer, err := g.keys.Signer(actx.Account)
	if err != nil {
		return nil, err
	}
	value := opts.Value
	if value == nil {
		value = new(big.Int)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.ReadTimeout)
	defer cancel()

	gasLimit := g.cfg.GasLimits[method]
	if gasLimit == 0 {
		gasLimit, err = g.backend.EstimateGas(callCtx, ethereum.CallMsg{From: actx.Account, To: &to, Data: data, Value: value})
		if err != nil {
			return nil, classifyEstimate(ctx, method, err)
		}
	}
	nonce, err := g.backend.PendingNonceAt(callCtx, actx.Account)
	if err != nil {
		return nil, classifyRead(ctx, "nonce", err)
	}
	gasPrice, err := g.backend.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, classifyRead(ctx, "gas_price", err)
	}
	if m := g.cfg.GasPriceMultiplier; m > 0 && m != 1 {
		gasPrice = decimal.NewFromBigInt(gasPrice, 0).Mul(decimal.NewFromFloat(m)).Ceil().BigInt()
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	return signer.SignTx(tx, actx.ChainID)
}

// AwaitInclusion polls for the receipt of h until it is mined or the
// inclusion timeout elapses. Transient receipt errors keep the poll going.
func (g *Gateway) AwaitInclusion(ctx context.Context, h *TxHandle) (Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.InclusionTimeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := g.backend.TransactionReceipt(waitCtx, h.Hash)
		switch {
		case err == nil && receipt != nil:
			return g.settle(ctx, h, receipt)
		case err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil:
			g.logger.DebugContext(ctx, "receipt poll error",
				slog.String("tx", h.Hash.Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Receipt{}, ctx.Err()
			}
			return Receipt{}, fmt.Errorf("chain: %s %s not included after %s: %w",
				h.Method, h.Hash.Hex(), g.cfg.InclusionTimeout, domain.ErrInclusionTimeout)
		case <-ticker.C:
		}
	}
}

func (g *Gateway) settle(ctx context.Context, h *TxHandle, r *types.Receipt) (Receipt, error) {
	out := Receipt{Hash: r.TxHash, GasUsed: r.GasUsed}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.Status == types.ReceiptStatusSuccessful {
		return out, nil
	}
	if r.GasUsed >= h.Tx.Gas() {
		return out, fmt.Errorf("chain: %s ran out of gas (limit %d): %w", h.Method, h.Tx.Gas(), domain.ErrInsufficientGasLimit)
	}

	// Replay the call at the failing block to recover the revert reason.
	msg := ethereum.CallMsg{From: h.Account, To: h.Tx.To(), Data: h.Tx.Data(), Value: h.Tx.Value(), Gas: h.Tx.Gas()}
	if _, err := g.backend.CallContract(ctx, msg, r.BlockNumber); err != nil {
		if rev, ok := revertReason(h.Method, err); ok {
			return out, fmt.Errorf("chain: %w: %w", domain.ErrTransactionFailed, rev)
		}
	}
	return out, fmt.Errorf("chain: %s %s: %w", h.Method, h.Hash.Hex(), domain.ErrTransactionFailed)
}
