package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/service"
)

// CommandService is the write surface.
type CommandService interface {
	Deposit(ctx context.Context, req service.DepositRequest) (domain.Result, error)
	Approve(ctx context.Context, key string, amount decimal.Decimal) (domain.Result, error)
	Open(ctx context.Context, req service.OpenRequest) (domain.Result, error)
	Close(ctx context.Context, key string, id uint64) (domain.Result, error)
	Withdraw(ctx context.Context, key string, id uint64, amount decimal.Decimal) (domain.Result, error)
}

// CommandHandler turns requests into orchestrator workflows. The optional
// "key" body field (or Idempotency-Key header) makes retries idempotent.
type CommandHandler struct {
	svc    CommandService
	logger *slog.Logger
}

func NewCommandHandler(svc CommandService, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{svc: svc, logger: logger.With(slog.String("handler", "commands"))}
}

type depositRequest struct {
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	Key    string          `json:"key"`
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Key    string          `json:"key"`
}

type openRequest struct {
	Size               decimal.Decimal `json:"size"`
	Leverage           int             `json:"leverage"`
	StopLossTakeProfit decimal.Decimal `json:"stop_loss_take_profit"`
	ReduceOnly         bool            `json:"reduce_only"`
	PositionType       string          `json:"position_type"`
	Key                string          `json:"key"`
}

type keyRequest struct {
	Key string `json:"key"`
}

func idempotencyKey(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

// Deposit handles POST /api/deposits.
func (h *CommandHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	var kind domain.CollateralKind
	switch strings.ToLower(strings.TrimSpace(req.Kind)) {
	case "native", "eth":
		kind = domain.CollateralNative
	case "token", "erc20":
		kind = domain.CollateralToken
	default:
		writeFailure(w, domain.Precondition("kind must be native or token"))
		return
	}
	res, err := h.svc.Deposit(r.Context(), service.DepositRequest{
		Kind:   kind,
		Amount: req.Amount,
		Key:    idempotencyKey(r, req.Key),
	})
	h.done(r, res, err)
	writeResult(w, res, err)
}

// Approve handles POST /api/approvals.
func (h *CommandHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	res, err := h.svc.Approve(r.Context(), idempotencyKey(r, req.Key), req.Amount)
	h.done(r, res, err)
	writeResult(w, res, err)
}

// Open handles POST /api/positions.
func (h *CommandHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	res, err := h.svc.Open(r.Context(), service.OpenRequest{
		Size:               req.Size,
		Leverage:           req.Leverage,
		StopLossTakeProfit: req.StopLossTakeProfit,
		ReduceOnly:         req.ReduceOnly,
		PositionType:       req.PositionType,
		Key:                idempotencyKey(r, req.Key),
	})
	h.done(r, res, err)
	writeResult(w, res, err)
}

// Close handles POST /api/positions/{id}/close.
func (h *CommandHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	var req keyRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	res, err := h.svc.Close(r.Context(), idempotencyKey(r, req.Key), id)
	h.done(r, res, err)
	writeResult(w, res, err)
}

// Withdraw handles POST /api/positions/{id}/withdraw.
func (h *CommandHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	var req amountRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	res, err := h.svc.Withdraw(r.Context(), idempotencyKey(r, req.Key), id, req.Amount)
	h.done(r, res, err)
	writeResult(w, res, err)
}

func (h *CommandHandler) done(r *http.Request, res domain.Result, err error) {
	if err == nil {
		return
	}
	h.logger.InfoContext(r.Context(), "command rejected",
		slog.String("path", r.URL.Path),
		slog.String("kind", string(res.Kind)),
		slog.Int("status", statusFor(err)),
		slog.String("error", err.Error()),
	)
}
