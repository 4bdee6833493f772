package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/service"
)

// AccountService is the read and session surface.
type AccountService interface {
	Account(ctx context.Context) service.AccountView
	Positions(ctx context.Context, openOnly bool) []service.PositionView
	Position(ctx context.Context, id uint64) (service.PositionView, error)
	Status() service.StatusView
	SetAccount(account string) (domain.AccountContext, error)
	Reconcile(ctx context.Context) error
	Operations(ctx context.Context, limit int) ([]domain.OperationRecord, error)
}

// AccountHandler serves account queries, session switches and sync requests.
type AccountHandler struct {
	svc         AccountService
	mode        string
	startedAt   time.Time
	syncTimeout time.Duration
	logger      *slog.Logger
}

func NewAccountHandler(svc AccountService, mode string, syncTimeout time.Duration, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		svc:         svc,
		mode:        mode,
		startedAt:   time.Now().UTC(),
		syncTimeout: syncTimeout,
		logger:      logger.With(slog.String("handler", "account")),
	}
}

// GetStatus handles GET /api/status.
func (h *AccountHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"status":         h.svc.Status(),
	})
}

// GetAccount handles GET /api/account.
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Account(r.Context()))
}

// ListPositions handles GET /api/positions?open=true.
func (h *AccountHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	openOnly, _ := strconv.ParseBool(r.URL.Query().Get("open"))
	writeJSON(w, http.StatusOK, h.svc.Positions(r.Context(), openOnly))
}

// GetPosition handles GET /api/positions/{id}.
func (h *AccountHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := positionID(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	p, err := h.svc.Position(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListOperations handles GET /api/operations?limit=N.
func (h *AccountHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeFailure(w, domain.Precondition("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	recs, err := h.svc.Operations(r.Context(), limit)
	if err != nil {
		h.logger.WarnContext(r.Context(), "list operations failed", slog.String("error", err.Error()))
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type setAccountRequest struct {
	Account string `json:"account"`
}

// SetAccount handles PUT /api/session/account.
func (h *AccountHandler) SetAccount(w http.ResponseWriter, r *http.Request) {
	var req setAccountRequest
	if err := decodeBody(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	actx, err := h.svc.SetAccount(req.Account)
	if err != nil {
		writeFailure(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "active account changed",
		slog.String("account", actx.Account.Hex()),
		slog.Uint64("epoch", actx.Epoch),
	)
	writeJSON(w, http.StatusOK, actx)
}

// Sync handles POST /api/sync and waits for the reconcile to land.
func (h *AccountHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.syncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.syncTimeout)
		defer cancel()
	}
	if err := h.svc.Reconcile(ctx); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Account(r.Context()))
}
