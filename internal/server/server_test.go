package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/server/handler"
	"github.com/alanyoungcy/marginbot/internal/service"
)

type stubService struct{}

func (stubService) Account(context.Context) service.AccountView { return service.AccountView{} }
func (stubService) Positions(context.Context, bool) []service.PositionView {
	return nil
}
func (stubService) Position(context.Context, uint64) (service.PositionView, error) {
	return service.PositionView{}, domain.ErrNotFound
}
func (stubService) Status() service.StatusView { return service.StatusView{} }
func (stubService) SetAccount(string) (domain.AccountContext, error) {
	return domain.AccountContext{}, nil
}
func (stubService) Reconcile(context.Context) error { return nil }
func (stubService) Operations(context.Context, int) ([]domain.OperationRecord, error) {
	return []domain.OperationRecord{}, nil
}
func (stubService) Deposit(context.Context, service.DepositRequest) (domain.Result, error) {
	return domain.Result{Success: true}, nil
}
func (stubService) Approve(context.Context, string, decimal.Decimal) (domain.Result, error) {
	return domain.Result{Success: true}, nil
}
func (stubService) Open(context.Context, service.OpenRequest) (domain.Result, error) {
	return domain.Result{Success: true}, nil
}
func (stubService) Close(context.Context, string, uint64) (domain.Result, error) {
	return domain.Result{Success: true}, nil
}
func (stubService) Withdraw(context.Context, string, uint64, decimal.Decimal) (domain.Result, error) {
	return domain.Result{Success: true}, nil
}

func TestRoutesAndAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := stubService{}
	srv := NewServer(Config{APIKey: "k"}, Handlers{
		Health:   handler.NewHealthHandler(nil),
		Account:  handler.NewAccountHandler(svc, "serve", 0, logger),
		Commands: handler.NewCommandHandler(svc, logger),
	}, nil, nil, logger)
	h := srv.Handler()

	call := func(method, path string, authed bool) int {
		r := httptest.NewRequest(method, path, nil)
		if authed {
			r.Header.Set("X-API-Key", "k")
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/health", false))
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/account", false))
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/account", true))
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/status", true))
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/operations", true))
	assert.Equal(t, http.StatusNotFound, call(http.MethodGet, "/api/positions/5", true))
	assert.Equal(t, http.StatusOK, call(http.MethodPost, "/api/positions/5/close", true))
	assert.Equal(t, http.StatusMethodNotAllowed, call(http.MethodDelete, "/api/positions/5", true))
}
