package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/ledger"
	"github.com/alanyoungcy/marginbot/internal/server"
	"github.com/alanyoungcy/marginbot/internal/server/handler"
	"github.com/alanyoungcy/marginbot/internal/server/ws"
)

const shutdownGrace = 10 * time.Second

// startCore launches the background loops every mode needs.
func (a *App) startCore(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error { return deps.Synchronizer.Run(ctx) })
	g.Go(func() error { return deps.Orchestrator.Run(ctx) })
	g.Go(func() error {
		return deps.Session.WatchNetwork(ctx, deps.Client, a.cfg.Sync.NetworkPollInterval.Duration)
	})
	if deps.Prices != nil {
		g.Go(func() error { return deps.Prices.Run(ctx) })
	}
}

// ServeMode runs the core loops plus the HTTP API and WebSocket hub.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startCore(ctx, g, deps)

	hub := ws.NewHub(deps.SignalBus, func(ctx context.Context) (any, error) {
		return deps.Accounts.Account(ctx), nil
	}, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
		// Commands block until inclusion.
		WriteTimeout: a.cfg.Orchestrator.InclusionTimeout.Duration + time.Minute,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(deps.Probes),
		Account:  handler.NewAccountHandler(deps.Accounts, a.cfg.Mode, a.cfg.Sync.ReadTimeout.Duration*2, a.logger),
		Commands: handler.NewCommandHandler(deps.Accounts, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	return g.Wait()
}

// WatchMode runs the core loops and logs every applied snapshot.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startCore(ctx, g, deps)

	updates, err := deps.SignalBus.Subscribe(ctx, domain.ChannelAccount)
	if err != nil {
		return fmt.Errorf("app: subscribe %s: %w", domain.ChannelAccount, err)
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case payload, ok := <-updates:
				if !ok {
					return ctx.Err()
				}
				a.logSnapshot(ctx, payload)
			}
		}
	})

	return g.Wait()
}

func (a *App) logSnapshot(ctx context.Context, payload []byte) {
	var snap ledger.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		a.logger.WarnContext(ctx, "undecodable snapshot", slog.String("error", err.Error()))
		return
	}
	agg := snap.AggregateMargin()
	a.logger.InfoContext(ctx, "account snapshot",
		slog.String("account", snap.Context.Account.Hex()),
		slog.Int64("chain_id", snap.Context.ChainID),
		slog.Uint64("version", snap.Version),
		slog.String("eth_margin", snap.Margin.EthMargin.String()),
		slog.String("token_margin", snap.Margin.TokenMargin.String()),
		slog.Int("open_positions", len(snap.OpenPositions())),
		slog.String("aggregate_native", agg.Native.String()),
		slog.String("aggregate_token", agg.Token.String()),
	)
}

// OnceMode reconciles a single time, prints the account view as JSON and
// returns.
func (a *App) OnceMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting once mode")
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return deps.Synchronizer.Run(gctx) })

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.Sync.ReadTimeout.Duration*2)
	defer cancel()
	if err := deps.Synchronizer.ReconcileAndWait(waitCtx); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("app: reconcile: %w", err)
	}

	view := deps.Accounts.Account(ctx)
	stop()
	_ = g.Wait()

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(view); err != nil {
		return fmt.Errorf("app: encode account: %w", err)
	}
	return nil
}
