package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alephtrade/crossarb/internal/crypto"
	"github.com/alephtrade/crossarb/internal/domain"
	"github.com/alephtrade/crossarb/internal/engine"
	"github.com/alephtrade/crossarb/internal/notify"
	"github.com/alephtrade/crossarb/internal/server"
	"github.com/alephtrade/crossarb/internal/server/handler"
	"github.com/alephtrade/crossarb/internal/server/ws"
)

const (
	// stuckCheckInterval is how often open orders are scanned for missing
	// keeper callbacks. There is no automatic expiry; stuck orders are only
	// surfaced for the operator.
	stuckCheckInterval = 10 * time.Minute

	// stuckAfter is how long an open order may go untouched before it is
	// reported as stuck.
	stuckAfter = 30 * time.Minute

	shutdownTimeout = 10 * time.Second
)

// ServeMode runs the settlement API: HTTP server, WebSocket hub, notification
// forwarding, and the background solvency and stuck-order monitors.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startEventRecorder(ctx, g, deps)
	a.startForwarder(ctx, g, deps)
	a.startSolvencyAudit(ctx, g, deps)
	a.startStuckMonitor(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)

	return g.Wait()
}

// MonitorMode runs the background monitors and notification forwarding without
// exposing the HTTP API. No orders can be admitted in this mode.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startEventRecorder(ctx, g, deps)
	a.startForwarder(ctx, g, deps)
	a.startSolvencyAudit(ctx, g, deps)
	a.startStuckMonitor(ctx, g, deps)

	return g.Wait()
}

// ArchiveMode runs only the cold-storage archiver loop.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: archiver not configured (archive.enabled=%t)", a.cfg.Archive.Enabled)
	}

	g, ctx := errgroup.WithContext(ctx)

	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// FullMode runs every subsystem: the HTTP API, WebSocket hub, notification
// forwarding, background monitors, and the archiver when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startEventRecorder(ctx, g, deps)
	a.startForwarder(ctx, g, deps)
	a.startSolvencyAudit(ctx, g, deps)
	a.startStuckMonitor(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	if deps.Archiver != nil {
		a.startArchiver(ctx, g, deps)
	}

	return g.Wait()
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var auth *crypto.HMACAuth
	if a.cfg.Server.ApiKey != "" {
		auth = &crypto.HMACAuth{Key: a.cfg.Server.ApiKey, Secret: a.cfg.Server.ApiSecret}
	}

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			Auth:        auth,
			RateLimiter: deps.RateLimiter,
		},
		server.Handlers{
			Health:    handler.NewHealthHandler(a.logger),
			Orders:    handler.NewOrderHandler(deps.Engine, deps.OrderStore, a.logger),
			Callbacks: handler.NewCallbackHandler(deps.Engine, int(a.cfg.Chain.ChainID), a.logger),
			Admin:     handler.NewAdminHandler(deps.Engine, a.logger),
			Audit:     handler.NewAuditHandler(deps.AuditStore, deps.EventStream, a.logger),
			Archives:  handler.NewArchiveHandler(deps.BlobReader, deps.BlobDeleter, a.logger),
			Status:    handler.NewStatusHandler(deps.Vault, deps.Auditor, deps.OrderStore, a.logger),
		},
		hub,
		a.logger,
	)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startEventRecorder copies settlement events from the pub/sub channel into
// the durable event log stream so clients can replay what a dropped
// connection missed.
func (a *App) startEventRecorder(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		ch, err := deps.SignalBus.Subscribe(ctx, engine.EventChannel)
		if err != nil {
			return fmt.Errorf("event recorder: subscribe: %w", err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case payload, ok := <-ch:
				if !ok {
					return nil
				}
				if err := deps.EventStream.StreamAppend(ctx, engine.EventLogStream, payload); err != nil {
					a.logger.WarnContext(ctx, "event recorder append failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})
}

// startForwarder bridges settlement events from the signal bus to the
// configured notification channels.
func (a *App) startForwarder(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	fwd := notify.NewForwarder(deps.SignalBus, deps.Notifier, engine.EventChannel, a.logger)
	g.Go(func() error {
		return fwd.Run(ctx)
	})
}

// startSolvencyAudit periodically compares the vault's tracked balances
// against actual on-chain holdings and raises a solvency alert on any
// shortfall. Disabled when no chain auditor is wired.
func (a *App) startSolvencyAudit(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Auditor == nil || deps.Vault == nil {
		a.logger.InfoContext(ctx, "on-chain solvency audits disabled")
		return
	}

	interval := a.cfg.Engine.SolvencyAuditInterval.Duration
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.auditSolvency(ctx, deps)
			}
		}
	})
}

// auditSolvency runs one audit pass over every token the vault tracks.
func (a *App) auditSolvency(ctx context.Context, deps *Dependencies) {
	for _, token := range deps.Vault.Tokens() {
		tracked, actual, err := deps.Vault.Audit(ctx, deps.Auditor, token)
		if err != nil {
			a.logger.WarnContext(ctx, "solvency audit failed",
				slog.String("token", token.Hex()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if actual.Cmp(tracked) >= 0 {
			continue
		}

		deficit := new(big.Int).Sub(tracked, actual)
		detail := map[string]any{
			"token":   token.Hex(),
			"tracked": tracked.String(),
			"actual":  actual.String(),
			"deficit": deficit.String(),
		}
		a.logger.ErrorContext(ctx, "solvency audit found shortfall",
			slog.String("token", token.Hex()),
			slog.String("tracked", tracked.String()),
			slog.String("actual", actual.String()),
		)

		if err := deps.AuditStore.Log(ctx, "solvency_alert", detail); err != nil {
			a.logger.WarnContext(ctx, "solvency audit log failed", slog.String("error", err.Error()))
		}

		payload, err := json.Marshal(domain.Event{
			ID:     uuid.New().String(),
			Type:   domain.EventSolvencyAlert,
			Reason: "actual holdings below tracked balance",
			Detail: detail,
			At:     time.Now().UTC(),
		})
		if err != nil {
			continue
		}
		if err := deps.SignalBus.Publish(ctx, engine.EventChannel, payload); err != nil {
			a.logger.WarnContext(ctx, "solvency alert publish failed", slog.String("error", err.Error()))
		}
	}
}

// startStuckMonitor periodically reports open orders whose venue never called
// back. Reporting only; resolution is an operator decision.
func (a *App) startStuckMonitor(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Engine == nil {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(stuckCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				stuck := deps.Engine.ListStuck(time.Now().UTC().Add(-stuckAfter))
				for _, o := range stuck {
					a.logger.WarnContext(ctx, "order stuck without venue callback",
						slog.String("order_key", o.Key),
						slog.String("state", string(o.State)),
						slog.Time("updated_at", o.UpdatedAt),
					)
				}
			}
		}
	})
}

// startArchiver runs the cold-storage archiving loop. Each cycle uploads
// terminal orders and audit entries older than the retention window, then
// logs the counts.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	interval := a.cfg.Archive.Interval.Duration
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.runArchiveCycle(ctx, deps)
			}
		}
	})
}

func (a *App) runArchiveCycle(ctx context.Context, deps *Dependencies) {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)

	orders, err := deps.Archiver.ArchiveOrders(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "order archive cycle failed", slog.String("error", err.Error()))
		return
	}

	pruned := 0
	if orders > 0 {
		pruned, err = deps.Archiver.PruneOrders(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "order prune failed, rows retained", slog.String("error", err.Error()))
		}
	}

	entries, err := deps.Archiver.ArchiveAudit(ctx, cutoff)
	if err != nil {
		a.logger.ErrorContext(ctx, "audit archive cycle failed", slog.String("error", err.Error()))
	}

	a.logger.InfoContext(ctx, "archive cycle complete",
		slog.Time("cutoff", cutoff),
		slog.Int("orders", orders),
		slog.Int("pruned", pruned),
		slog.Int("audit_entries", entries),
	)
}
