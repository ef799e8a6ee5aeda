// Package serverapp wires the components (C1-C7) into one running
// process: pick a storage backend, start the change-feed producer, the
// subscription manager, the session gateway, and the admin HTTP
// surface, then drain them in reverse order on shutdown.
package serverapp

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kartikbazzad/reactivedoc/internal/adminhttp"
	"github.com/kartikbazzad/reactivedoc/internal/changefeed"
	"github.com/kartikbazzad/reactivedoc/internal/config"
	"github.com/kartikbazzad/reactivedoc/internal/gateway"
	"github.com/kartikbazzad/reactivedoc/internal/logger"
	"github.com/kartikbazzad/reactivedoc/internal/metrics"
	"github.com/kartikbazzad/reactivedoc/internal/storage"
	"github.com/kartikbazzad/reactivedoc/internal/storage/pgstore"
	"github.com/kartikbazzad/reactivedoc/internal/storage/sqlitestore"
	"github.com/kartikbazzad/reactivedoc/internal/subscriptions"
)

// App is a fully wired, not-yet-started server instance.
type App struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Registry

	adapter storage.Adapter
	feed    *changefeed.Feed
	subs    *subscriptions.Manager
	gw      *gateway.Server
	admin   *adminhttp.Server

	feedCancel context.CancelFunc
}

// New opens the configured backend and wires every downstream
// component. It does not start accepting connections yet.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	adapter, err := openAdapter(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := metrics.NewRegistry()
	reg.MustRegister(prometheus.DefaultRegisterer)

	feed := changefeed.New(adapter, log)
	subs := subscriptions.NewManager(adapter, feed, cfg.SubscriptionQueueCap, log)

	gw, err := gateway.NewServer(cfg, adapter, subs, log, reg)
	if err != nil {
		adapter.Close()
		return nil, err
	}

	var admin *adminhttp.Server
	if cfg.AdminAddr != "" {
		admin = adminhttp.New(cfg.AdminAddr, adapter)
	}

	return &App{
		cfg:     cfg,
		log:     log,
		metrics: reg,
		adapter: adapter,
		feed:    feed,
		subs:    subs,
		gw:      gw,
		admin:   admin,
	}, nil
}

func openAdapter(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.Adapter, error) {
	switch cfg.Backend {
	case config.BackendEmbedded:
		return sqlitestore.Open(cfg.DataPath, log)
	case config.BackendNetworked:
		return pgstore.Open(ctx, cfg.DSN, cfg.PoolSize, cfg.MigrationsPath, log)
	default:
		return nil, fmt.Errorf("serverapp: unknown backend %q", cfg.Backend)
	}
}

// Run starts every component and blocks until ctx is cancelled, then
// drains sessions before returning.
func (a *App) Run(ctx context.Context) error {
	feedCtx, cancel := context.WithCancel(context.Background())
	a.feedCancel = cancel
	go a.feed.Run(feedCtx)

	errCh := make(chan error, 2)
	go func() {
		errCh <- a.gw.ListenAndServe()
	}()
	if a.admin != nil {
		go func() {
			if err := a.admin.ListenAndServe(); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.Shutdown()
		return nil
	case err := <-errCh:
		a.Shutdown()
		return err
	}
}

// Shutdown drains the gateway, stops the change feed, and closes the
// storage adapter. Safe to call once after Run returns or is asked to
// stop.
func (a *App) Shutdown() {
	a.gw.Stop(10 * time.Second)
	if a.admin != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.admin.Shutdown(shutCtx)
	}
	if a.feedCancel != nil {
		a.feedCancel()
	}
	if err := a.adapter.Close(); err != nil && a.log != nil {
		a.log.Warn("serverapp: closing storage adapter: %v", err)
	}
}
