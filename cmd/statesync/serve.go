package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/statesync/binding"
	"github.com/c360/statesync/metric"
	"github.com/c360/statesync/syncstore"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bind the configured keys and serve metrics and health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	store, err := a.syncStore(ctx)
	if err != nil {
		return err
	}

	mgr, err := binding.NewManager(store,
		binding.WithLogger(a.logger),
		binding.WithMetrics(a.registry),
		binding.WithHealthMonitor(a.monitor),
		binding.WithWorkers(a.cfg.Binding.Workers, a.cfg.Binding.QueueSize),
	)
	if err != nil {
		return err
	}

	for _, kb := range a.cfg.Binding.Keys {
		kind, err := binding.ParseKind(kb.Kind)
		if err != nil {
			return err
		}
		def := json.RawMessage("null")
		if kind == binding.KindCollection {
			def = json.RawMessage("[]")
		}
		if _, err := binding.Bind(mgr, kb.Key, kind, def); err != nil {
			return err
		}
	}

	if a.nats != nil {
		a.nats.OnHealthChange(func(healthy bool) {
			if healthy {
				a.monitor.UpdateHealthy(natsHealthComponent, "connected")
				return
			}
			a.monitor.UpdateUnhealthy(natsHealthComponent, "disconnected")
			mgr.LeaseLost("store connection lost")
		})
	}

	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := mgr.Stop(shutdownTimeout); err != nil {
			a.logger.Error("Binding manager stop failed", "error", err)
		}
	}()

	var server *metric.Server
	if a.cfg.Metrics.Enabled {
		server = metric.NewServer(a.cfg.Metrics.Port, a.cfg.Metrics.Path, a.registry,
			metric.WithHealthHandler(a.monitor.Handler(appName)))
		go func() {
			if err := server.Start(); err != nil {
				a.logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			if err := server.Stop(); err != nil {
				a.logger.Warn("Metrics server stop failed", "error", err)
			}
		}()
		a.logger.Info("Metrics server started", "address", server.Address())
	}

	if a.cfg.Sync.GCInterval > 0 {
		go a.collectPeriodically(ctx, store)
	}

	a.logger.Info("statesync serving", "keys", mgr.Keys(), "backend", a.cfg.Store.Backend)
	a.logEvents(ctx, mgr.Events())
	a.logger.Info("Received shutdown signal")
	return nil
}

// logEvents reports binding status until ctx is done
func (a *app) logEvents(ctx context.Context, events <-chan binding.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.Err != nil {
				a.logger.Warn("Binding event", "type", ev.Type, "key", ev.Key, "error", ev.Err)
				continue
			}
			a.logger.Debug("Binding event", "type", ev.Type, "key", ev.Key, "rev", ev.Rev)
		}
	}
}

func (a *app) collectPeriodically(ctx context.Context, store *syncstore.Store) {
	ticker := time.NewTicker(a.cfg.Sync.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.CollectGarbage(ctx, a.cfg.Sync.GCGrace)
			if err != nil {
				a.logger.Warn("Shard garbage collection failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("Collected orphaned shards", "removed", n)
			}
		}
	}
}
