// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bravellian/platform/internal/backoff"
	"github.com/bravellian/platform/internal/config"
	"github.com/bravellian/platform/internal/dbsql"
	"github.com/bravellian/platform/internal/dispatch"
	"github.com/bravellian/platform/internal/ids"
	"github.com/bravellian/platform/internal/lease"
	xlog "github.com/bravellian/platform/internal/log"
	"github.com/bravellian/platform/internal/outbox"
	"github.com/bravellian/platform/internal/scheduler"
	"github.com/bravellian/platform/internal/semaphore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the dispatcher, scheduler, and semaphore reaper loops",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := xlog.WithComponent("serve")

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Service: "platformd", Version: version})

	holder := config.NewHolder(cfg, loader, configPath)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Msg("config hot reload disabled")
	}
	defer holder.Stop()

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores(stores)

	if err := ensureSchemas(ctx, cfg, stores); err != nil {
		return err
	}

	controlStoreID, controlStore, err := pickControlStore(cfg, stores)
	if err != nil {
		return err
	}

	strategy := selectionStrategy(cfg.Dispatch.Strategy)
	dispatcher := dispatch.New(strategy)
	for _, sc := range cfg.Dispatch.Stores {
		store := stores[sc.ID]
		out := outbox.New(store, outbox.DefaultConfig())
		dispatcher.AddProvider(dispatch.NewOutboxProvider(sc.ID, store, out), sc.ControlPlane)
	}

	controlOutbox := outbox.New(controlStore, outbox.DefaultConfig())
	sched := scheduler.New(controlStore, controlOutbox, scheduler.DefaultConfig())
	sem := semaphore.New(controlStore, semaphore.DefaultConfig())

	ownerToken := ids.NewOwnerToken()
	leaseManager := lease.NewManager(lease.NewStore(controlStore))

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	go runDispatchLoop(ctx, dispatcher, holder)
	go runDiscoveryLoop(ctx, dispatcher, holder)
	go runSchedulerLoop(ctx, sched, leaseManager, ownerToken, holder)
	go runSemaphoreReapLoop(ctx, controlStoreID, sem, holder)

	logger.Info().Msg("platformd serving")
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	return nil
}

func selectionStrategy(name string) dispatch.SelectionStrategy {
	if name == "drain_first" {
		return dispatch.DrainFirst{}
	}
	return dispatch.RoundRobin{}
}

// pickControlStore returns the store flagged ControlPlane, or the first
// configured store if none is flagged: coordination state (the
// scheduler's Timer/JobRun tables, the Semaphore engine) must live on
// exactly one store regardless of how many application stores exist.
func pickControlStore(cfg config.AppConfig, stores map[string]*dbsql.Store) (string, *dbsql.Store, error) {
	for _, sc := range cfg.Dispatch.Stores {
		if sc.ControlPlane {
			return sc.ID, stores[sc.ID], nil
		}
	}
	if len(cfg.Dispatch.Stores) > 0 {
		id := cfg.Dispatch.Stores[0].ID
		return id, stores[id], nil
	}
	return "", nil, fmt.Errorf("platformd: no stores configured")
}

// runDispatchLoop drives Dispatcher.RunOnce on a cadence that backs off
// exponentially while every store comes back empty, and resets to the
// configured minimum the moment any store produces work.
func runDispatchLoop(ctx context.Context, d *dispatch.Dispatcher, holder *config.Holder) {
	logger := xlog.WithComponent("dispatch-loop")
	empty := backoff.NewEmptyClaim(backoff.DefaultConfig())

	for {
		snap := holder.Snapshot()
		storeID, n, err := d.RunOnce(ctx)
		if err != nil {
			logger.Error().Err(err).Str("store", storeID).Msg("dispatch iteration failed")
		}

		var wait time.Duration
		if n > 0 {
			empty.Success()
			wait = snap.App.WorkQueue.PollIntervalMin
		} else {
			wait = empty.Empty()
			if max := snap.App.WorkQueue.PollIntervalMax; max > 0 && wait > max {
				wait = max
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func runDiscoveryLoop(ctx context.Context, d *dispatch.Dispatcher, holder *config.Holder) {
	if holder.Get().Dispatch.DiscoveryMode != "etcd" {
		return
	}
	logger := xlog.WithComponent("discovery-loop")
	for {
		snap := holder.Snapshot()
		interval := snap.App.Dispatch.DiscoveryInterval
		if interval <= 0 {
			interval = dispatch.DefaultDiscoveryInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if err := d.RunDiscovery(ctx); err != nil {
			logger.Error().Err(err).Msg("discovery refresh failed")
		}
	}
}

// runSchedulerLoop holds the "scheduler" lease for as long as possible,
// re-acquiring it after a loss, and runs Scheduler.RunOnce on each tick
// while it is held.
func runSchedulerLoop(ctx context.Context, sched *scheduler.Scheduler, leaseManager *lease.Manager, owner ids.OwnerToken, holder *config.Holder) {
	logger := xlog.WithComponent("scheduler-loop")
	name, err := ids.NewResourceName("scheduler")
	if err != nil {
		logger.Error().Err(err).Msg("invalid scheduler resource name")
		return
	}

	for ctx.Err() == nil {
		leaseSeconds := holder.Get().WorkQueue.LeaseSeconds
		if leaseSeconds <= 0 {
			leaseSeconds = scheduler.DefaultConfig().LeaseSeconds
		}
		l, acquired, err := leaseManager.Acquire(ctx, name, owner, time.Duration(leaseSeconds)*time.Second)
		if err != nil {
			logger.Error().Err(err).Msg("scheduler lease acquire failed")
			sleepOrDone(ctx, time.Second)
			continue
		}
		if !acquired {
			sleepOrDone(ctx, time.Second)
			continue
		}

	holdLoop:
		for {
			if err := sched.RunOnce(ctx, l, owner); err != nil {
				logger.Error().Err(err).Msg("scheduler run failed")
				break holdLoop
			}
			select {
			case <-ctx.Done():
				l.Dispose(ctx)
				return
			case <-l.Lost():
				break holdLoop
			case <-time.After(time.Second):
			}
		}
		l.Dispose(ctx)
	}
}

func runSemaphoreReapLoop(ctx context.Context, storeID string, sem *semaphore.Semaphore, holder *config.Holder) {
	logger := xlog.WithComponent("semaphore-reap-loop").With().Str("store", storeID).Logger()
	for {
		cadence := holder.Get().Semaphore.ReapCadence
		if cadence <= 0 {
			cadence = time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(cadence):
		}
		n, err := sem.ReapExpired(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("semaphore reap failed")
			continue
		}
		if n > 0 {
			logger.Info().Int("reaped", n).Msg("semaphore permits reaped")
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
