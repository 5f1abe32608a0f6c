// SPDX-License-Identifier: MIT

// parkd is the control-plane daemon: webhook ingest, display actuation,
// reservations, and the tenant management API in one process. Replicas
// coordinate through Redis, so running more than one is safe.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spotsense/spotsense/internal/api"
	"github.com/spotsense/spotsense/internal/audit"
	"github.com/spotsense/spotsense/internal/auth"
	"github.com/spotsense/spotsense/internal/config"
	"github.com/spotsense/spotsense/internal/coord"
	"github.com/spotsense/spotsense/internal/decode"
	"github.com/spotsense/spotsense/internal/display"
	"github.com/spotsense/spotsense/internal/downlink"
	"github.com/spotsense/spotsense/internal/health"
	"github.com/spotsense/spotsense/internal/ingest"
	"github.com/spotsense/spotsense/internal/lns"
	"github.com/spotsense/spotsense/internal/log"
	"github.com/spotsense/spotsense/internal/ratelimit"
	"github.com/spotsense/spotsense/internal/reservation"
	"github.com/spotsense/spotsense/internal/scheduler"
	"github.com/spotsense/spotsense/internal/spool"
	"github.com/spotsense/spotsense/internal/store"
	"github.com/spotsense/spotsense/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "parkd", Version: version.Version})
	logger := log.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("configuration rejected")
	}

	logger.Info().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("listen", cfg.ListenAddr).
		Msg("starting parkd")

	st, err := store.Open(ctx, store.Config{
		DSN:          cfg.DatabaseDSN,
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
		ConnLifetime: cfg.DBConnLifetime,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("durable store unavailable")
	}
	defer func() { _ = st.Close() }()

	cs, err := coord.New(coord.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("coordination store unavailable")
	}
	defer func() { _ = cs.Close() }()

	limiter := ratelimit.New(cs, map[string]ratelimit.Limit{
		ratelimit.BucketTenantIngest: {Rate: float64(cfg.TenantRatePerSec), Burst: cfg.TenantRatePerSec * 2},
		ratelimit.BucketGateway:      {Rate: float64(cfg.GatewayRatePerSec), Burst: cfg.GatewayRatePerSec * 2},
		ratelimit.BucketAuthIP:       {Rate: float64(cfg.IPRatePerMin) / 60, Burst: 10},
		ratelimit.BucketOrphan:       {Rate: float64(cfg.OrphanEUIsPerMin) / 60, Burst: cfg.OrphanEUIsPerMin},
		ratelimit.BucketDownlink:     {Rate: float64(cfg.DownlinkRatePerSec), Burst: cfg.DownlinkRatePerSec},
	})

	issuer, err := auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.AccessTokenTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("token issuer rejected configuration")
	}
	authSvc := auth.NewService(st, issuer,
		time.Duration(cfg.RefreshTokenTTLDays)*24*time.Hour, cfg.RefreshReuseWindow)

	queue := downlink.NewQueue(st)
	evaluator := display.NewEvaluator(st, cs, queue, display.Config{
		ReservedSoon:   cfg.ReservedSoon,
		DebounceWindow: cfg.DebounceWindow,
		UnknownTimeout: cfg.UnknownTimeout,
	})
	recorder := audit.NewRecorder(st)
	engine := reservation.NewEngine(st, evaluator, recorder, cfg.ReservedSoon)

	sp, err := spool.New(cfg.SpoolDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("spool directory unavailable")
	}

	pipeline := ingest.New(st, cs, limiter, decode.NewRegistry(),
		evaluator, queue, sp, ingest.Config{
			RequireSignature: cfg.RequireSignature,
			NonceTTL:         cfg.WebhookReplayWindow,
		})
	drainer := spool.NewDrainer(sp, pipeline, cfg.SpoolMaxAttempts, 15*time.Second)

	lnsClient := lns.New(lns.Config{
		BaseURL:  cfg.LNSBaseURL,
		APIToken: cfg.LNSAPIToken,
	})
	dispatcher := downlink.NewDispatcher(st, lnsClient, limiter, downlink.DispatcherConfig{
		Workers:        cfg.DispatchWorkers,
		RetryBackoff:   cfg.DownlinkRetryBackoff,
		MaxAttempts:    cfg.DownlinkMaxAttempts,
		MonitorTimeout: cfg.DownlinkMonitorTimeout,
	})
	reconciler := downlink.NewReconciler(st, cs, evaluator, queue, 15*time.Minute)
	cleanup := downlink.NewCleanup(st, queue, evaluator, cfg.SendingReclaimAfter, 10*time.Minute)

	sched := scheduler.New(cs)
	sched.Add(scheduler.Job{Name: "display-reconcile", Interval: 2 * time.Minute, Run: reconciler.Sweep})
	sched.Add(scheduler.Job{Name: "downlink-cleanup", Interval: 5 * time.Minute, Run: cleanup.Run})
	sched.Add(scheduler.Job{Name: "reservation-expiry", Interval: time.Minute, Run: engine.ExpireDue})
	sched.Add(scheduler.Job{Name: "orphan-purge", Interval: 24 * time.Hour, Run: func(ctx context.Context) error {
		_, err := st.PurgeInactiveOrphans(ctx, cfg.OrphanRetention)
		return err
	}})
	sched.Add(scheduler.Job{Name: "refresh-token-purge", Interval: time.Hour, Run: func(ctx context.Context) error {
		_, err := st.PurgeRefreshTokens(ctx, cfg.RefreshTokenGrace)
		return err
	}})
	sched.Add(scheduler.Job{Name: "reading-retention", Interval: 24 * time.Hour, Run: func(ctx context.Context) error {
		_, err := st.PurgeSensorReadings(ctx, cfg.ReadingRetention)
		return err
	}})
	sched.Add(scheduler.Job{Name: "state-change-retention", Interval: 24 * time.Hour, Run: func(ctx context.Context) error {
		_, err := st.PurgeStateChanges(ctx, cfg.StateChangeRetention)
		return err
	}})
	sched.Add(scheduler.Job{Name: "audit-retention", Interval: 24 * time.Hour, Run: func(ctx context.Context) error {
		_, err := st.PurgeAuditEntries(ctx, cfg.StateChangeRetention)
		return err
	}})

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewPingChecker("postgres", st))
	hm.RegisterChecker(health.NewPingChecker("redis", cs))
	hm.RegisterChecker(health.NewSpoolChecker(sp.Depth))

	srv := api.NewServer(api.Config{EdgeRequestsPerMin: cfg.IPRatePerMin},
		st, cs, authSvc, issuer, pipeline, engine, evaluator, queue, limiter, recorder, hm)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(dispatcher.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(drainer.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(sched.Run(ctx)) })
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
