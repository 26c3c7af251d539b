package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/accrual"
	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/catalog"
	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/deposit"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/exposure"
	"github.com/atmx/settlement-engine/internal/gateway"
	"github.com/atmx/settlement-engine/internal/lease"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/referral"
	"github.com/atmx/settlement-engine/internal/staking"
	"github.com/atmx/settlement-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var ls lease.Lease = lease.Local{}
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			ls = lease.NewRedisLease(rdb)
			slog.Info("Redis cache and scheduler lease enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Catalog ---
	cat := catalog.New(st)
	if err := cat.Seed(ctx, cfg.Plans, cfg.Currencies); err != nil {
		slog.Error("catalog seed failed", "err", err)
		os.Exit(1)
	}

	// --- Payment gateway ---
	clk := clock.System{}
	var gw gateway.Gateway
	if cfg.Gateway.Sandbox() {
		slog.Warn("GATEWAY_BASE_URL not set, using sandbox gateway (deposits never confirm on their own)")
		gw = gateway.NewSandbox(clk, cfg.Deposit.Expiry)
	} else {
		client, err := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout,
			cfg.Gateway.RatePerSecond, gateway.WithCallbackURL(cfg.Gateway.CallbackURL))
		if err != nil {
			slog.Error("gateway client", "err", err)
			os.Exit(1)
		}
		gw = client
	}

	// --- Services ---
	hub := events.NewHub()
	limiter := exposure.NewLimiter(cfg.Exposure.MaxPerPlan, cfg.Exposure.MaxTotal)

	stakes := staking.NewManager(st, cat,
		staking.WithClock(clk),
		staking.WithLimiter(limiter),
		staking.WithNotifier(hub),
		staking.WithDeferredActivation(cfg.Staking.DeferActivation),
	)
	ref := referral.NewEngine(st, cfg.Referral.RatePercent, clk)
	deposits := deposit.NewService(st, cat, gw,
		deposit.WithClock(clk),
		deposit.WithNotifier(hub),
		deposit.WithExpiry(cfg.Deposit.Expiry),
		deposit.WithIPNSecret(cfg.Gateway.IPNSecret),
		deposit.WithBatchSize(cfg.Scheduler.BatchSize),
	)
	sched := accrual.NewScheduler(st, stakes, ref, accrual.Config{
		Interval:  cfg.Scheduler.AccrualInterval,
		BatchSize: cfg.Scheduler.BatchSize,
		LeaseTTL:  cfg.Scheduler.LeaseTTL,
	}, accrual.WithClock(clk), accrual.WithLease(ls), accrual.WithNotifier(hub))
	poller := deposit.NewPoller(deposits, cfg.Scheduler.DepositPollInterval, ls, cfg.Scheduler.LeaseTTL)

	handler := api.NewHandler(api.Deps{
		Store:    st,
		Catalog:  cat,
		Ledger:   ledger.NewService(st, clk),
		Stakes:   stakes,
		Deposits: deposits,
		Referral: ref,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", api.SignatureHeader},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// The websocket route stays outside the request timeout.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", hub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Routes(r)
		})
	})

	// Stake lifecycle operations get their own listener, off the public port.
	admin := chi.NewRouter()
	admin.Use(middleware.Logger)
	admin.Use(middleware.Recoverer)
	admin.Use(middleware.RequestID)
	admin.Use(middleware.Timeout(30 * time.Second))
	admin.Route("/admin/v1", handler.AdminRoutes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      admin,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error { return poller.Start(gctx) })
	g.Go(func() error {
		slog.Info("settlement-engine listening", "port", cfg.Port, "sandbox_gateway", cfg.Gateway.Sandbox())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.AdminAddr != "" {
		g.Go(func() error {
			slog.Info("admin listener", "addr", cfg.AdminAddr)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down settlement-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), adminSrv.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		slog.Error("settlement-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("settlement-engine stopped")
}
