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
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/traderings/arena-ledger/internal/api"
	"github.com/traderings/arena-ledger/internal/config"
	"github.com/traderings/arena-ledger/internal/delegation"
	"github.com/traderings/arena-ledger/internal/events"
	"github.com/traderings/arena-ledger/internal/ledger"
	"github.com/traderings/arena-ledger/internal/metrics"
	"github.com/traderings/arena-ledger/internal/model"
	"github.com/traderings/arena-ledger/internal/oracle"
	"github.com/traderings/arena-ledger/internal/registry"
	"github.com/traderings/arena-ledger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (base cache and rollup state) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Base ledger store ---
	var base store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		base = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			base = store.NewCachedStore(base, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory base ledger (data will not persist)")
		base = store.NewMemoryStore()
	}

	// --- Event publishing ---
	hub := api.NewWSHub()
	go hub.Run(ctx)
	pub := events.Fanout{hub}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("arena-ledger"))
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		js, err := jetstream.New(nc)
		if err != nil {
			slog.Error("jetstream init failed", "err", err)
			os.Exit(1)
		}
		if err := events.EnsureStream(ctx, js); err != nil {
			slog.Error("nats stream setup failed", "err", err)
			os.Exit(1)
		}
		np := events.NewNATSPublisher(js, 4096)
		go np.Run(ctx)
		pub = append(pub, np)
		slog.Info("publishing events to NATS", "stream", events.StreamName)
	}

	// --- Ledger ---
	deriver := registry.Blake2bDeriver{Namespace: cfg.AddressNamespace}
	ctrl := delegation.New(base, deriver, nil, pub)
	ctrl.SetCommitInterval(cfg.Rollup.CommitInterval)
	reg := registry.New(base, deriver, ctrl, registry.Config{
		BootstrapAdmin:  model.Identity(cfg.Ledger.BootstrapAdmin),
		StartingBalance: cfg.Ledger.StartingBalanceMicro,
		Executor:        delegation.BaseExecutor,
	})
	ctrl.SetOwners(reg)
	baseLedger := ledger.New(base, deriver, ctrl, delegation.BaseExecutor, pub)

	// --- Prices ---
	prices := oracle.NewStaticSource()
	for asset, p := range cfg.Oracle.Prices {
		d, err := decimal.NewFromString(p)
		if err == nil {
			err = prices.SetDecimal(asset, d)
		}
		if err != nil {
			slog.Error("invalid seed price", "asset", asset, "price", p, "err", err)
			os.Exit(1)
		}
	}
	var source oracle.Source = prices
	if cfg.Oracle.MaxAge > 0 {
		source = oracle.MaxAge{Source: prices, Age: cfg.Oracle.MaxAge}
	}

	svc := api.NewService(reg, baseLedger, ctrl, prices, source)

	// --- Rollup executor ---
	if id := cfg.Rollup.ExecutorID; id != "" {
		var rollup store.Store
		if rdb != nil {
			rollup = store.NewRedisStore(rdb, fmt.Sprintf("rollup:%s:", id))
		} else {
			slog.Warn("REDIS_URL not set, rollup executor state is in memory")
			rollup = store.NewMemoryStore()
		}
		if err := ctrl.RegisterExecutor(id, rollup); err != nil {
			slog.Error("rollup executor setup failed", "err", err)
			os.Exit(1)
		}
		svc.AddExecutor(ledger.New(rollup, deriver, ctrl, id, pub))

		sched := delegation.NewScheduler(ctrl, id, cfg.Rollup.SchedulerTick)
		go sched.Run(ctx)
		slog.Info("rollup executor enabled", "executor", id, "commit_interval", cfg.Rollup.CommitInterval.String())
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"arena-ledger"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("arena-ledger listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down arena-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("arena-ledger stopped")
}
