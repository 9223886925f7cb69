package main

import (
	"context"
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
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/moonbet/market-engine/internal/audit"
	"github.com/moonbet/market-engine/internal/auth"
	"github.com/moonbet/market-engine/internal/config"
	"github.com/moonbet/market-engine/internal/engine"
	"github.com/moonbet/market-engine/internal/games"
	"github.com/moonbet/market-engine/internal/metrics"
	"github.com/moonbet/market-engine/internal/ratelimit"
	"github.com/moonbet/market-engine/internal/store"
	"github.com/moonbet/market-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(context.Background()); err != nil {
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
			slog.Info("Redis cache enabled")
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

	// --- Domain services ---
	recorder := audit.NewRecorder(st)
	limiter := ratelimit.New(st, cfg.RateLimits, cfg.RateRetention)
	eng := engine.New(st, limiter, recorder, cfg.Trading)

	src := games.NewCryptoSource()
	slots := games.NewSlots(st, src, limiter, recorder, cfg.Slots)
	lootBox := games.NewLootBox(st, src, limiter, recorder, cfg.LootBox)

	// Stale rate-limit windows are purged in the background.
	purgeCtx, stopPurge := context.WithCancel(context.Background())
	defer stopPurge()
	go func() {
		ticker := time.NewTicker(cfg.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-purgeCtx.Done():
				return
			case <-ticker.C:
				if n, err := limiter.PurgeStale(purgeCtx); err != nil {
					slog.Error("rate window purge failed", "err", err)
				} else if n > 0 {
					slog.Info("purged stale rate windows", "count", n)
				}
			}
		}
	}()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	svc := trade.NewService(st, eng, slots, lootBox, wsHub)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time updates.
		r.Get("/ws", wsHub.HandleWS)

		// Everything else requires a verified caller.
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(verifier, st, cfg.StartingBalance))

			r.Get("/markets", svc.ListMarkets)
			r.Post("/markets", svc.CreateMarket)
			r.Get("/markets/{marketID}", svc.GetMarket)
			r.Post("/markets/{marketID}/resolve", svc.ResolveMarket)
			r.Post("/markets/{marketID}/cancel", svc.CancelMarket)

			r.Post("/trades", svc.ExecuteTrade)

			r.Post("/games/slots", svc.PlaySlots)
			r.Post("/games/lootbox", svc.OpenLootBox)

			r.Get("/me", svc.Me)
			r.Get("/portfolio", svc.Portfolio)
		})
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
		slog.Info("market-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}
