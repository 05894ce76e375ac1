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
	"github.com/redis/go-redis/v9"

	"github.com/tradeup/trade-engine/internal/audit"
	"github.com/tradeup/trade-engine/internal/auth"
	"github.com/tradeup/trade-engine/internal/compliance"
	"github.com/tradeup/trade-engine/internal/config"
	"github.com/tradeup/trade-engine/internal/funds"
	"github.com/tradeup/trade-engine/internal/metrics"
	"github.com/tradeup/trade-engine/internal/model"
	"github.com/tradeup/trade-engine/internal/ratelimit"
	"github.com/tradeup/trade-engine/internal/risk"
	"github.com/tradeup/trade-engine/internal/store"
	"github.com/tradeup/trade-engine/internal/trade"
	"github.com/tradeup/trade-engine/internal/userlock"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "err", err)
		os.Exit(1)
	}

	// --- Store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		seedDemoUsers(ms)
		st = ms
	}

	// --- Redis (shared rate-limit counters) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis rate-limit counters enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Core components ---
	locks := userlock.NewManager()

	limits := risk.DefaultLimits()
	limits.MaxOpenTrades = cfg.MaxOpenTrades
	limits.DailyVolumeCap = cfg.DailyVolumeCap
	limits.DailyLossCap = cfg.DailyLossCap
	limits.VolatilityMaxMovePct = cfg.VolatilityMaxMove
	if cfg.Development() {
		limits.VolatilityMaxMovePct = 0 // guard off outside production
	}
	gate := risk.NewGate(st, limits)

	hub := trade.NewWSHub()
	go hub.Run()

	tradeCfg := trade.DefaultConfig()
	tradeCfg.DurationScale = cfg.DurationScale
	tradeCfg.LargeStakeThreshold = cfg.LargeStakeThreshold
	tradeSvc := trade.NewService(st, locks, gate, trade.TimerScheduler{}, hub, tradeCfg)

	thresholds := compliance.DefaultThresholds()
	thresholds.DailyLimit = cfg.WithdrawDailyLimit
	thresholds.LargeTxn = cfg.LargeTxnThreshold
	thresholds.MaxPerHour = cfg.MaxWithdrawPerHour
	checker := compliance.NewChecker(st, thresholds, sanctionList())
	fundsSvc := funds.NewService(st, locks, checker)

	limiter := ratelimit.New(rdb, cfg.Development())
	verifier := auth.NewVerifier(cfg.JWTSecret)

	// --- Audit orchestrator ---
	base := "http://localhost:" + cfg.Port
	probeBearer := func() (string, error) {
		return verifier.Sign("audit-probe", "user", 5*time.Minute)
	}
	auditor := audit.NewRunner(st, []audit.Probe{
		&audit.HTTPProbe{Category: "liveness", URL: base + "/health", Critical: true},
		&audit.HTTPProbe{Category: "metrics", URL: base + "/metrics"},
		&audit.HTTPProbe{Category: "api_sample", URL: base + "/api/v1/wallets", Bearer: probeBearer, Critical: true},
		&audit.WalletReadProbe{Store: st, UserID: "audit-probe"},
		&audit.StorageProbe{Store: st},
		&audit.HeadersProbe{URL: base + "/health"},
	})

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(securityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trade-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	caller := func(r *http.Request) string { return auth.UserID(r.Context()) }

	r.Route("/api/v1", func(r chi.Router) {
		// Caller surface.
		r.Group(func(r chi.Router) {
			r.Use(verifier.RequireUser)

			r.With(limiter.Middleware("trade", cfg.TradeRateMax, cfg.RateWindow, caller)).
				Post("/trades", tradeSvc.OpenTrade)
			r.Get("/trades", tradeSvc.ListTrades)

			r.Post("/deposits", fundsSvc.Deposit)
			r.With(limiter.Middleware("withdraw", cfg.WithdrawRateMax, cfg.RateWindow, caller)).
				Post("/withdrawals", fundsSvc.Withdraw)
			r.Get("/wallets", fundsSvc.GetWallets)
			r.Get("/transactions", fundsSvc.ListTransactions)
			r.Get("/notifications", fundsSvc.ListNotifications)
		})

		// Admin surface.
		r.Group(func(r chi.Router) {
			r.Use(verifier.RequireAdmin)

			r.Post("/admin/trades/override", tradeSvc.Override)
			r.Get("/admin/stream", hub.HandleWS)

			r.Post("/audit/run", auditor.StartRun)
			r.Get("/audit/status/{runID}", auditor.RunStatus)
			r.Post("/audit/override", auditor.OverrideRun)
			r.Get("/audit/report/{runID}", auditor.RunReport)
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
		slog.Info("trade-engine listening", "port", cfg.Port, "env", cfg.Environment)
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

	slog.Info("shutting down trade-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trade-engine stopped")
}

// securityHeaders sets the baseline response headers the audit battery
// checks for.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// seedDemoUsers provisions accounts for the non-persistent demo mode.
func seedDemoUsers(ms *store.MemoryStore) {
	ctx := context.Background()
	users := []model.User{
		{ID: "demo-bronze", Tier: model.TierBronze, PayoutPct: 80, Role: "user"},
		{ID: "demo-silver", Tier: model.TierSilver, PayoutPct: 85, KYCVerified: true, Role: "user"},
		{ID: "demo-gold", Tier: model.TierGold, PayoutPct: 90, KYCVerified: true, Role: "user"},
		{ID: "demo-admin", Tier: model.TierGold, PayoutPct: 90, KYCVerified: true, Role: "admin"},
	}
	for i := range users {
		if err := ms.UpsertUser(ctx, &users[i]); err != nil {
			slog.Error("demo user seed failed", "user", users[i].ID, "err", err)
		}
	}
}

// sanctionList returns the destinations blocked outright. A production
// deployment loads this from the screening provider.
func sanctionList() []string {
	return []string{
		"0x00000000000000000000000000000000000dead0",
		"SANCTIONED-TEST-DESTINATION",
	}
}
