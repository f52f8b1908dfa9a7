package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/viimlabs/viim-gateway/config"
	"github.com/viimlabs/viim-gateway/internal/auth"
	"github.com/viimlabs/viim-gateway/internal/provider"
	"github.com/viimlabs/viim-gateway/internal/provider/claude"
	"github.com/viimlabs/viim-gateway/internal/provider/gemini"
	"github.com/viimlabs/viim-gateway/internal/provider/openai"
	"github.com/viimlabs/viim-gateway/internal/proxy"
	"github.com/viimlabs/viim-gateway/internal/seeder"
	"github.com/viimlabs/viim-gateway/internal/subscription"
	"github.com/viimlabs/viim-gateway/internal/telemetry"
	"github.com/viimlabs/viim-gateway/internal/usage"
	"github.com/viimlabs/viim-gateway/internal/worker"
	"github.com/viimlabs/viim-gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("viim-gateway", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 6. Init usage ledger and entitlement checker
	usageStore := usage.NewPostgresStore(pool, cfg.Meter)
	ledger := usage.NewLedger(usageStore, cfg.Meter)

	subStore := subscription.NewPostgresStore(pool)
	checker := usage.NewChecker(subStore, ledger, cfg.Meter)

	// 7. Init subscription handler (Stripe checkout + webhook)
	prices := subscription.PriceTable{
		Plus:   cfg.StripePricePlus,
		Super:  cfg.StripePriceSuper,
		Family: cfg.StripePriceFamily,
	}
	subHandler := subscription.NewHandler(subStore, prices, cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)

	// 8. Init usage reporting pool
	usagePool := worker.NewPool(ledger, 1024, 4)
	defer usagePool.Stop()

	// 9. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 10. Init providers
	providers := []provider.Provider{
		gemini.New(cfg.GeminiAPIKey),
		openai.New(cfg.OpenAIAPIKey),
		claude.New(cfg.AnthropicAPIKey),
	}

	// 11. Init router
	router := proxy.NewRouter(providers)

	// 12. Init handler
	tracer := otel.GetTracerProvider().Tracer("viim-gateway")
	handler := proxy.NewHandler(router, checker, ledger, usagePool, limiter, tracer)

	// 13. Seed test data if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore)
		seeder.SeedTestSubscription(ctx, subStore)
	}

	// 14. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"viim-gateway"}`))
	})

	// Stripe calls this; the signature check is the auth.
	r.Post("/v1/billing/webhook", subHandler.HandleWebhook)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleComplete)
		r.Post("/v1/chat/completions/stream", handler.HandleCompleteStream)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/usage/summary", handler.HandleSummary)
		r.Post("/v1/billing/checkout-session", subHandler.HandleCreateCheckoutSession)
		r.Get("/v1/billing/checkout-session", subHandler.HandleCheckoutSession)
	})

	// 15. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
