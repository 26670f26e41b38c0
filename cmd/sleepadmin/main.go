// Package main запускает HTTP-сервер административного сервиса Sleep+.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luiso2/directus-sleep-admin-sub001/internal/config"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/directus"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/handler"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/itemstore"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/middleware"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/model"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/repository"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/tradein"
	"github.com/luiso2/directus-sleep-admin-sub001/internal/webhook"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		sugar.Fatalw("item store initialization error", "backend", cfg.Backend(), "error", err.Error())
	}
	defer closeStore()

	engine := tradein.NewEngine(store, logger.Named("tradein"),
		tradein.WithCouponRetry(cfg.CouponRetryAttempts, 0),
	)

	if cfg.StripeWebhookSecret == "" {
		sugar.Warn("STRIPE_WEBHOOK_SECRET is not set, stripe webhooks are disabled")
	}
	if cfg.ShopifyWebhookSecret == "" {
		sugar.Warn("SHOPIFY_WEBHOOK_SECRET is not set, shopify webhooks are disabled")
	}

	h := handler.NewHandler(engine, logger,
		handler.WithCustomers(store),
		handler.WithStripe(webhook.NewStripeProcessor(store, logger.Named("stripe")), cfg.StripeWebhookSecret),
		handler.WithShopify(webhook.NewShopifyProcessor(store, logger.Named("shopify")), middleware.NewShopifyAuth(cfg.ShopifyWebhookSecret)),
		handler.WithWebhookRateLimit(cfg.WebhookRateLimit, cfg.WebhookRateBurst),
	)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Сверка одобренных заявок без купона
	g.Go(func() error {
		engine.StartCouponReconciliation(ctx, cfg.ReconcileInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting sleep admin server", "addr", cfg.RunAddress, "backend", cfg.Backend())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// openStore выбирает хранилище элементов: Directus, затем PostgreSQL, иначе память процесса.
func openStore(cfg *config.Config, logger *zap.Logger) (itemstore.Store, func(), error) {
	switch cfg.Backend() {
	case "directus":
		return directus.NewClient(cfg.DirectusURL, cfg.DirectusToken, logger.Named("directus")), func() {}, nil
	case "postgres":
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		logger.Warn("no DIRECTUS_URL or DATABASE_URI configured, using in-memory item store")
		return itemstore.NewMemory(
			itemstore.WithUnique(model.CollectionCoupons, "code"),
			itemstore.WithUnique(model.CollectionWebhookEvents, "key"),
		), func() {}, nil
	}
}
