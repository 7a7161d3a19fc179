package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stripe-webhook-reconciler/internal/client"
	"stripe-webhook-reconciler/internal/config"
	"stripe-webhook-reconciler/internal/logger"
	"stripe-webhook-reconciler/internal/repository"
	"stripe-webhook-reconciler/internal/server"
	"stripe-webhook-reconciler/internal/service"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := client.OpenDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}

	stripeClient := client.NewStripeClient(&cfg.Stripe)
	verifier := client.NewWebhookVerifier(&cfg.Stripe)

	webhookService := service.NewWebhookService(
		log,
		verifier,
		stripeClient,
		repository.NewWebhookEventRepository(db),
		repository.NewUserRepository(db),
		repository.NewSubscriptionRepository(db),
		repository.NewPaymentRepository(db),
		repository.NewDonationRepository(db),
		repository.NewOrderRepository(db),
		repository.NewProductRepository(db),
		repository.NewInventoryRepository(db),
	)

	srv := server.NewServer(log, cfg.HTTP.MaxBodySize, webhookService)

	serverAddr := cfg.HTTP.Address()
	log.Info("starting HTTP server", zap.String("address", serverAddr), zap.String("environment", cfg.Environment.Name))
	go func() {
		if err := srv.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	<-sigChan
	log.Info("signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
