package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/akoselev/keywatch/internal/conf"
	"github.com/akoselev/keywatch/internal/data"
	"github.com/akoselev/keywatch/internal/observ"
	"github.com/akoselev/keywatch/internal/server"
	"github.com/akoselev/keywatch/internal/service"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := conf.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := data.NewStore(cfg.Store.DBPath)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()

	if err := store.SeedAdmins(ctx, cfg.AdminIDs); err != nil {
		logger.Fatal("failed to seed admins", zap.Error(err))
	}

	transport, err := data.NewGatewayTransport(cfg.Gateway.URL, logger)
	if err != nil {
		logger.Fatal("failed to create gateway transport", zap.Error(err))
	}

	bot := data.NewLarkBot(cfg.Bot.AppID, cfg.Bot.AppSecret, logger)
	notifier := service.NewNotifier(bot, cfg.Notify.MinGap, logger)
	pipeline := service.NewPipeline(store, notifier, logger)
	supervisor := service.NewSupervisor(store, transport, pipeline, notifier, cfg.Gateway.RestoreStartDelay, logger)

	summarizer := data.NewSummarizer(cfg.Digest.APIKey, cfg.Digest.BaseURL, cfg.Digest.Model)
	digest := service.NewDigestService(store, summarizer, notifier, cfg.Digest.Interval, logger)
	digest.Start(ctx)

	botServer := server.NewBotServer(bot, store, transport, supervisor, notifier, digest, cfg.AdminIDs, logger)

	healthApp := server.NewHealthApp(supervisor, logger)
	go func() {
		if err := healthApp.Listen(":" + cfg.Port); err != nil {
			logger.Error("health server stopped", zap.Error(err))
		}
	}()

	// Restore previously active sessions once the bot connection has had a
	// moment to come up, so start notifications are deliverable.
	go func() {
		select {
		case <-time.After(3 * time.Second):
		case <-ctx.Done():
			return
		}
		if err := supervisor.RestoreAll(ctx); err != nil {
			logger.Error("session restoration failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		supervisor.Shutdown(shutdownCtx)
		digest.Stop()
		botServer.Stop()
		healthApp.Shutdown()
	}()

	logger.Info("starting keyword watch service")
	if err := botServer.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("bot server error", zap.Error(err))
	}
}
