package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"linkgate/internal/alert"
	"linkgate/internal/api"
	"linkgate/internal/bus"
	"linkgate/internal/metrics"
	"linkgate/internal/phone"
	"linkgate/internal/session"
	"linkgate/internal/store"
	"linkgate/internal/tgclient"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (HTTP API + session service)",
		Long:  "Restores linked sessions, starts the HTTP API and delivers queued messages. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	log, logCloser, err := newLogger(cfg.General)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser.Close()
	logger = log

	if err := os.MkdirAll(cfg.General.DataDir, 0o700); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory, err := tgclient.NewFactory(tgclient.Config{
		AppID:      cfg.Telegram.AppID,
		AppHash:    cfg.Telegram.AppHash,
		SessionDir: cfg.Telegram.SessionDir,
		QRTimeout:  seconds(cfg.Telegram.QRTimeoutSeconds),
		Logger:     logger.With("component", "telegram"),
	})
	if err != nil {
		return fmt.Errorf("telegram client: %w", err)
	}

	linkStore, err := store.Open(store.Options{Driver: cfg.Store.Driver, Path: cfg.Store.Path, DSN: cfg.Store.DSN}, logger)
	if err != nil {
		return fmt.Errorf("link store: %w", err)
	}

	eventBus := bus.NewEventBus(logger)
	if cfg.Metrics.Enabled {
		metrics.Observe(eventBus)
		metrics.BusHistory(eventBus)
	}

	if cfg.Alerts.Telegram.Enabled {
		sender, err := alert.NewBotSender(cfg.Alerts.Telegram.Token, cfg.Alerts.Telegram.ChatID)
		if err != nil {
			return fmt.Errorf("alert bot: %w", err)
		}
		notifier := alert.NewNotifier(sender, logger.With("component", "alerts"))
		unsubscribe := notifier.Subscribe(eventBus)
		defer unsubscribe()
		go notifier.Run(ctx)
		logger.Info("operator alerts enabled", "chat", cfg.Alerts.Telegram.ChatID)
	}

	numbers := phone.Normalizer{CountryCode: cfg.Phone.CountryCode, LocalLength: cfg.Phone.LocalLength}

	svc := session.NewService(session.Options{
		TokenPrefix:          cfg.Sessions.TokenPrefix,
		PersistLinks:         cfg.Sessions.PersistLinks,
		MaxReconnectAttempts: cfg.Sessions.MaxReconnectAttempts,
		SessionTimeout:       time.Duration(cfg.Sessions.TimeoutMinutes) * time.Minute,
		ResetDelay:           seconds(cfg.Sessions.ResetDelaySeconds),
		QRWait:               seconds(cfg.Sessions.QRWaitSeconds),
		HeartbeatInterval:    seconds(cfg.Sessions.HeartbeatSeconds),
		ReaperInterval:       seconds(cfg.Sessions.ReaperSeconds),
		SaveInterval:         seconds(cfg.Sessions.SaveSeconds),
		DrainInterval:        seconds(cfg.Dispatch.IntervalSeconds),
		Dispatch: session.DispatcherConfig{
			BatchSize:         cfg.Dispatch.BatchSize,
			Pace:              time.Duration(cfg.Dispatch.PaceMillis) * time.Millisecond,
			RateLimitCooldown: time.Duration(cfg.Dispatch.RateLimitCooldownMs) * time.Millisecond,
			SendTimeout:       seconds(cfg.Dispatch.SendTimeoutSeconds),
			Phone:             numbers,
		},
		Backoff: session.DefaultBackoff,
		Factory: factory,
		Store:   linkStore,
		Bus:     eventBus,
		Logger:  logger,
	})
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("session service: %w", err)
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}
	server := api.New(api.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		APIKey:       cfg.Server.APIKey,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Phone:        numbers,
		MetricsPath:  metricsPath,
		Service:      svc,
		Logger:       logger.With("component", "http"),
	})
	if cfg.Server.APIKey == "" {
		logger.Warn("server.apiKey is empty, the API is unauthenticated")
	}

	serveErr := server.Start(ctx)
	if serveErr != nil {
		logger.Error("http server failed", "err", serveErr)
	}
	logger.Info("shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session service shutdown", "err", err)
	}
	if shutdownCtx.Err() != nil {
		logger.Warn("shutdown timed out")
	} else {
		logger.Info("shutdown complete")
	}
	return serveErr
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
