// Package main is the entry point for the channel bridge.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ihiteshgupta/channel-bridge/internal/config"
	"github.com/ihiteshgupta/channel-bridge/internal/connection"
	"github.com/ihiteshgupta/channel-bridge/internal/events"
	"github.com/ihiteshgupta/channel-bridge/internal/health"
	"github.com/ihiteshgupta/channel-bridge/internal/inbound"
	"github.com/ihiteshgupta/channel-bridge/internal/media"
	"github.com/ihiteshgupta/channel-bridge/internal/outbound"
	"github.com/ihiteshgupta/channel-bridge/internal/provider"
	"github.com/ihiteshgupta/channel-bridge/internal/provider/evolution"
	"github.com/ihiteshgupta/channel-bridge/internal/provider/meta"
	"github.com/ihiteshgupta/channel-bridge/internal/provider/uazapi"
	"github.com/ihiteshgupta/channel-bridge/internal/store"
	"github.com/ihiteshgupta/channel-bridge/pkg/api"
)

const (
	shutdownTimeout = 30 * time.Second
	maxMediaBytes   = 64 << 20
)

func main() {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:           "channel-bridge",
		Short:         "Multi-tenant WhatsApp, Instagram and Messenger channel bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks and the tenant API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath, logLevel)
			if err != nil {
				return err
			}
			return serve(cfg, logger)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(configPath, logLevel)
			if err != nil {
				return err
			}
			db, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			logger.Info("Schema up to date", "driver", cfg.Database.Driver)
			return db.Close()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup(configPath, logLevel string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var logHandler slog.Handler
	if cfg.LogFormat == "text" {
		logHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		logHandler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func providers(cfg *config.Config) (*provider.Registry, *provider.Client) {
	client := func(base string, classify provider.Classifier) *provider.Client {
		return provider.NewClient(provider.ClientOptions{
			BaseURL:     base,
			Timeout:     cfg.Timeouts.Default,
			SendTimeout: cfg.Timeouts.Send,
			Classify:    classify,
		})
	}

	registry := provider.NewRegistry()
	p := cfg.Providers
	if p.Evolution.BaseURL != "" {
		registry.Register(evolution.New(evolution.Options{
			Client: client(p.Evolution.BaseURL, nil),
			APIKey: p.Evolution.APIKey,
		}))
	}
	if p.Uazapi.BaseURL != "" {
		registry.Register(uazapi.New(uazapi.Options{
			Client:     client(p.Uazapi.BaseURL, uazapi.Classify),
			AdminToken: p.Uazapi.AdminToken,
		}))
	}
	if p.Meta.GraphURL != "" {
		registry.Register(meta.New(meta.Options{
			Client:      client(p.Meta.GraphURL+"/"+p.Meta.APIVersion, meta.Classify),
			VerifyToken: p.Meta.VerifyToken,
		}))
	}
	// Bare client for media URLs carried in webhook bodies.
	return registry, client("", nil)
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Channel bridge starting",
		"addr", cfg.HTTPAddr,
		"database", cfg.Database.Driver,
		"log_level", cfg.LogLevel,
	)

	db, err := store.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer db.Close()

	var publisher events.Publisher
	if cfg.AMQP.URL != "" {
		publisher, err = events.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			return fmt.Errorf("connect event broker: %w", err)
		}
	} else {
		publisher = events.NewNoop(logger)
	}
	defer publisher.Close()

	blobs, err := media.NewLocalStore(cfg.Media.Dir, cfg.Media.PublicURL, maxMediaBytes)
	if err != nil {
		return err
	}

	registry, downloader := providers(cfg)
	logger.Info("Providers configured", "kinds", registry.Kinds())

	monitor := health.NewMonitor(db)

	secrets := api.WebhookSecrets{
		Evolution:       cfg.Providers.Evolution.WebhookSecret,
		Uazapi:          cfg.Providers.Uazapi.WebhookSecret,
		Meta:            cfg.Providers.Meta.WebhookSecret,
		MetaAppSecret:   cfg.Providers.Meta.AppSecret,
		MetaVerifyToken: cfg.Providers.Meta.VerifyToken,
	}

	manager := connection.NewManager(connection.Options{
		Instances:   db.Instances,
		Transitions: db.Transitions,
		Providers:   registry,
		Recovery:    cfg.Recovery,
		Webhook: func(kind provider.Kind) provider.WebhookConfig {
			wh := provider.WebhookConfig{URL: cfg.PublicURL + "/webhooks/" + string(kind)}
			switch kind {
			case provider.KindEvolution:
				wh.Secret = secrets.Evolution
			case provider.KindUazapi:
				wh.Secret = secrets.Uazapi
			case provider.KindMeta:
				wh.Secret = secrets.Meta
			}
			return wh
		},
		Events:  publisher,
		Monitor: monitor,
		Logger:  logger.With("component", "connection"),
	})

	processor := inbound.NewProcessor(inbound.Options{
		Instances:     db.Instances,
		Clients:       db.Clients,
		Conversations: db.Conversations,
		Messages:      db.Messages,
		Providers:     registry,
		Connections:   manager,
		Media:         blobs,
		Downloader:    downloader,
		Events:        publisher,
		Monitor:       monitor,
		Logger:        logger.With("component", "inbound"),
	})

	dispatcher := outbound.NewDispatcher(outbound.Options{
		Instances:     db.Instances,
		Conversations: db.Conversations,
		Messages:      db.Messages,
		Providers:     registry,
		Sessions:      manager,
		Pacing:        cfg.Pacing,
		SendRate:      cfg.SendRate,
		Events:        publisher,
		Monitor:       monitor,
		Logger:        logger.With("component", "outbound"),
	})

	sweeper, err := health.NewSweeper(cfg.StatusSweep, cfg.Timeouts.Default*4, manager.Sweep, monitor, logger.With("component", "sweeper"))
	if err != nil {
		return err
	}
	sweeper.Start()

	server := api.NewServer(api.ServerOptions{
		Addr:      cfg.HTTPAddr,
		Webhooks:  api.NewWebhookHandler(logger, processor, secrets),
		Instances: api.NewInstanceHandler(manager),
		Messages:  api.NewMessageHandler(dispatcher),
		Health:    api.NewHealthHandler(monitor),
		MediaDir:  blobs.Dir(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-errChan:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}
	sweeper.Stop(shutdownCtx)
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Dispatcher shutdown", "error", err)
	}

	logger.Info("Channel bridge stopped")
	return nil
}
