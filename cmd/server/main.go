package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/config"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/dice"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/progression"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/server"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/session"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/storage"
	"github.com/MysterySalsicha/Ficha-OP-Online-sub001/internal/store"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	version    = "dev" // set via ldflags during build
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting mesa server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	tables, err := progression.Load(cfg.Data.TablesPath)
	if err != nil {
		logger.Fatal("failed to load rule tables", zap.Error(err))
	}
	logger.Info("rule tables loaded",
		zap.String("path", cfg.Data.TablesPath),
		zap.Int("classes", len(tables.Classes)),
		zap.Int("rituals", len(tables.Rituals)),
		zap.Int("bestiary", len(tables.Bestiary)),
	)

	db, err := store.NewPostgres(ctx, cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("entity store connected")

	feed, err := store.NewFeed(ctx, cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("failed to open change feed", zap.Error(err))
	}
	defer feed.Close()
	logger.Info("change feed listening")

	blobs := storage.NewFallback(
		storage.NewPostgresBlobs(db.Pool(), cfg.Storage.BaseURL),
		logger,
	)

	roller := dice.New()

	factory := func(sessionID, userID string) (*session.Engine, error) {
		return session.NewEngine(session.EngineConfig{
			DB:             db,
			Feed:           feed,
			Blobs:          blobs,
			Tables:         tables,
			Roller:         roller,
			Logger:         logger,
			SessionID:      sessionID,
			UserID:         userID,
			MessageBacklog: cfg.Data.MessageBacklog,
			LogBacklog:     cfg.Data.LogBacklog,
			Bucket:         cfg.Storage.Bucket,
		})
	}

	gateway := server.NewGateway(factory, cfg.Server.WebSocket.MaxMessageSize, logger)
	srv := server.NewServer(cfg.Server.WebSocket.Address, gateway, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	logger.Info("mesa server initialized",
		zap.String("version", version),
		zap.String("websocket_address", cfg.Server.WebSocket.Address),
	)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("gateway error", zap.Error(err))
		}
	}

	logger.Info("shutting down gracefully...")
	cancel()

	logger.Info("mesa server stopped")
}

// initLogger initializes the zap logger based on configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
