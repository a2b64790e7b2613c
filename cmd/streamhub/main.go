package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/streamhub/internal/backend"
	"github.com/adred-codev/streamhub/internal/config"
	"github.com/adred-codev/streamhub/internal/hub"
	"github.com/adred-codev/streamhub/internal/logging"
	"github.com/adred-codev/streamhub/internal/server"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLog := logging.NewLogger("info", "json")

	cfg, err := config.Load(&bootLog)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	var be backend.Backend
	switch cfg.Backend {
	case "redis":
		be, err = backend.NewRedis(cfg.RedisURL, logger)
	case "nats":
		be, err = backend.NewNATS(backend.NATSConfig{
			URL:           cfg.NATSURL,
			Bucket:        cfg.KVBucket,
			TTL:           cfg.TTL,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		}, logger)
	case "memory":
		be = backend.NewMemory()
	}
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Backend).Msg("Failed to initialize backend")
	}

	h := hub.New(be, hub.Config{
		MaxPayloadSize: cfg.MaxPayloadSize,
		MaxHeaderSize:  cfg.MaxHeaderSize,
		TTL:            cfg.TTL,
	}, logger)

	srv := server.New(cfg, be, h, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
	if err := be.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing backend")
	}
}
