package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookflow/analytics"
	"bookflow/api"
	"bookflow/capture"
	"bookflow/config"
	"bookflow/export"
	"bookflow/feed"
	"bookflow/logger"
	"bookflow/store"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Bookflow.Name,
		"version": cfg.Bookflow.Version,
	}).Info("starting bookflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.StartReport(ctx, log, 30*time.Second)

	if cfg.Logging.DashboardName != "" {
		logger.InitCloudWatch("", "Bookflow", cfg.Logging.DashboardName)
	}

	maxBytes, err := cfg.Storage.MaxSizeBytes()
	if err != nil {
		log.WithError(err).Error("invalid storage max_size")
		os.Exit(1)
	}
	st, err := store.Open(cfg.Storage.Path, maxBytes)
	if err != nil {
		log.WithError(err).Error("failed to open snapshot store")
		os.Exit(1)
	}
	defer st.Close()

	svc, err := analytics.NewService(st, cfg.Analytics)
	if err != nil {
		log.WithError(err).Error("failed to build analytics service")
		os.Exit(1)
	}

	apiServer := api.NewServer(cfg.API, svc, st)
	if apiServer != nil {
		go func() {
			if err := apiServer.Run(ctx); err != nil {
				log.WithError(err).Error("api server exited")
			}
		}()
	} else {
		log.WithComponent("main").Info("api disabled; analytics served as a library only")
	}

	binanceFeed := feed.NewBinanceFeed(cfg)
	if err := binanceFeed.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start binance feed")
		os.Exit(1)
	}

	scheduler := capture.NewScheduler(cfg, binanceFeed, st)
	if err := scheduler.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start capture scheduler")
		os.Exit(1)
	}

	var tradeStream *feed.TradeStream
	var tradeWriter *capture.TradeWriter
	if cfg.Feed.Binance.Trades.Enabled {
		tradeStream = feed.NewTradeStream(cfg)
		if err := tradeStream.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start trade stream")
			os.Exit(1)
		}
		tradeWriter = capture.NewTradeWriter(cfg, tradeStream.Trades(), st)
		if err := tradeWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start trade writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("trade stream disabled; skipping trade writer")
	}

	var archiver *export.Archiver
	if cfg.Archive.Enabled {
		exporter, err := export.NewExporter(cfg, st)
		if err != nil {
			log.WithError(err).Error("failed to create exporter")
			os.Exit(1)
		}
		archiver = export.NewArchiver(cfg, exporter)
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("archive disabled; skipping exporter")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	if archiver != nil {
		log.Info("stopping archiver")
		archiver.Stop()
	}

	log.Info("stopping capture scheduler")
	scheduler.Stop()

	if tradeStream != nil {
		log.Info("stopping trade stream")
		tradeStream.Stop()
	}
	if tradeWriter != nil {
		log.Info("stopping trade writer")
		tradeWriter.Stop()
	}

	log.Info("stopping binance feed")
	binanceFeed.Stop()

	cancel()
	log.Info("bookflow stopped")
}
