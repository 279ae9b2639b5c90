package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"perpflow/config"
	"perpflow/internal/aggregator"
	"perpflow/internal/broadcast"
	"perpflow/internal/cache"
	"perpflow/internal/fetcher"
	"perpflow/internal/metrics"
	"perpflow/internal/reader"
	"perpflow/internal/reader/binance"
	"perpflow/internal/reader/bitget"
	"perpflow/internal/reader/bybit"
	"perpflow/internal/reader/coinbase"
	"perpflow/internal/reader/gateio"
	"perpflow/internal/reader/hyperliquid"
	"perpflow/internal/reader/okx"
	"perpflow/internal/server"
	"perpflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Perpflow.Name,
		"version": cfg.Perpflow.Version,
	}).Info("starting perpflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
		logger.CreateDefaultDashboard(ctx)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.Address)
	}

	registry := reader.NewRegistry()
	if cfg.Source.Binance.Enabled {
		registry.Register(binance.New(cfg.Source.Binance, fetcher.New("binance", cfg.Fetcher)))
	}
	if cfg.Source.Bybit.Enabled {
		registry.Register(bybit.New(cfg.Source.Bybit, fetcher.New("bybit", cfg.Fetcher)))
	}
	if cfg.Source.Okx.Enabled {
		registry.Register(okx.New(cfg.Source.Okx, fetcher.New("okx", cfg.Fetcher)))
	}
	if cfg.Source.Bitget.Enabled {
		registry.Register(bitget.New(cfg.Source.Bitget, fetcher.New("bitget", cfg.Fetcher)))
	}
	if cfg.Source.Gateio.Enabled {
		registry.Register(gateio.New(cfg.Source.Gateio, fetcher.New("gateio", cfg.Fetcher)))
	}
	if cfg.Source.Hyperliquid.Enabled {
		registry.Register(hyperliquid.New(cfg.Source.Hyperliquid, fetcher.New("hyperliquid", cfg.Fetcher)))
	}
	if cfg.Source.Coinbase.Enabled {
		registry.Register(coinbase.New(cfg.Source.Coinbase, fetcher.New("coinbase", cfg.Fetcher)))
	}

	store := cache.New()
	agg := aggregator.New(registry, store, cfg.Aggregator, cfg.Cache)
	hub := broadcast.NewHub()
	defer hub.Close()

	if cfg.Broadcast.Enabled {
		// Subscribers get the same shape as the rates endpoint's data field.
		hub.StartRefresher(ctx, cfg.Broadcast.RefreshInterval, func(ctx context.Context) (any, error) {
			result, err := agg.Rates(ctx)
			if err != nil {
				return nil, err
			}
			return result.Data, nil
		})
	}

	apiServer := server.New(cfg.Server, agg, hub)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Run(ctx); err != nil {
			log.WithError(err).Error("api server exited")
			cancel()
		}
	}()

	log.WithComponent("main").WithFields(logger.Fields{
		"address":   apiServer.Address(),
		"exchanges": len(registry.All()),
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received")
	cancel()
	wg.Wait()
	log.Info("perpflow stopped")
}
