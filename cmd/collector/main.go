package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"candlecollector/config"
	"candlecollector/internal/collector"
	"candlecollector/logger"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.String("config", "", "path to config.yaml (default: search ./, ./config)")
	pflag.Parse()

	// viper config
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := collector.OpenPostgres(ctx, cfg, log)
	if err != nil {
		log.Fatal("postgres init failed", zap.Error(err))
	}
	defer pg.Close()

	fast, err := collector.OpenFastTier(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("fast tier init failed", zap.Error(err))
	}
	defer fast.Close()

	c, err := collector.New(cfg, pg, fast, log)
	if err != nil {
		log.Fatal("collector init failed", zap.Error(err))
	}

	// run collector
	if err := c.Run(ctx); err != nil {
		log.Error("collector stopped with error", zap.Error(err))
		return
	}
	log.Info("collector stopped")
}
