package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"candlecollector/config"
	"candlecollector/internal/backfill"
	"candlecollector/internal/collector"
	"candlecollector/internal/faststore"
	"candlecollector/logger"
	"candlecollector/pkg/storage/memory"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = pflag.String("config", "", "path to config.yaml")
		base       = pflag.String("base", "", "base asset to backfill, e.g. BTC")
		start      = pflag.String("start", "", "range start, RFC3339 (inclusive)")
		end        = pflag.String("end", "", "range end, RFC3339 (exclusive)")
		exchanges  = pflag.StringSlice("exchanges", nil, "exchanges to read (default: all serving the universe)")
		dryRun     = pflag.Bool("dry-run", false, "fold into an in-memory store instead of postgres")
	)
	pflag.Parse()

	req, err := parseRequest(*base, *start, *end, *exchanges)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store collector.CandleStore
		fast  faststore.Store
	)
	if *dryRun {
		mem := memory.NewStore()
		defer func() { log.Info("dry run finished", zap.Int("candles", mem.Len())) }()
		store = mem
		fast = faststore.NewMemoryStore()
	} else {
		pg, err := collector.OpenPostgres(ctx, cfg, log)
		if err != nil {
			log.Fatal("postgres init failed", zap.Error(err))
		}
		defer pg.Close()
		store = pg

		// the suppression lease lives in the fast tier the collector reads
		fast, err = collector.OpenFastTier(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal("fast tier init failed", zap.Error(err))
		}
		if !cfg.Redis.Enabled {
			log.Warn("redis disabled, a running collector will not see this backfill")
		}
		defer fast.Close()
	}

	c, err := collector.New(cfg, store, fast, log)
	if err != nil {
		log.Fatal("collector init failed", zap.Error(err))
	}

	report, runErr := c.Service.TriggerBackfill(ctx, req)

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatal("failed to encode report", zap.Error(err))
	}
	fmt.Println(string(out))

	if runErr != nil {
		var partial *backfill.PartialFailureError
		if errors.As(runErr, &partial) {
			log.Error("backfill stopped part way", zap.Int("processed", partial.Report.Processed), zap.Error(runErr))
		} else {
			log.Error("backfill failed", zap.Error(runErr))
		}
		log.Sync()
		os.Exit(1)
	}
}

func parseRequest(base, start, end string, exchanges []string) (backfill.Request, error) {
	if strings.TrimSpace(base) == "" {
		return backfill.Request{}, errors.New("--base is required")
	}
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return backfill.Request{}, fmt.Errorf("--start: %w", err)
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return backfill.Request{}, fmt.Errorf("--end: %w", err)
	}
	return backfill.Request{Base: base, Start: s, End: e, Exchanges: exchanges}, nil
}
