// Command data_ingest publishes a backtest export directory into the
// ClickHouse tables the dashboard reads with dataset.source=clickhouse.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"backtest-dashboard/services/arrowpipeline"
	"backtest-dashboard/services/clickhouse"
	"backtest-dashboard/services/config"
	"backtest-dashboard/services/dataset"
	"backtest-dashboard/services/engine"
)

// DataIngester validates an export and hands it to the publisher
type DataIngester struct {
	cfg       *config.Config
	publisher *clickhouse.Publisher
	logger    *zap.Logger
}

func NewDataIngester(cfg *config.Config, batchSize int, logger *zap.Logger) *DataIngester {
	return &DataIngester{
		cfg:       cfg,
		publisher: clickhouse.NewPublisher(clickhouse.Config(cfg.ClickHouse), batchSize, nil, logger),
		logger:    logger,
	}
}

// Run loads the export under dir, builds the store to validate it and
// publishes the raw dataset keyed by the store's manifest checksum.
// Incomplete exports are refused before anything is written.
func (di *DataIngester) Run(ctx context.Context, dir string, force bool) (clickhouse.PublishResult, error) {
	pipeline, err := arrowpipeline.NewPipeline(&arrowpipeline.Config{BatchSize: di.cfg.Arrow.BatchSize}, di.logger)
	if err != nil {
		return clickhouse.PublishResult{}, err
	}
	base := config.MustTimeframe(di.cfg.Dataset.Base)
	exp, err := dataset.NewLoader(dir, pipeline, di.logger).Load(ctx, base)
	if err != nil {
		return clickhouse.PublishResult{}, fmt.Errorf("load %s: %w", dir, err)
	}

	derive, err := config.ParseTimeframes(di.cfg.Dataset.Derive)
	if err != nil {
		return clickhouse.PublishResult{}, err
	}
	store, err := engine.NewStore(exp.Dataset, engine.StoreOptions{
		Derive:             derive,
		ReferenceIndex:     engine.ReferenceIndexMode(di.cfg.Dataset.ReferenceIndex),
		MaxIssuesPerSeries: di.cfg.Dataset.MaxIssues,
		Logger:             di.logger,
	})
	if err != nil {
		return clickhouse.PublishResult{}, fmt.Errorf("validate %s: %w", dir, err)
	}
	if n := len(store.Issues()); n > 0 {
		di.logger.Warn("publishing dataset with issues", zap.Int("issues", n))
	}

	checksum := store.Manifest().Checksum
	if force {
		checksum = ""
	}
	return di.publisher.Publish(ctx, exp.Dataset, checksum)
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	dir := flag.String("dir", "", "Export directory (defaults to dataset.dir)")
	batchSize := flag.Int("batch", 10000, "Rows per insert")
	force := flag.Bool("force", false, "Publish even if the checksum is already in the ledger")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *dir == "" {
		*dir = cfg.Dataset.Dir
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := NewDataIngester(cfg, *batchSize, logger).Run(ctx, *dir, *force)
	if err != nil {
		logger.Fatal("Data ingestion failed", zap.Error(err))
	}
	if res.Skipped {
		logger.Info("Dataset already published; nothing to do")
		return
	}
	logger.Info("Data ingestion completed",
		zap.Int("bars", res.Bars),
		zap.Int("indicators", res.Indicators),
		zap.Int("signals", res.Signals),
		zap.Int("trades", res.Trades))
}
