package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"backtest-dashboard/services/arrowpipeline"
	"backtest-dashboard/services/clickhouse"
	"backtest-dashboard/services/config"
	"backtest-dashboard/services/dataset"
	"backtest-dashboard/services/engine"
	"backtest-dashboard/services/monitoring"
	"backtest-dashboard/services/stats"
	"backtest-dashboard/services/view"
)

// DashboardService holds the loaded store and the live sessions behind the
// HTTP and gRPC surfaces.
type DashboardService struct {
	store    *engine.Store
	ctrl     *view.Controller
	registry *view.Registry
	pipeline *arrowpipeline.Pipeline
	metrics  *monitoring.Metrics
	limiter  *rate.Limiter
	logger   *zap.Logger
	config   *config.Config
}

// NewDashboardService loads the configured dataset and builds everything the
// handlers need. Load-time failures such as *engine.IncompleteDataError are
// returned as is.
func NewDashboardService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*DashboardService, error) {
	pipeline, err := arrowpipeline.NewPipeline(&arrowpipeline.Config{BatchSize: cfg.Arrow.BatchSize}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Arrow pipeline: %w", err)
	}
	base := config.MustTimeframe(cfg.Dataset.Base)
	derive, err := config.ParseTimeframes(cfg.Dataset.Derive)
	if err != nil {
		return nil, err
	}

	var (
		ds  *engine.Dataset
		doc *stats.Document
	)
	switch cfg.Dataset.Source {
	case config.SourceClickHouse:
		ds, err = loadClickHouse(ctx, cfg, base, derive, logger)
		if err != nil {
			return nil, err
		}
		// The database holds series only; the stats export still comes from disk.
		exp, err := dataset.NewLoader(cfg.Dataset.Dir, pipeline, logger).Load(ctx, base)
		if err != nil {
			return nil, err
		}
		doc = exp.Stats
	default:
		exp, err := dataset.NewLoader(cfg.Dataset.Dir, pipeline, logger).Load(ctx, base)
		if err != nil {
			return nil, err
		}
		ds, doc = exp.Dataset, exp.Stats
	}
	return newService(cfg, ds, doc, pipeline, logger)
}

func loadClickHouse(ctx context.Context, cfg *config.Config, base engine.Timeframe, derive []engine.Timeframe, logger *zap.Logger) (*engine.Dataset, error) {
	client, err := clickhouse.NewClient(clickhouse.Config(cfg.ClickHouse), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return client.Load(ctx, base, derive)
}

// newService is the part of construction that does no I/O.
func newService(cfg *config.Config, ds *engine.Dataset, doc *stats.Document, pipeline *arrowpipeline.Pipeline, logger *zap.Logger) (*DashboardService, error) {
	derive, err := config.ParseTimeframes(cfg.Dataset.Derive)
	if err != nil {
		return nil, err
	}
	store, err := engine.NewStore(ds, engine.StoreOptions{
		Derive:             derive,
		ReferenceIndex:     engine.ReferenceIndexMode(cfg.Dataset.ReferenceIndex),
		MaxIssuesPerSeries: cfg.Dataset.MaxIssues,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	var metrics *monitoring.Metrics
	var observer view.Observer
	if cfg.Monitoring.Enabled {
		metrics = monitoring.NewMetrics()
		metrics.RecordManifest(store.Manifest(), len(store.Issues()))
		observer = metrics
	}

	vc, err := viewConfig(cfg.View)
	if err != nil {
		return nil, err
	}
	symbols := store.Trades().Symbols()
	if len(symbols) == 0 {
		symbols = store.Symbols()
	}
	table, err := statsTable(cfg.Stats, doc, symbols, logger)
	if err != nil {
		return nil, err
	}
	ctrl, err := view.NewController(store, table, view.Options{
		Config:   vc,
		Observer: observer,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &DashboardService{
		store:    store,
		ctrl:     ctrl,
		registry: view.NewRegistry(ctrl, cfg.Server.MaxSessions),
		pipeline: pipeline,
		metrics:  metrics,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
		logger:   logger,
		config:   cfg,
	}, nil
}

func statsTable(cfg config.StatsConfig, doc *stats.Document, symbols []string, logger *zap.Logger) (*stats.Table, error) {
	if doc == nil {
		return nil, nil
	}
	agg := stats.NewAggregator(stats.Options{
		DurationMetrics: cfg.DurationMetrics,
		NotApplicable:   cfg.NotApplicable,
		Logger:          logger,
	})
	return agg.Build(doc.Portfolio, doc.Symbols, symbols)
}

func viewConfig(c config.ViewConfig) (view.Config, error) {
	chart, err := config.ParseTimeframes(c.ChartTimeframes)
	if err != nil {
		return view.Config{}, err
	}
	summary, err := config.ParseTimeframes(c.SummaryTimeframes)
	if err != nil {
		return view.Config{}, err
	}
	mode, err := view.ParseMode(c.DefaultMode)
	if err != nil {
		return view.Config{}, err
	}
	vc := view.Config{
		ChartTimeframes:         chart,
		SummaryTimeframes:       summary,
		DefaultChartTimeframe:   config.MustTimeframe(c.DefaultChartTimeframe),
		DefaultSummaryTimeframe: config.MustTimeframe(c.DefaultSummaryTimeframe),
		DefaultIndicator:        engine.Field(c.DefaultIndicator),
		WindowTimeframe:         config.MustTimeframe(c.WindowTimeframe),
		DefaultWindowBars:       c.DefaultWindowBars,
		DefaultSymbol:           c.DefaultSymbol,
		DefaultMode:             mode,
		EntrySignal:             engine.Field(c.EntrySignal),
		ExitSignal:              engine.Field(c.ExitSignal),
	}
	for _, o := range c.Overlays {
		vc.Overlays = append(vc.Overlays, engine.Field(o))
	}
	return vc, nil
}
