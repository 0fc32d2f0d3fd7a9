package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"backtest-dashboard/services/engine"
)

type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxSessions     int           `yaml:"max_sessions"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DatasetConfig says where the backtest output lives and how to align it.
type DatasetConfig struct {
	// Source is "files" or "clickhouse".
	Source string `yaml:"source"`
	Dir    string `yaml:"dir"`
	// Base is the finest timeframe; every traded symbol must have OHLC at it.
	Base           string   `yaml:"base_timeframe"`
	Derive         []string `yaml:"derive_timeframes"`
	ReferenceIndex string   `yaml:"reference_index"`
	MaxIssues      int      `yaml:"max_issues_per_series"`
}

type ClickHouseConfig struct {
	Addr           []string      `yaml:"addr"`
	Database       string        `yaml:"database"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	BarsTable      string        `yaml:"bars_table"`
	SignalsTable   string        `yaml:"signals_table"`
	IndicatorTable string        `yaml:"indicators_table"`
	TradesTable    string        `yaml:"trades_table"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	HTTPURL        string        `yaml:"http_url"`
}

type ArrowConfig struct {
	// BatchSize caps rows per IPC record batch.
	BatchSize int `yaml:"batch_size"`
}

type ViewConfig struct {
	ChartTimeframes         []string `yaml:"chart_timeframes"`
	SummaryTimeframes       []string `yaml:"summary_timeframes"`
	DefaultChartTimeframe   string   `yaml:"default_chart_timeframe"`
	DefaultSummaryTimeframe string   `yaml:"default_summary_timeframe"`
	DefaultIndicator        string   `yaml:"default_indicator"`
	WindowTimeframe         string   `yaml:"window_timeframe"`
	DefaultWindowBars       int      `yaml:"default_window_bars"`
	DefaultSymbol           string   `yaml:"default_symbol"`
	DefaultMode             string   `yaml:"default_mode"`
	EntrySignal             string   `yaml:"entry_signal"`
	ExitSignal              string   `yaml:"exit_signal"`
	Overlays                []string `yaml:"overlays"`
}

type StatsConfig struct {
	DurationMetrics []string `yaml:"duration_metrics"`
	NotApplicable   string   `yaml:"not_applicable"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type MonitoringConfig struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	Environment string           `yaml:"environment"`
	Server      ServerConfig     `yaml:"server"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Dataset     DatasetConfig    `yaml:"dataset"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	Arrow       ArrowConfig      `yaml:"arrow"`
	View        ViewConfig       `yaml:"view"`
	Stats       StatsConfig      `yaml:"stats"`
	Logging     LoggingConfig    `yaml:"logging"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
}

const (
	SourceFiles      = "files"
	SourceClickHouse = "clickhouse"
)

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{Monitoring: MonitoringConfig{Enabled: true}}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DASHBOARD_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("DASHBOARD_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DASHBOARD_HTTP_PORT: %w", err)
		}
		c.Server.HTTPPort = port
	}
	if v := os.Getenv("DASHBOARD_DATA_DIR"); v != "" {
		c.Dataset.Dir = v
	}
	if v := os.Getenv("DASHBOARD_SOURCE"); v != "" {
		c.Dataset.Source = v
	}
	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		c.ClickHouse.Addr = strings.Split(v, ",")
	}
	if v := os.Getenv("CLICKHOUSE_HTTP_URL"); v != "" {
		c.ClickHouse.HTTPURL = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 9091
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxSessions == 0 {
		c.Server.MaxSessions = 256
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.Dataset.Source == "" {
		c.Dataset.Source = SourceFiles
	}
	if c.Dataset.Dir == "" {
		c.Dataset.Dir = "data"
	}
	if c.Dataset.Base == "" {
		c.Dataset.Base = string(engine.TF15m)
	}
	if c.Dataset.Derive == nil {
		c.Dataset.Derive = []string{string(engine.TF4h), string(engine.TF1d)}
	}
	if c.Dataset.ReferenceIndex == "" {
		c.Dataset.ReferenceIndex = string(engine.IndexDataset)
	}
	if c.Dataset.MaxIssues == 0 {
		c.Dataset.MaxIssues = 20
	}
	if len(c.ClickHouse.Addr) == 0 {
		c.ClickHouse.Addr = []string{"localhost:9000"}
	}
	if c.ClickHouse.Database == "" {
		c.ClickHouse.Database = "backtest"
	}
	if c.ClickHouse.Username == "" {
		c.ClickHouse.Username = "default"
	}
	if c.ClickHouse.BarsTable == "" {
		c.ClickHouse.BarsTable = "bars"
	}
	if c.ClickHouse.SignalsTable == "" {
		c.ClickHouse.SignalsTable = "signals"
	}
	if c.ClickHouse.IndicatorTable == "" {
		c.ClickHouse.IndicatorTable = "indicators"
	}
	if c.ClickHouse.TradesTable == "" {
		c.ClickHouse.TradesTable = "trades"
	}
	if c.ClickHouse.DialTimeout == 0 {
		c.ClickHouse.DialTimeout = 5 * time.Second
	}
	if c.ClickHouse.QueryTimeout == 0 {
		c.ClickHouse.QueryTimeout = 60 * time.Second
	}
	if c.ClickHouse.HTTPURL == "" {
		c.ClickHouse.HTTPURL = "http://localhost:8123"
	}
	if c.Arrow.BatchSize == 0 {
		c.Arrow.BatchSize = 4096
	}
	v := &c.View
	if v.ChartTimeframes == nil {
		v.ChartTimeframes = []string{string(engine.TF15m), string(engine.TF4h)}
	}
	if v.SummaryTimeframes == nil {
		v.SummaryTimeframes = []string{string(engine.TF15m), string(engine.TF4h), string(engine.TF1d)}
	}
	if v.DefaultChartTimeframe == "" {
		v.DefaultChartTimeframe = string(engine.TF4h)
	}
	if v.DefaultSummaryTimeframe == "" {
		v.DefaultSummaryTimeframe = string(engine.TF1d)
	}
	if v.DefaultIndicator == "" {
		v.DefaultIndicator = "RSI"
	}
	if v.WindowTimeframe == "" {
		v.WindowTimeframe = string(engine.TF4h)
	}
	if v.DefaultWindowBars == 0 {
		v.DefaultWindowBars = 200
	}
	if v.DefaultMode == "" {
		v.DefaultMode = "strategy"
	}
	if v.EntrySignal == "" {
		v.EntrySignal = "entries"
	}
	if v.ExitSignal == "" {
		v.ExitSignal = "exits"
	}
	if v.Overlays == nil {
		v.Overlays = []string{"BB_upper", "BB_middle", "BB_lower"}
	}
	if c.Stats.NotApplicable == "" {
		c.Stats.NotApplicable = "N/A"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks ports, sources and that every timeframe token parses.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be in 1..65535, got %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port must be in 0..65535, got %d", c.Server.GRPCPort)
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	switch c.Dataset.Source {
	case SourceFiles:
		if c.Dataset.Dir == "" {
			return fmt.Errorf("dataset.dir is required for the files source")
		}
	case SourceClickHouse:
		if len(c.ClickHouse.Addr) == 0 {
			return fmt.Errorf("clickhouse.addr is required for the clickhouse source")
		}
	default:
		return fmt.Errorf("dataset.source must be %q or %q, got %q", SourceFiles, SourceClickHouse, c.Dataset.Source)
	}
	if !engine.ReferenceIndexMode(c.Dataset.ReferenceIndex).Valid() {
		return fmt.Errorf("dataset.reference_index must be %q or %q, got %q",
			engine.IndexDataset, engine.IndexCalendar, c.Dataset.ReferenceIndex)
	}

	tokens := map[string][]string{
		"dataset.base_timeframe":         {c.Dataset.Base},
		"dataset.derive_timeframes":      c.Dataset.Derive,
		"view.chart_timeframes":          c.View.ChartTimeframes,
		"view.summary_timeframes":        c.View.SummaryTimeframes,
		"view.default_chart_timeframe":   {c.View.DefaultChartTimeframe},
		"view.default_summary_timeframe": {c.View.DefaultSummaryTimeframe},
		"view.window_timeframe":          {c.View.WindowTimeframe},
	}
	for key, list := range tokens {
		if _, err := ParseTimeframes(list); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if c.View.DefaultWindowBars <= 0 {
		return fmt.Errorf("view.default_window_bars must be positive")
	}
	return nil
}

// ParseTimeframes parses a list of timeframe tokens.
func ParseTimeframes(tokens []string) ([]engine.Timeframe, error) {
	out := make([]engine.Timeframe, 0, len(tokens))
	for _, tok := range tokens {
		tf, err := engine.ParseTimeframe(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

// MustTimeframe parses a token already checked by Validate.
func MustTimeframe(token string) engine.Timeframe {
	tf, err := engine.ParseTimeframe(token)
	if err != nil {
		panic(err)
	}
	return tf
}
