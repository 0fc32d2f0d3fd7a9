package view

import (
	"fmt"
	"strings"
	"time"

	"backtest-dashboard/services/engine"
	"backtest-dashboard/services/stats"
)

// Mode is the active tab. The two modes are mutually exclusive.
type Mode string

const (
	ModeSummary  Mode = "summary"
	ModeStrategy Mode = "strategy"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSummary:
		return ModeSummary, nil
	case ModeStrategy:
		return ModeStrategy, nil
	}
	return "", fmt.Errorf("unknown view mode %q (allowed: summary, strategy)", s)
}

// Selection is everything a session has picked. It never holds data, only keys.
type Selection struct {
	Mode      Mode             `json:"mode"`
	Symbol    string           `json:"symbol"`
	Timeframe engine.Timeframe `json:"timeframe"`
	Range     engine.DateRange `json:"range"`
}

type Config struct {
	// ChartTimeframes are selectable on the strategy chart and indicator panel.
	ChartTimeframes []engine.Timeframe
	// SummaryTimeframes are selectable on the simulation summary.
	SummaryTimeframes       []engine.Timeframe
	DefaultChartTimeframe   engine.Timeframe
	DefaultSummaryTimeframe engine.Timeframe
	DefaultIndicator        engine.Field
	// WindowTimeframe and DefaultWindowBars define the default date range:
	// from the first bar of that timeframe's index to the DefaultWindowBars-th.
	WindowTimeframe   engine.Timeframe
	DefaultWindowBars int
	DefaultSymbol     string
	DefaultMode       Mode
	EntrySignal       engine.Field
	ExitSignal        engine.Field
	// Overlays are indicators drawn over the price chart when loaded at the
	// selected timeframe, e.g. Bollinger bands.
	Overlays []engine.Field
}

func DefaultConfig() Config {
	return Config{
		ChartTimeframes:         []engine.Timeframe{engine.TF15m, engine.TF4h},
		SummaryTimeframes:       []engine.Timeframe{engine.TF15m, engine.TF4h, engine.TF1d},
		DefaultChartTimeframe:   engine.TF4h,
		DefaultSummaryTimeframe: engine.TF1d,
		DefaultIndicator:        "RSI",
		WindowTimeframe:         engine.TF4h,
		DefaultWindowBars:       200,
		DefaultMode:             ModeStrategy,
		EntrySignal:             "entries",
		ExitSignal:              "exits",
		Overlays:                []engine.Field{"BB_upper", "BB_middle", "BB_lower"},
	}
}

func (c Config) timeframesFor(m Mode) []engine.Timeframe {
	if m == ModeSummary {
		return c.SummaryTimeframes
	}
	return c.ChartTimeframes
}

func (c Config) defaultTimeframeFor(m Mode) engine.Timeframe {
	if m == ModeSummary {
		return c.DefaultSummaryTimeframe
	}
	return c.DefaultChartTimeframe
}

func (c Config) validate() error {
	if len(c.ChartTimeframes) == 0 || len(c.SummaryTimeframes) == 0 {
		return fmt.Errorf("view: chart and summary timeframe lists must not be empty")
	}
	for _, pair := range []struct {
		tf   engine.Timeframe
		list []engine.Timeframe
	}{
		{c.DefaultChartTimeframe, c.ChartTimeframes},
		{c.DefaultSummaryTimeframe, c.SummaryTimeframes},
	} {
		if !contains(pair.list, pair.tf) {
			return fmt.Errorf("view: default timeframe %q not in %v", pair.tf, pair.list)
		}
	}
	if !c.WindowTimeframe.Valid() {
		return &engine.InvalidTimeframeError{Token: string(c.WindowTimeframe), Allowed: engine.Timeframes()}
	}
	if c.DefaultWindowBars <= 0 {
		return fmt.Errorf("view: default window must span at least one bar, got %d", c.DefaultWindowBars)
	}
	if c.DefaultMode != ModeSummary && c.DefaultMode != ModeStrategy {
		return fmt.Errorf("view: unknown default mode %q", c.DefaultMode)
	}
	return nil
}

func contains(list []engine.Timeframe, tf engine.Timeframe) bool {
	for _, x := range list {
		if x == tf {
			return true
		}
	}
	return false
}

// View is the outcome of the last successful trigger.
type View struct {
	SessionID string       `json:"session_id"`
	Selection Selection    `json:"selection"`
	Symbols   []string     `json:"symbols"`
	Allowed   []string     `json:"timeframes"`
	Spec      ChartSpec    `json:"-"`
	Figure    Figure       `json:"figure"`
	Stats     *stats.Table `json:"stats,omitempty"`
	Rendered  time.Time    `json:"rendered_at"`
}
