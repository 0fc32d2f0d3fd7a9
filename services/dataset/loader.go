// Package dataset loads a backtest export from a directory tree:
//
//	prices/<tf>/<Open|High|Low|Close>.csv   wide: timestamp,SYM1,SYM2,...
//	prices/<tf>.arrow                       Arrow IPC bundle (optional)
//	indicators/<tf>/<name>.csv              wide
//	signals/<tf>/<name>.csv                 wide, true/false/1/0
//	trades.csv
//	stats.json
//
// Empty, nan and NaT cells are missing observations.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"backtest-dashboard/services/arrowpipeline"
	"backtest-dashboard/services/engine"
	"backtest-dashboard/services/stats"
)

const (
	pricesDir     = "prices"
	indicatorsDir = "indicators"
	signalsDir    = "signals"
	tradesFile    = "trades.csv"
	statsFile     = "stats.json"
)

// Loader reads one export directory.
type Loader struct {
	fsys     fs.FS
	root     string
	pipeline *arrowpipeline.Pipeline
	logger   *zap.Logger
}

func NewLoader(dir string, pipeline *arrowpipeline.Pipeline, logger *zap.Logger) *Loader {
	return NewLoaderFS(os.DirFS(dir), dir, pipeline, logger)
}

// NewLoaderFS reads from fsys; name only labels log lines and errors.
func NewLoaderFS(fsys fs.FS, name string, pipeline *arrowpipeline.Pipeline, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{fsys: fsys, root: name, pipeline: pipeline, logger: logger}
}

// Export is everything a directory holds.
type Export struct {
	Dataset *engine.Dataset
	Stats   *stats.Document
}

func (l *Loader) Load(ctx context.Context, base engine.Timeframe) (*Export, error) {
	ds := engine.NewDataset(base)

	if err := l.loadPrices(ctx, ds); err != nil {
		return nil, err
	}
	if err := l.loadWideDir(ctx, indicatorsDir, func(name string, tf engine.Timeframe, w *wideTable) error {
		series, err := wideSeries(w, engine.Field(name), tf, parseFloat)
		if err != nil {
			return err
		}
		for _, s := range series {
			ds.AddSeries(s)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := l.loadWideDir(ctx, signalsDir, func(name string, tf engine.Timeframe, w *wideTable) error {
		series, err := wideSeries(w, engine.Field(name), tf, parseBool)
		if err != nil {
			return err
		}
		for _, s := range series {
			ds.AddSignal(s)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	trades, err := l.loadTrades()
	if err != nil {
		return nil, err
	}
	ds.Trades = engine.NewTradeLog(trades)

	doc, err := l.loadStats()
	if err != nil {
		return nil, err
	}

	l.logger.Info("dataset directory loaded",
		zap.String("dir", l.root),
		zap.Int("price_series", ds.Prices.Len()),
		zap.Int("indicator_series", ds.Indicators.Len()),
		zap.Int("signal_series", ds.Signals.Len()),
		zap.Int("trades", ds.Trades.Len()),
		zap.Bool("stats", doc != nil))
	return &Export{Dataset: ds, Stats: doc}, nil
}

// timeframeDirs lists subdirectories of dir named by a timeframe token.
func (l *Loader) timeframeDirs(dir string) ([]engine.Timeframe, error) {
	entries, err := fs.ReadDir(l.fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []engine.Timeframe
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tf, err := engine.ParseTimeframe(e.Name())
		if err != nil {
			l.logger.Warn("skipping directory with unknown timeframe", zap.String("dir", filepath.Join(dir, e.Name())))
			continue
		}
		out = append(out, tf)
	}
	return out, nil
}

func csvNames(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (l *Loader) readWideFile(path string) (*wideTable, error) {
	f, err := l.fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	w, err := readWide(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

func (l *Loader) loadWideDir(ctx context.Context, dir string, fn func(name string, tf engine.Timeframe, w *wideTable) error) error {
	tfs, err := l.timeframeDirs(dir)
	if err != nil {
		return err
	}
	for _, tf := range tfs {
		sub := filepath.ToSlash(filepath.Join(dir, string(tf)))
		names, err := csvNames(l.fsys, sub)
		if err != nil {
			return fmt.Errorf("list %s: %w", sub, err)
		}
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return err
			}
			path := sub + "/" + name
			w, err := l.readWideFile(path)
			if err != nil {
				return err
			}
			if err := fn(strings.TrimSuffix(name, filepath.Ext(name)), tf, w); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	return nil
}

func (l *Loader) loadPrices(ctx context.Context, ds *engine.Dataset) error {
	err := l.loadWideDir(ctx, pricesDir, func(name string, tf engine.Timeframe, w *wideTable) error {
		field, ok := priceField(name)
		if !ok {
			l.logger.Warn("skipping non-price column file", zap.String("file", name), zap.String("timeframe", string(tf)))
			return nil
		}
		series, err := wideSeries(w, field, tf, parseFloat)
		if err != nil {
			return err
		}
		for _, s := range series {
			ds.AddSeries(s)
		}
		ds.AddIndex(tf, w.index)
		return nil
	})
	if err != nil {
		return err
	}
	return l.loadArrowPrices(ds)
}

func (l *Loader) loadArrowPrices(ds *engine.Dataset) error {
	entries, err := fs.ReadDir(l.fsys, pricesDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", pricesDir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".arrow" {
			continue
		}
		tf, err := engine.ParseTimeframe(strings.TrimSuffix(e.Name(), ".arrow"))
		if err != nil {
			l.logger.Warn("skipping arrow file with unknown timeframe", zap.String("file", e.Name()))
			continue
		}
		if l.pipeline == nil {
			return fmt.Errorf("%s: no arrow pipeline configured", e.Name())
		}
		path := pricesDir + "/" + e.Name()
		b, err := l.readBundle(path, tf)
		if err != nil {
			return err
		}
		var index []time.Time
		for _, s := range b.Prices {
			ds.AddSeries(s)
			index = engine.UnionIndex(index, s.Index)
		}
		for _, s := range b.Signals {
			ds.AddSignal(s)
		}
		ds.AddIndex(b.Timeframe, index)
	}
	return nil
}

func (l *Loader) readBundle(path string, tf engine.Timeframe) (*arrowpipeline.Bundle, error) {
	f, err := l.fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := l.pipeline.ReadBundle(f, tf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

func priceField(name string) (engine.Field, bool) {
	for _, f := range engine.PriceFields {
		if strings.EqualFold(string(f), name) {
			return f, true
		}
	}
	return "", false
}

func (l *Loader) loadStats() (*stats.Document, error) {
	f, err := l.fsys.Open(statsFile)
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("no stats export found", zap.String("dir", l.root))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	doc, err := stats.DecodeDocument(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", statsFile, err)
	}
	return doc, nil
}

func (l *Loader) loadTrades() ([]engine.Trade, error) {
	f, err := l.fsys.Open(tradesFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	trades, err := ReadTrades(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tradesFile, err)
	}
	return trades, nil
}

// tradeColumns maps normalised header names to trade fields. Both the snake
// case layout and the backtester's "Avg Entry Price" style headers are accepted.
var tradeColumns = map[string]string{
	"id": "id", "exittradeid": "id", "tradeid": "id", "positionid": "id",
	"symbol": "symbol", "column": "symbol",
	"direction": "direction", "side": "direction",
	"status": "status",
	"size": "size",
	"entrytime": "entry_time", "entrytimestamp": "entry_time",
	"entryprice": "entry_price", "avgentryprice": "entry_price",
	"exittime": "exit_time", "exittimestamp": "exit_time",
	"exitprice": "exit_price", "avgexitprice": "exit_price",
	"pnl": "pnl",
	"return": "return",
}

func normaliseHeader(h string) string {
	r := strings.NewReplacer(" ", "", "_", "", "-", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(h)))
}

// ReadTrades reads a trade history CSV. symbol, direction, entry_time and
// entry_price are required columns.
func ReadTrades(r io.Reader) ([]engine.Trade, error) {
	cr := newCSVReader(r)
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		if name, ok := tradeColumns[normaliseHeader(h)]; ok {
			if _, dup := col[name]; !dup {
				col[name] = i
			}
		}
	}
	for _, req := range []string{"symbol", "direction", "entry_time", "entry_price"} {
		if _, ok := col[req]; !ok {
			return nil, fmt.Errorf("missing %s column", req)
		}
	}

	var out []engine.Trade
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		t, err := parseTrade(rec, col, line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func parseTrade(rec []string, col map[string]int, line int) (engine.Trade, error) {
	get := func(name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}
	num := func(name string) (float64, error) {
		v, _, err := parseFloat(get(name))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}

	t := engine.Trade{ID: get("id"), Symbol: get("symbol")}
	if t.ID == "" {
		t.ID = fmt.Sprintf("%d", line-1)
	}
	if t.Symbol == "" {
		return t, fmt.Errorf("empty symbol")
	}
	var err error
	if t.Direction, err = engine.ParseDirection(get("direction")); err != nil {
		return t, err
	}
	if t.Status, err = engine.ParseTradeStatus(get("status")); err != nil {
		return t, err
	}
	if t.EntryTime, err = ParseTimestamp(get("entry_time")); err != nil {
		return t, fmt.Errorf("entry_time: %w", err)
	}
	if s := get("exit_time"); !missingCell(s) {
		if t.ExitTime, err = ParseTimestamp(s); err != nil {
			return t, fmt.Errorf("exit_time: %w", err)
		}
	}
	for name, dst := range map[string]*float64{
		"size": &t.Size, "entry_price": &t.EntryPrice, "exit_price": &t.ExitPrice,
		"pnl": &t.PnL, "return": &t.Return,
	} {
		if *dst, err = num(name); err != nil {
			return t, err
		}
	}
	switch {
	case t.ExitTime.IsZero():
		t.Status = engine.TradeOpen
	case t.Status == "":
		t.Status = engine.TradeClosed
	}
	return t, nil
}
