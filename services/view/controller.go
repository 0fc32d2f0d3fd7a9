package view

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"backtest-dashboard/services/engine"
	"backtest-dashboard/services/stats"
)

// Observer receives one call per trigger. monitoring.Metrics implements it.
type Observer interface {
	ObserveTrigger(trigger string, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveTrigger(string, time.Duration, error) {}

type Options struct {
	Config   Config
	Charter  Charter
	Observer Observer
	Logger   *zap.Logger
}

// Controller holds the shared, read-only state behind every session: the
// store, the trade log and the stats table.
type Controller struct {
	store    *engine.Store
	trades   *engine.TradeLog
	table    *stats.Table
	cfg      Config
	charter  Charter
	observer Observer
	logger   *zap.Logger
	symbols  []string
}

func NewController(store *engine.Store, table *stats.Table, opts Options) (*Controller, error) {
	if store == nil {
		return nil, errors.New("view: nil store")
	}
	if err := opts.Config.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		store:    store,
		trades:   store.Trades(),
		table:    table,
		cfg:      opts.Config,
		charter:  opts.Charter,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
	if c.charter == nil {
		c.charter = DataCharter{}
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.symbols = c.trades.Symbols()
	if len(c.symbols) == 0 {
		c.symbols = store.Symbols()
	}
	if len(c.symbols) == 0 {
		return nil, errors.New("view: dataset has no symbols")
	}
	if c.cfg.DefaultSymbol != "" && !c.knownSymbol(c.cfg.DefaultSymbol) {
		return nil, &engine.NotFoundError{Symbol: c.cfg.DefaultSymbol, Field: "OHLC", Timeframe: store.Base()}
	}
	return c, nil
}

// Symbols lists selectable symbols in trade-history order.
func (c *Controller) Symbols() []string { return append([]string(nil), c.symbols...) }

func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) Table() *stats.Table { return c.table }

func (c *Controller) knownSymbol(sym string) bool {
	for _, s := range c.symbols {
		if s == sym {
			return true
		}
	}
	return false
}

// NewSession opens a session on the default selection and renders it.
func (c *Controller) NewSession(ctx context.Context) (*Session, error) {
	sym := c.cfg.DefaultSymbol
	if sym == "" {
		sym = c.symbols[0]
	}
	sel := Selection{
		Mode:      c.cfg.DefaultMode,
		Symbol:    sym,
		Timeframe: c.cfg.defaultTimeframeFor(c.cfg.DefaultMode),
		Range:     c.defaultRange(sym),
	}
	s := &Session{id: uuid.NewString(), ctrl: c, lastUsed: time.Now()}
	if err := s.apply(ctx, "open", func(Selection) (Selection, error) { return sel, nil }); err != nil {
		return nil, err
	}
	c.logger.Info("session opened",
		zap.String("session", s.id),
		zap.String("symbol", sym),
		zap.String("timeframe", string(sel.Timeframe)),
		zap.String("range", sel.Range.String()))
	return s, nil
}

// defaultRange spans the first DefaultWindowBars bars of the symbol at the
// window timeframe, widened to whole days.
func (c *Controller) defaultRange(symbol string) engine.DateRange {
	index := c.availableIndex(symbol, c.cfg.WindowTimeframe)
	if len(index) == 0 {
		index = c.store.Index(c.cfg.WindowTimeframe)
	}
	if len(index) == 0 {
		index = c.store.Index(c.store.Base())
	}
	if len(index) == 0 {
		now := time.Now().UTC()
		return engine.DateRange{Start: now, End: now}
	}
	last := c.cfg.DefaultWindowBars
	if last >= len(index) {
		last = len(index) - 1
	}
	r, err := engine.ParseDateRange(index[0].Format(engine.DateLayout), index[last].Format(engine.DateLayout))
	if err != nil {
		return engine.DateRange{Start: index[0], End: index[last]}
	}
	return r
}

// availableIndex is the index of the symbol's series at tf, resampled from the
// base frame when the store has nothing native at tf.
func (c *Controller) availableIndex(symbol string, tf engine.Timeframe) []time.Time {
	if f, err := c.store.Frame(symbol, tf); err == nil {
		return f.Index
	}
	base, err := c.store.Frame(symbol, c.store.Base())
	if err != nil {
		return nil
	}
	return bucketIndex(base.Index, tf)
}

// reconcileRange trims r to the span of the symbol's bars at tf, counting the
// full width of the last bar, and falls back to the default window when r
// misses that span entirely.
func (c *Controller) reconcileRange(r engine.DateRange, symbol string, tf engine.Timeframe) engine.DateRange {
	clamped, ok := engine.Clamp(r, c.availableIndex(symbol, tf), tf.Width())
	if !ok {
		return c.defaultRange(symbol)
	}
	return clamped
}

func (c *Controller) render(ctx context.Context, sel Selection) (ChartSpec, Figure, error) {
	var (
		spec ChartSpec
		err  error
	)
	if sel.Mode == ModeSummary {
		spec, err = c.ordersSpec(sel)
	} else {
		spec, err = c.priceSpec(sel)
	}
	if err != nil {
		return ChartSpec{}, nil, err
	}
	fig, err := c.charter.Render(ctx, spec)
	if err != nil {
		return ChartSpec{}, nil, fmt.Errorf("render %s chart: %w", spec.Kind, err)
	}
	return spec, fig, nil
}

// frameFor slices the symbol's frame at tf to r. When tf has no stored frame
// the base frame is sliced and then resampled.
func (c *Controller) frameFor(symbol string, tf engine.Timeframe, r engine.DateRange) (*engine.OHLCFrame, []time.Time, error) {
	if f, err := c.store.Frame(symbol, tf); err == nil {
		slice, err := engine.SliceFrame(f, r)
		if err != nil {
			return nil, nil, err
		}
		full := c.store.Index(tf)
		lo, hi, _ := engine.SliceIndex(full, r)
		return slice, engine.MissingTimestamps(full[lo:hi], slice.Index), nil
	}

	base, err := c.store.Frame(symbol, c.store.Base())
	if err != nil {
		return nil, nil, err
	}
	slice, err := engine.SliceFrame(base, r)
	if err != nil {
		return nil, nil, err
	}
	out, err := engine.ResampleOHLC(slice, tf)
	if err != nil {
		return nil, nil, err
	}
	full := bucketIndex(c.store.Index(c.store.Base()), tf)
	lo, hi, _ := engine.SliceIndex(full, r)
	return out, engine.MissingTimestamps(full[lo:hi], out.Index), nil
}

// signalFor returns the named signal at tf within r, derived on the fly when
// the store holds no series at tf. A signal that was never loaded yields nil.
func (c *Controller) signalFor(symbol string, name engine.Field, tf engine.Timeframe, r engine.DateRange) (*engine.SignalSeries, error) {
	if name == "" {
		return nil, nil
	}
	sig, err := c.store.Signal(symbol, name, tf)
	if err != nil {
		var nf *engine.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		src, err := c.store.SignalSource(symbol, name)
		if err != nil {
			return nil, nil
		}
		if tf.Width() < src.Timeframe.Width() {
			return nil, nil
		}
		slice, err := engine.Slice(src, r)
		if err != nil {
			return nil, err
		}
		res, err := engine.ResampleSignal(slice, tf)
		if err != nil {
			return nil, err
		}
		return res.SignalSeries, nil
	}
	return engine.Slice(sig, r)
}

// markers places every true flag of sig at the value of at for that
// timestamp. Flags with no value to sit on are skipped.
func markers(sig *engine.SignalSeries, at func(time.Time) (float64, bool)) []Marker {
	if sig == nil {
		return nil
	}
	var out []Marker
	for i, t := range sig.Index {
		if !sig.Values[i] {
			continue
		}
		if v, ok := at(t); ok {
			out = append(out, Marker{Time: t, Value: v})
		}
	}
	return out
}

func closeAt(f *engine.OHLCFrame) func(time.Time) (float64, bool) {
	cols := f.Columns()
	return cols[engine.FieldClose].ValueAt
}

func (c *Controller) priceSpec(sel Selection) (ChartSpec, error) {
	frame, missing, err := c.frameFor(sel.Symbol, sel.Timeframe, sel.Range)
	if err != nil {
		return ChartSpec{}, err
	}
	spec := ChartSpec{
		Kind:      ChartPrice,
		Title:     priceTitle(sel),
		Symbol:    sel.Symbol,
		Timeframe: sel.Timeframe,
		Range:     sel.Range,
		Frame:     frame,
		Missing:   missing,
	}
	for _, name := range c.cfg.Overlays {
		ind, err := c.store.Get(sel.Symbol, name, sel.Timeframe)
		if err != nil {
			continue
		}
		slice, err := engine.Slice(ind, sel.Range)
		if err != nil {
			return ChartSpec{}, err
		}
		spec.Overlays = append(spec.Overlays, slice)
	}
	if err := c.attachSignals(&spec, closeAt(frame)); err != nil {
		return ChartSpec{}, err
	}
	spec.LongTrades, spec.ShortTrades = engine.SplitByDirection(c.trades.Between(sel.Symbol, sel.Range))
	return spec, nil
}

func (c *Controller) ordersSpec(sel Selection) (ChartSpec, error) {
	frame, missing, err := c.frameFor(sel.Symbol, sel.Timeframe, sel.Range)
	if err != nil {
		return ChartSpec{}, err
	}
	spec := ChartSpec{
		Kind:      ChartOrders,
		Title:     fmt.Sprintf("%s - %s", sel.Symbol, sel.Timeframe),
		Symbol:    sel.Symbol,
		Timeframe: sel.Timeframe,
		Range:     sel.Range,
		Frame:     frame,
		Missing:   missing,
	}
	spec.LongTrades, spec.ShortTrades = engine.SplitByDirection(c.trades.Between(sel.Symbol, sel.Range))
	return spec, nil
}

func (c *Controller) attachSignals(spec *ChartSpec, at func(time.Time) (float64, bool)) error {
	entries, err := c.signalFor(spec.Symbol, c.cfg.EntrySignal, spec.Timeframe, spec.Range)
	if err != nil {
		return err
	}
	exits, err := c.signalFor(spec.Symbol, c.cfg.ExitSignal, spec.Timeframe, spec.Range)
	if err != nil {
		return err
	}
	spec.Entries = markers(entries, at)
	spec.Exits = markers(exits, at)
	for _, sig := range []*engine.SignalSeries{entries, exits} {
		if sig != nil {
			spec.Signals = append(spec.Signals, sig)
		}
	}
	return nil
}

// indicatorSpec builds the indicator panel for the session's symbol and range.
func (c *Controller) indicatorSpec(sel Selection, name engine.Field, tf engine.Timeframe) (ChartSpec, error) {
	ind, err := c.store.Get(sel.Symbol, name, tf)
	if err != nil {
		return ChartSpec{}, err
	}
	line, err := engine.Slice(ind, sel.Range)
	if err != nil {
		return ChartSpec{}, err
	}
	spec := ChartSpec{
		Kind:      ChartIndicator,
		Title:     fmt.Sprintf("%s plot for %s on %s time period", name, sel.Symbol, tf),
		Symbol:    sel.Symbol,
		Timeframe: tf,
		Range:     sel.Range,
		Line:      line,
	}
	if err := c.attachSignals(&spec, line.ValueAt); err != nil {
		return ChartSpec{}, err
	}
	return spec, nil
}

func priceTitle(sel Selection) string {
	const layout = "Jan 02, 2006"
	return fmt.Sprintf("%s OHLCV for %s from %s to %s",
		sel.Timeframe.Label(), sel.Symbol, sel.Range.Start.Format(layout), sel.Range.End.Format(layout))
}

// bucketIndex maps a sorted index to the distinct bucket starts of tf.
func bucketIndex(index []time.Time, tf engine.Timeframe) []time.Time {
	var out []time.Time
	for _, t := range index {
		b := tf.BucketStart(t)
		if n := len(out); n > 0 && out[n-1].Equal(b) {
			continue
		}
		out = append(out, b)
	}
	return out
}
