package view

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest-dashboard/services/engine"
	"backtest-dashboard/services/stats"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bars15m(t *testing.T, ds *engine.Dataset, symbol string, start time.Time, n int, skip map[int]bool) {
	t.Helper()
	f := &engine.OHLCFrame{Symbol: symbol, Timeframe: engine.TF15m}
	for i := 0; i < n; i++ {
		if skip[i] {
			continue
		}
		c := 100 + float64(i)
		f.Index = append(f.Index, start.Add(time.Duration(i)*15*time.Minute))
		f.Bars = append(f.Bars, engine.Bar{Open: c - 0.5, High: c + 1, Low: c - 1.5, Close: c})
	}
	ds.AddFrame(f)
	ds.AddIndex(engine.TF15m, f.Index)
}

func fixture(t *testing.T) *engine.Store {
	t.Helper()
	ds := engine.NewDataset(engine.TF15m)
	const perDay = 96
	bars15m(t, ds, "BTCUSDT", day0, 10*perDay, nil)
	bars15m(t, ds, "ETHUSDT", day0, 10*perDay, map[int]bool{100: true, 101: true})
	bars15m(t, ds, "SOLUSDT", day0.Add(20*24*time.Hour), 3*perDay, nil)

	idx := make([]time.Time, 10*perDay)
	rsi := make([]float64, len(idx))
	entries := make([]bool, len(idx))
	exits := make([]bool, len(idx))
	for i := range idx {
		idx[i] = day0.Add(time.Duration(i) * 15 * time.Minute)
		rsi[i] = 50 + float64(i%10)
	}
	entries[1], entries[40], exits[20] = true, true, true
	ds.AddSeries(&engine.TimeSeries{Symbol: "BTCUSDT", Field: "RSI", Timeframe: engine.TF15m, Index: idx, Values: rsi})
	ds.AddSeries(&engine.TimeSeries{Symbol: "BTCUSDT", Field: "BB_upper", Timeframe: engine.TF4h,
		Index: []time.Time{day0, day0.Add(4 * time.Hour)}, Values: []float64{120, 130}})
	ds.AddSignal(&engine.SignalSeries{Symbol: "BTCUSDT", Field: "entries", Timeframe: engine.TF15m, Index: idx, Values: entries})
	ds.AddSignal(&engine.SignalSeries{Symbol: "BTCUSDT", Field: "exits", Timeframe: engine.TF15m, Index: idx, Values: exits})

	ds.Trades = engine.NewTradeLog([]engine.Trade{
		{ID: "1", Symbol: "BTCUSDT", Direction: engine.DirectionLong, Status: engine.TradeClosed,
			EntryTime: day0.Add(15 * time.Minute), EntryPrice: 101, ExitTime: day0.Add(5 * time.Hour), ExitPrice: 120},
		{ID: "2", Symbol: "ETHUSDT", Direction: engine.DirectionShort, Status: engine.TradeClosed,
			EntryTime: day0.Add(time.Hour), EntryPrice: 104, ExitTime: day0.Add(2 * time.Hour), ExitPrice: 108},
		{ID: "3", Symbol: "BTCUSDT", Direction: engine.DirectionShort, Status: engine.TradeOpen,
			EntryTime: day0.Add(30 * time.Hour), EntryPrice: 220},
		{ID: "4", Symbol: "SOLUSDT", Direction: engine.DirectionLong, Status: engine.TradeClosed,
			EntryTime: day0.Add(20 * 24 * time.Hour), ExitTime: day0.Add(21 * 24 * time.Hour)},
	})

	store, err := engine.NewStore(ds, engine.StoreOptions{Derive: []engine.Timeframe{engine.TF4h}})
	require.NoError(t, err)
	return store
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultWindowBars = 12
	return cfg
}

type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	fails map[string]int
}

func (r *recorder) ObserveTrigger(trigger string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls, r.fails = map[string]int{}, map[string]int{}
	}
	r.calls[trigger]++
	if err != nil {
		r.fails[trigger]++
	}
}

func newController(t *testing.T, opts Options) *Controller {
	t.Helper()
	if opts.Config.ChartTimeframes == nil {
		opts.Config = testConfig()
	}
	tbl, err := stats.NewAggregator(stats.Options{}).Build(
		stats.Record{Scope: stats.WholePortfolio, Metrics: []stats.Metric{{Name: "Total Trades", Value: stats.Float(4)}}},
		nil, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})
	require.NoError(t, err)
	c, err := NewController(fixture(t), tbl, opts)
	require.NoError(t, err)
	return c
}

func newSession(t *testing.T, c *Controller) *Session {
	t.Helper()
	s, err := c.NewSession(context.Background())
	require.NoError(t, err)
	return s
}

func TestNewSessionDefaults(t *testing.T) {
	c := newController(t, Options{})
	s := newSession(t, c)

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, c.Symbols())

	v := s.View()
	require.NotNil(t, v)
	sel := v.Selection
	assert.Equal(t, ModeStrategy, sel.Mode)
	assert.Equal(t, "BTCUSDT", sel.Symbol)
	assert.Equal(t, engine.TF4h, sel.Timeframe)
	assert.Equal(t, "2024-01-01..2024-01-03", sel.Range.String())
	assert.Equal(t, []string{"15m", "4h"}, v.Allowed)
	assert.Nil(t, v.Stats)

	spec := v.Spec
	assert.Equal(t, "H4 OHLCV for BTCUSDT from Jan 01, 2024 to Jan 03, 2024", spec.Title)
	assert.Equal(t, 18, spec.Frame.Len())
	assert.Empty(t, spec.Missing)
	assert.Equal(t, []Marker{{Time: day0, Value: 115}, {Time: day0.Add(8 * time.Hour), Value: 147}}, spec.Entries)
	assert.Equal(t, []Marker{{Time: day0.Add(4 * time.Hour), Value: 131}}, spec.Exits)
	require.Len(t, spec.Overlays, 1)
	assert.Equal(t, engine.Field("BB_upper"), spec.Overlays[0].Field)
	require.Len(t, spec.LongTrades, 1)
	require.Len(t, spec.ShortTrades, 1)
	assert.Equal(t, "3", spec.ShortTrades[0].ID)

	fig, ok := v.Figure.(*FigureData)
	require.True(t, ok)
	assert.Equal(t, "candlestick", fig.Traces[0].Type)
	assert.Len(t, fig.Shapes, 2)
}

func TestSelectTimeframe(t *testing.T) {
	obs := &recorder{}
	s := newSession(t, newController(t, Options{Observer: obs}))
	before := s.View()

	_, err := s.SelectTimeframe(context.Background(), "1d")
	var itf *engine.InvalidTimeframeError
	require.True(t, errors.As(err, &itf))
	assert.Same(t, before, s.View())
	assert.Equal(t, engine.TF4h, s.Selection().Timeframe)

	v, err := s.SelectTimeframe(context.Background(), "15m")
	require.NoError(t, err)
	assert.Equal(t, engine.TF15m, v.Spec.Frame.Timeframe)
	assert.Equal(t, 3*96, v.Spec.Frame.Len())
	assert.Equal(t, day0, v.Selection.Range.Start)
	assert.Equal(t, "m15 OHLCV for BTCUSDT from Jan 01, 2024 to Jan 03, 2024", v.Spec.Title)

	assert.Equal(t, 2, obs.calls["timeframe"])
	assert.Equal(t, 1, obs.fails["timeframe"])
	assert.Equal(t, 1, obs.calls["open"])
}

func TestTimeframeRoundTripKeepsRange(t *testing.T) {
	s := newSession(t, newController(t, Options{}))
	ctx := context.Background()

	_, err := s.SelectTimeframe(ctx, "15m")
	require.NoError(t, err)
	r, err := engine.ParseDateRange("2024-01-01", "2024-01-10")
	require.NoError(t, err)
	v, err := s.SelectRange(ctx, r)
	require.NoError(t, err)
	require.Equal(t, 10*96, v.Spec.Frame.Len())

	v, err = s.SelectTimeframe(ctx, "4h")
	require.NoError(t, err)
	assert.Equal(t, r, v.Selection.Range)
	assert.Equal(t, 10*6, v.Spec.Frame.Len())

	v, err = s.SelectTimeframe(ctx, "15m")
	require.NoError(t, err)
	assert.Equal(t, r, v.Selection.Range)
	assert.Equal(t, 10*96, v.Spec.Frame.Len())
}

func TestSelectRange(t *testing.T) {
	s := newSession(t, newController(t, Options{}))
	before := s.Selection()

	_, err := s.SelectRange(context.Background(), engine.DateRange{Start: day0.Add(48 * time.Hour), End: day0})
	var er *engine.EmptyRangeError
	require.True(t, errors.As(err, &er))
	assert.Equal(t, before, s.Selection())

	r, err := engine.ParseDateRange("2025-06-01", "2025-06-02")
	require.NoError(t, err)
	v, err := s.SelectRange(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, 0, v.Spec.Frame.Len())
	assert.Equal(t, r, v.Selection.Range)

	r, err = engine.ParseDateRange("2024-01-02", "2024-01-02")
	require.NoError(t, err)
	v, err = s.SelectRange(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, 6, v.Spec.Frame.Len())
}

func TestSelectSymbol(t *testing.T) {
	s := newSession(t, newController(t, Options{}))
	before := s.Selection()

	_, err := s.SelectSymbol(context.Background(), "DOGEUSDT")
	var nf *engine.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, before, s.Selection())

	v, err := s.SelectSymbol(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, before.Range, v.Selection.Range)
	assert.Empty(t, v.Spec.Entries)

	v, err = s.SelectSymbol(context.Background(), "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-21..2024-01-23", v.Selection.Range.String())
	assert.Equal(t, 3*6, v.Spec.Frame.Len())
}

func TestMissingTimestampsReachTheChart(t *testing.T) {
	s := newSession(t, newController(t, Options{}))
	_, err := s.SelectSymbol(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	v, err := s.SelectTimeframe(context.Background(), "15m")
	require.NoError(t, err)

	assert.Equal(t, []time.Time{day0.Add(25 * time.Hour), day0.Add(25*time.Hour + 15*time.Minute)}, v.Spec.Missing)
	fig := v.Figure.(*FigureData)
	assert.Equal(t, v.Spec.Missing, fig.RangeBreaks)
}

func TestSelectTab(t *testing.T) {
	s := newSession(t, newController(t, Options{}))
	ctx := context.Background()

	v, err := s.SelectTab(ctx, ModeSummary)
	require.NoError(t, err)
	assert.Equal(t, engine.TF4h, v.Selection.Timeframe)
	assert.Equal(t, ChartOrders, v.Spec.Kind)
	assert.Equal(t, "BTCUSDT - 4h", v.Spec.Title)
	require.NotNil(t, v.Stats)
	assert.Equal(t, []string{"15m", "4h", "1d"}, v.Allowed)

	v, err = s.SelectTimeframe(ctx, "1d")
	require.NoError(t, err)
	assert.Equal(t, engine.TF1d, v.Spec.Frame.Timeframe)
	assert.Equal(t, 3, v.Spec.Frame.Len())
	assert.Equal(t, 100.0-0.5, v.Spec.Frame.Bars[0].Open)
	assert.Equal(t, 100.0+95, v.Spec.Frame.Bars[0].Close)

	v, err = s.SelectTab(ctx, ModeStrategy)
	require.NoError(t, err)
	assert.Equal(t, engine.TF4h, v.Selection.Timeframe)

	_, err = s.SelectTab(ctx, Mode("settings"))
	assert.Error(t, err)
	assert.Equal(t, ModeStrategy, s.Selection().Mode)
}

func TestIndicatorPanel(t *testing.T) {
	s := newSession(t, newController(t, Options{}))
	ctx := context.Background()
	before := s.Selection()

	fig, spec, err := s.Indicator(ctx, "", "")
	require.NoError(t, err)
	assert.NotNil(t, fig)
	assert.Equal(t, "RSI plot for BTCUSDT on 15m time period", spec.Title)
	assert.Equal(t, 3*96, spec.Line.Len())
	assert.Equal(t, []Marker{{Time: day0.Add(15 * time.Minute), Value: 51}, {Time: day0.Add(10 * time.Hour), Value: 50}}, spec.Entries)
	assert.Equal(t, before, s.Selection())

	_, _, err = s.Indicator(ctx, "RSI", "4h")
	var nf *engine.NotFoundError
	assert.True(t, errors.As(err, &nf))

	_, _, err = s.Indicator(ctx, "RSI", "1d")
	var itf *engine.InvalidTimeframeError
	assert.True(t, errors.As(err, &itf))
}

func TestFailedRenderKeepsState(t *testing.T) {
	charter := CharterFunc(func(ctx context.Context, spec ChartSpec) (Figure, error) {
		if spec.Timeframe == engine.TF15m {
			return nil, errors.New("renderer unavailable")
		}
		return DataCharter{}.Render(ctx, spec)
	})
	s := newSession(t, newController(t, Options{Charter: charter}))
	before := s.View()

	_, err := s.SelectTimeframe(context.Background(), "15m")
	require.Error(t, err)
	assert.Same(t, before, s.View())
	assert.Equal(t, engine.TF4h, s.Selection().Timeframe)
}

func TestNewControllerValidation(t *testing.T) {
	store := fixture(t)

	cfg := testConfig()
	cfg.DefaultChartTimeframe = engine.TF1d
	_, err := NewController(store, nil, Options{Config: cfg})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.DefaultSymbol = "DOGEUSDT"
	_, err = NewController(store, nil, Options{Config: cfg})
	var nf *engine.NotFoundError
	assert.True(t, errors.As(err, &nf))

	_, err = NewController(nil, nil, Options{Config: testConfig()})
	assert.Error(t, err)
}

func TestRegistryEvictsLeastRecentlyUsed(t *testing.T) {
	c := newController(t, Options{})
	reg := NewRegistry(c, 2)
	ctx := context.Background()

	s1, err := reg.Create(ctx)
	require.NoError(t, err)
	s2, err := reg.Create(ctx)
	require.NoError(t, err)
	_, err = s1.SelectTimeframe(ctx, "15m")
	require.NoError(t, err)

	s3, err := reg.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
	_, ok := reg.Get(s2.ID())
	assert.False(t, ok)
	_, ok = reg.Get(s1.ID())
	assert.True(t, ok)
	assert.True(t, reg.Delete(s3.ID()))
	assert.False(t, reg.Delete(s3.ID()))
}

func TestSessionsAreIndependent(t *testing.T) {
	c := newController(t, Options{})
	a, b := newSession(t, c), newSession(t, c)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = a.SelectSymbol(context.Background(), "ETHUSDT")
	}()
	go func() {
		defer wg.Done()
		_, _ = b.SelectTimeframe(context.Background(), "15m")
	}()
	wg.Wait()

	assert.Equal(t, "ETHUSDT", a.Selection().Symbol)
	assert.Equal(t, engine.TF4h, a.Selection().Timeframe)
	assert.Equal(t, "BTCUSDT", b.Selection().Symbol)
	assert.Equal(t, engine.TF15m, b.Selection().Timeframe)
}
