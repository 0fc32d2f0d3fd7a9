package engine

import (
	"sort"
	"time"
)

// SeriesSet indexes loaded series by timeframe, symbol and field.
type SeriesSet[V Value] map[Timeframe]map[string]map[Field]*Series[V]

// Put stores s, replacing any series already held for the same key.
func (set SeriesSet[V]) Put(s *Series[V]) {
	bySym, ok := set[s.Timeframe]
	if !ok {
		bySym = make(map[string]map[Field]*Series[V])
		set[s.Timeframe] = bySym
	}
	byField, ok := bySym[s.Symbol]
	if !ok {
		byField = make(map[Field]*Series[V])
		bySym[s.Symbol] = byField
	}
	byField[s.Field] = s
}

func (set SeriesSet[V]) Lookup(symbol string, field Field, tf Timeframe) (*Series[V], bool) {
	s, ok := set[tf][symbol][field]
	return s, ok
}

// Symbols returns the symbols present at tf, sorted.
func (set SeriesSet[V]) Symbols(tf Timeframe) []string {
	return sortedKeys(set[tf])
}

// Fields returns the fields held for symbol at tf, sorted.
func (set SeriesSet[V]) Fields(symbol string, tf Timeframe) []Field {
	byField := set[tf][symbol]
	out := make([]Field, 0, len(byField))
	for f := range byField {
		out = append(out, f)
	}
	sortFields(out)
	return out
}

func sortFields(fields []Field) {
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
}

// Timeframes returns the timeframes present, finest first.
func (set SeriesSet[V]) Timeframes() []Timeframe {
	out := make([]Timeframe, 0, len(set))
	for tf := range set {
		out = append(out, tf)
	}
	sortTimeframes(out)
	return out
}

// Each visits every series in timeframe, symbol, field order.
func (set SeriesSet[V]) Each(fn func(*Series[V])) {
	for _, tf := range set.Timeframes() {
		for _, sym := range set.Symbols(tf) {
			for _, f := range set.Fields(sym, tf) {
				fn(set[tf][sym][f])
			}
		}
	}
}

func (set SeriesSet[V]) Len() int {
	n := 0
	for _, bySym := range set {
		for _, byField := range bySym {
			n += len(byField)
		}
	}
	return n
}

func sortTimeframes(tfs []Timeframe) {
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Width() < tfs[j].Width() })
}

// Dataset is the raw backtest output handed to NewStore: native price columns,
// indicators and signals at whatever timeframes the backtest exported, the
// trade history and, optionally, each timeframe's shared row index.
type Dataset struct {
	Base       Timeframe
	Prices     SeriesSet[float64]
	Indicators SeriesSet[float64]
	Signals    SeriesSet[bool]
	Index      map[Timeframe][]time.Time
	Trades     *TradeLog
}

func NewDataset(base Timeframe) *Dataset {
	return &Dataset{
		Base:       base,
		Prices:     make(SeriesSet[float64]),
		Indicators: make(SeriesSet[float64]),
		Signals:    make(SeriesSet[bool]),
		Index:      make(map[Timeframe][]time.Time),
		Trades:     NewTradeLog(nil),
	}
}

// AddFrame stores the four columns of f as price series.
func (d *Dataset) AddFrame(f *OHLCFrame) {
	for _, s := range f.Columns() {
		d.Prices.Put(s)
	}
}

// AddSeries routes s to Prices or Indicators by its field.
func (d *Dataset) AddSeries(s *TimeSeries) {
	if s.Field.IsPrice() {
		d.Prices.Put(s)
		return
	}
	d.Indicators.Put(s)
}

func (d *Dataset) AddSignal(s *SignalSeries) { d.Signals.Put(s) }

// AddIndex merges idx into the shared row index of tf.
func (d *Dataset) AddIndex(tf Timeframe, idx []time.Time) {
	d.Index[tf] = UnionIndex(d.Index[tf], idx)
}
