package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

type StoreOptions struct {
	// Derive lists the coarser timeframes to build from base data when the
	// dataset does not carry them natively.
	Derive         []Timeframe
	ReferenceIndex ReferenceIndexMode
	// MaxIssuesPerSeries caps logged invariant violations per frame.
	MaxIssuesPerSeries int
	Logger             *zap.Logger
}

type frameKey struct {
	symbol string
	tf     Timeframe
}

type signalKey struct {
	symbol string
	name   Field
	tf     Timeframe
}

// Store owns every series for the lifetime of the process. It is built once by
// NewStore and is read-only afterwards, so it is safe for concurrent use.
type Store struct {
	base       Timeframe
	prices     SeriesSet[float64]
	indicators SeriesSet[float64]
	frames     map[frameKey]*OHLCFrame
	native     map[frameKey]bool
	signals    map[signalKey]*ResampledSignal
	nativeSig  map[signalKey]bool
	index      map[Timeframe][]time.Time
	timeframes []Timeframe
	symbols    []string
	trades     *TradeLog
	issues     []ValidationIssue
	manifest   Manifest
	logger     *zap.Logger
}

// NewStore validates ds, builds OHLC frames, derives the configured coarser
// timeframes and fixes the reference index of every timeframe. A traded symbol
// without complete base prices aborts construction with *IncompleteDataError.
func NewStore(ds *Dataset, opts StoreOptions) (*Store, error) {
	if ds == nil {
		return nil, fmt.Errorf("store: nil dataset")
	}
	if !ds.Base.Valid() {
		return nil, &InvalidTimeframeError{Token: string(ds.Base), Allowed: Timeframes()}
	}
	for _, tf := range opts.Derive {
		if !tf.Valid() {
			return nil, &InvalidTimeframeError{Token: string(tf), Allowed: Timeframes()}
		}
	}
	mode := opts.ReferenceIndex
	if mode == "" {
		mode = IndexDataset
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("store: unknown reference index mode %q", mode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	trades := ds.Trades
	if trades == nil {
		trades = NewTradeLog(nil)
	}

	v := &Validator{Base: ds.Base, MaxIssuesPerSeries: opts.MaxIssuesPerSeries}
	if err := v.CheckCompleteness(&Dataset{Base: ds.Base, Prices: ds.Prices, Trades: trades}); err != nil {
		return nil, err
	}

	s := &Store{
		base:       ds.Base,
		prices:     make(SeriesSet[float64]),
		indicators: make(SeriesSet[float64]),
		frames:     make(map[frameKey]*OHLCFrame),
		native:     make(map[frameKey]bool),
		signals:    make(map[signalKey]*ResampledSignal),
		nativeSig:  make(map[signalKey]bool),
		index:      make(map[Timeframe][]time.Time),
		trades:     trades,
		logger:     logger,
	}
	s.issues = append(s.issues, v.CheckPartial(ds)...)
	s.issues = append(s.issues, v.CheckOrphans(ds)...)

	if err := s.loadFrames(ds, v); err != nil {
		return nil, err
	}
	if err := s.deriveFrames(opts.Derive); err != nil {
		return nil, err
	}
	ds.Indicators.Each(func(series *TimeSeries) { s.indicators.Put(series) })
	if err := s.loadSignals(ds, opts.Derive); err != nil {
		return nil, err
	}
	s.buildIndex(ds, mode)

	for _, issue := range s.issues {
		logger.Warn("dataset issue",
			zap.String("kind", string(issue.Kind)),
			zap.String("symbol", issue.Symbol),
			zap.String("timeframe", string(issue.Timeframe)),
			zap.String("detail", issue.String()))
	}
	s.manifest = buildManifest(s)
	logger.Info("series store ready",
		zap.String("base", string(s.base)),
		zap.Int("symbols", len(s.symbols)),
		zap.Int("price_series", s.prices.Len()),
		zap.Int("indicator_series", s.indicators.Len()),
		zap.Int("signal_series", len(s.signals)),
		zap.Int("issues", len(s.issues)),
		zap.String("checksum", s.manifest.Checksum))
	return s, nil
}

func (s *Store) loadFrames(ds *Dataset, v *Validator) error {
	for _, tf := range ds.Prices.Timeframes() {
		for _, sym := range ds.Prices.Symbols(tf) {
			cols := make([]*TimeSeries, len(PriceFields))
			complete := true
			for i, f := range PriceFields {
				col, ok := ds.Prices.Lookup(sym, f, tf)
				if !ok {
					complete = false
					break
				}
				cols[i] = col
			}
			if !complete {
				continue
			}
			frame, err := FrameFromSeries(cols[0], cols[1], cols[2], cols[3])
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			key := frameKey{sym, tf}
			s.frames[key] = frame
			s.native[key] = true
			for _, col := range cols {
				s.prices.Put(col)
			}
			s.issues = append(s.issues, v.CheckFrame(frame)...)
		}
	}
	s.symbols = s.prices.Symbols(s.base)
	return nil
}

func (s *Store) deriveFrames(targets []Timeframe) error {
	for _, tf := range targets {
		if !tf.Coarser(s.base) {
			continue
		}
		for _, sym := range s.symbols {
			key := frameKey{sym, tf}
			if s.native[key] {
				continue
			}
			base, ok := s.frames[frameKey{sym, s.base}]
			if !ok {
				continue
			}
			derived, err := ResampleOHLC(base, tf)
			if err != nil {
				return fmt.Errorf("store: derive %s %s: %w", sym, tf, err)
			}
			s.frames[key] = derived
			for _, col := range derived.Columns() {
				s.prices.Put(col)
			}
			s.logger.Debug("derived frame",
				zap.String("symbol", sym),
				zap.String("timeframe", string(tf)),
				zap.Int("bars", derived.Len()))
		}
	}
	return nil
}

// loadSignals keeps native signals and derives the configured coarser
// timeframes from each signal's finest native series.
func (s *Store) loadSignals(ds *Dataset, targets []Timeframe) error {
	finest := make(map[signalKey]*SignalSeries)
	ds.Signals.Each(func(series *SignalSeries) {
		key := signalKey{series.Symbol, series.Field, series.Timeframe}
		counts := make([]int, series.Len())
		for i := range counts {
			counts[i] = 1
		}
		s.signals[key] = &ResampledSignal{SignalSeries: series, Counts: counts}
		s.nativeSig[key] = true

		root := signalKey{series.Symbol, series.Field, ""}
		if cur, ok := finest[root]; !ok || series.Timeframe.Width() < cur.Timeframe.Width() {
			finest[root] = series
		}
	})
	for root, src := range finest {
		for _, tf := range targets {
			key := signalKey{root.symbol, root.name, tf}
			if s.nativeSig[key] || !tf.Coarser(src.Timeframe) {
				continue
			}
			derived, err := ResampleSignal(src, tf)
			if err != nil {
				return fmt.Errorf("store: derive signal %s/%s %s: %w", root.symbol, root.name, tf, err)
			}
			s.signals[key] = derived
		}
	}
	return nil
}

func (s *Store) buildIndex(ds *Dataset, mode ReferenceIndexMode) {
	byTF := make(map[Timeframe][][]time.Time)
	for key, f := range s.frames {
		byTF[key.tf] = append(byTF[key.tf], f.Index)
	}
	for tf, idx := range ds.Index {
		if _, ok := byTF[tf]; ok {
			byTF[tf] = append(byTF[tf], idx)
		}
	}
	for tf, parts := range byTF {
		union := UnionIndex(parts...)
		if mode == IndexCalendar {
			// off-grid rows stay in the index so every observed timestamp is in it
			union = UnionIndex(Calendar{Timeframe: tf}.Covering(union), union)
		}
		s.index[tf] = union
		s.timeframes = append(s.timeframes, tf)
	}
	sortTimeframes(s.timeframes)
}

// Base is the finest timeframe, the one every symbol is loaded at.
func (s *Store) Base() Timeframe { return s.base }

// Timeframes lists every timeframe with at least one OHLC frame, finest first.
func (s *Store) Timeframes() []Timeframe { return append([]Timeframe(nil), s.timeframes...) }

// Symbols lists every symbol with base prices, sorted.
func (s *Store) Symbols() []string { return append([]string(nil), s.symbols...) }

func (s *Store) Trades() *TradeLog { return s.trades }

func (s *Store) Issues() []ValidationIssue { return append([]ValidationIssue(nil), s.issues...) }

func (s *Store) Manifest() Manifest { return s.manifest }

// Get returns a price or indicator series.
func (s *Store) Get(symbol string, field Field, tf Timeframe) (*TimeSeries, error) {
	set := s.indicators
	if field.IsPrice() {
		set = s.prices
	}
	series, ok := set.Lookup(symbol, field, tf)
	if !ok {
		return nil, &NotFoundError{Symbol: symbol, Field: string(field), Timeframe: tf}
	}
	return series, nil
}

func (s *Store) Signal(symbol string, name Field, tf Timeframe) (*SignalSeries, error) {
	r, err := s.SignalBuckets(symbol, name, tf)
	if err != nil {
		return nil, err
	}
	return r.SignalSeries, nil
}

// SignalBuckets is Signal plus per-bucket observation counts.
func (s *Store) SignalBuckets(symbol string, name Field, tf Timeframe) (*ResampledSignal, error) {
	r, ok := s.signals[signalKey{symbol, name, tf}]
	if !ok {
		return nil, &NotFoundError{Symbol: symbol, Field: string(name), Timeframe: tf}
	}
	return r, nil
}

// SignalSource returns the finest loaded signal, the one coarser views derive from.
func (s *Store) SignalSource(symbol string, name Field) (*SignalSeries, error) {
	var best *SignalSeries
	for key, r := range s.signals {
		if key.symbol != symbol || key.name != name || !s.nativeSig[key] {
			continue
		}
		if best == nil || key.tf.Width() < best.Timeframe.Width() {
			best = r.SignalSeries
		}
	}
	if best == nil {
		return nil, &NotFoundError{Symbol: symbol, Field: string(name), Timeframe: s.base}
	}
	return best, nil
}

func (s *Store) Frame(symbol string, tf Timeframe) (*OHLCFrame, error) {
	f, ok := s.frames[frameKey{symbol, tf}]
	if !ok {
		return nil, &NotFoundError{Symbol: symbol, Field: "OHLC", Timeframe: tf}
	}
	return f, nil
}

// HasFrame reports whether a frame exists at tf, loaded or derived.
func (s *Store) HasFrame(symbol string, tf Timeframe) bool {
	_, ok := s.frames[frameKey{symbol, tf}]
	return ok
}

// Native reports whether the frame at tf came from the dataset rather than
// being derived.
func (s *Store) Native(symbol string, tf Timeframe) bool {
	return s.native[frameKey{symbol, tf}]
}

// Index returns the reference index of tf, or nil when tf holds no frames.
// The slice is shared and must not be modified.
func (s *Store) Index(tf Timeframe) []time.Time { return s.index[tf] }

func (s *Store) Indicators(symbol string, tf Timeframe) []Field {
	return s.indicators.Fields(symbol, tf)
}

// SignalNames lists the signals held for symbol at tf, sorted.
func (s *Store) SignalNames(symbol string, tf Timeframe) []Field {
	var out []Field
	for key := range s.signals {
		if key.symbol == symbol && key.tf == tf {
			out = append(out, key.name)
		}
	}
	sortFields(out)
	return out
}
