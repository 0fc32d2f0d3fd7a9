package engine

// Load-time dataset validation

import (
	"fmt"
	"time"
)

type IssueKind string

const (
	IssueOHLCInvariant IssueKind = "ohlc_invariant"
	IssueGap           IssueKind = "gap"
	IssuePartialFrame  IssueKind = "partial_frame"
	IssueOrphanSeries  IssueKind = "orphan_series"
)

// ValidationIssue is a non-fatal finding. Fatal problems come back as errors.
type ValidationIssue struct {
	Kind      IssueKind
	Symbol    string
	Timeframe Timeframe
	Field     Field
	At        time.Time
	Detail    string
}

func (i ValidationIssue) String() string {
	s := fmt.Sprintf("%s %s/%s", i.Kind, i.Symbol, i.Timeframe)
	if i.Field != "" {
		s += "/" + string(i.Field)
	}
	if !i.At.IsZero() {
		s += " at " + i.At.Format(time.RFC3339)
	}
	if i.Detail != "" {
		s += ": " + i.Detail
	}
	return s
}

type Validator struct {
	Base Timeframe
	// MaxIssuesPerSeries caps invariant reports per frame; 0 means no cap.
	MaxIssuesPerSeries int
}

// CheckCompleteness requires every traded symbol to have all four price
// columns at the base timeframe.
func (v *Validator) CheckCompleteness(ds *Dataset) error {
	missing := make(map[string][]Field)
	for _, sym := range ds.Trades.Symbols() {
		for _, f := range PriceFields {
			if _, ok := ds.Prices.Lookup(sym, f, v.Base); !ok {
				missing[sym] = append(missing[sym], f)
			}
		}
	}
	if len(missing) > 0 {
		return &IncompleteDataError{Timeframe: v.Base, Missing: missing}
	}
	return nil
}

// CheckPartial reports symbols that carry some but not all price columns at a
// timeframe. Such symbols get no frame at that timeframe.
func (v *Validator) CheckPartial(ds *Dataset) []ValidationIssue {
	var issues []ValidationIssue
	for _, tf := range ds.Prices.Timeframes() {
		for _, sym := range ds.Prices.Symbols(tf) {
			for _, f := range PriceFields {
				if _, ok := ds.Prices.Lookup(sym, f, tf); !ok {
					issues = append(issues, ValidationIssue{Kind: IssuePartialFrame, Symbol: sym, Timeframe: tf, Field: f, Detail: "price column missing"})
				}
			}
		}
	}
	return issues
}

// CheckOrphans reports indicators and signals of symbols without base prices.
func (v *Validator) CheckOrphans(ds *Dataset) []ValidationIssue {
	priced := make(map[string]bool)
	for _, sym := range ds.Prices.Symbols(v.Base) {
		priced[sym] = true
	}
	var issues []ValidationIssue
	ds.Indicators.Each(func(s *TimeSeries) {
		if !priced[s.Symbol] {
			issues = append(issues, ValidationIssue{Kind: IssueOrphanSeries, Symbol: s.Symbol, Timeframe: s.Timeframe, Field: s.Field, Detail: "indicator without base prices"})
		}
	})
	ds.Signals.Each(func(s *SignalSeries) {
		if !priced[s.Symbol] {
			issues = append(issues, ValidationIssue{Kind: IssueOrphanSeries, Symbol: s.Symbol, Timeframe: s.Timeframe, Field: s.Field, Detail: "signal without base prices"})
		}
	})
	return issues
}

// CheckFrame reports bars breaking High >= max(Open, Close) >= min(Open, Close) >= Low
// and gaps in the frame's index. Bad bars are reported, not repaired.
func (v *Validator) CheckFrame(f *OHLCFrame) []ValidationIssue {
	var issues []ValidationIssue
	bad := 0
	for i, b := range f.Bars {
		if b.Valid() {
			continue
		}
		bad++
		if v.MaxIssuesPerSeries > 0 && bad > v.MaxIssuesPerSeries {
			continue
		}
		issues = append(issues, ValidationIssue{
			Kind: IssueOHLCInvariant, Symbol: f.Symbol, Timeframe: f.Timeframe, At: f.Index[i],
			Detail: fmt.Sprintf("open=%g high=%g low=%g close=%g", b.Open, b.High, b.Low, b.Close),
		})
	}
	if v.MaxIssuesPerSeries > 0 && bad > v.MaxIssuesPerSeries {
		issues = append(issues, ValidationIssue{
			Kind: IssueOHLCInvariant, Symbol: f.Symbol, Timeframe: f.Timeframe,
			Detail: fmt.Sprintf("%d more bars suppressed", bad-v.MaxIssuesPerSeries),
		})
	}
	gaps := DetectGaps(f.Index, f.Timeframe)
	if len(gaps) > 0 {
		total := 0
		for _, g := range gaps {
			total += g.Missing
		}
		issues = append(issues, ValidationIssue{
			Kind: IssueGap, Symbol: f.Symbol, Timeframe: f.Timeframe, At: gaps[0].After,
			Detail: fmt.Sprintf("%d gaps, %d bars absent", len(gaps), total),
		})
	}
	return issues
}
