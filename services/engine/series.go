package engine

import (
	"fmt"
	"sort"
	"time"
)

// Field names a series of one symbol: a price column, an indicator or a signal.
type Field string

const (
	FieldOpen  Field = "Open"
	FieldHigh  Field = "High"
	FieldLow   Field = "Low"
	FieldClose Field = "Close"
)

// PriceFields are the four columns of an OHLCFrame, in frame order.
var PriceFields = []Field{FieldOpen, FieldHigh, FieldLow, FieldClose}

func (f Field) IsPrice() bool {
	switch f {
	case FieldOpen, FieldHigh, FieldLow, FieldClose:
		return true
	}
	return false
}

type Value interface {
	~float64 | ~bool
}

// Series is an immutable, strictly increasing sequence of observations for one
// (symbol, field, timeframe).
type Series[V Value] struct {
	Symbol    string
	Field     Field
	Timeframe Timeframe
	Index     []time.Time
	Values    []V
}

type TimeSeries = Series[float64]

type SignalSeries = Series[bool]

// NewSeries validates ordering and copies nothing; callers hand over ownership
// of index and values.
func NewSeries[V Value](symbol string, field Field, tf Timeframe, index []time.Time, values []V) (*Series[V], error) {
	if len(index) != len(values) {
		return nil, fmt.Errorf("series %s/%s/%s: %d timestamps for %d values", symbol, field, tf, len(index), len(values))
	}
	for i := 1; i < len(index); i++ {
		if !index[i].After(index[i-1]) {
			return nil, fmt.Errorf("series %s/%s/%s: timestamp %s at position %d is not after %s",
				symbol, field, tf, index[i].Format(time.RFC3339), i, index[i-1].Format(time.RFC3339))
		}
	}
	return &Series[V]{Symbol: symbol, Field: field, Timeframe: tf, Index: index, Values: values}, nil
}

func (s *Series[V]) Len() int { return len(s.Index) }

func (s *Series[V]) Empty() bool { return len(s.Index) == 0 }

// First and Last panic on an empty series, like indexing would.
func (s *Series[V]) First() time.Time { return s.Index[0] }

func (s *Series[V]) Last() time.Time { return s.Index[len(s.Index)-1] }

// ValueAt looks t up by binary search.
func (s *Series[V]) ValueAt(t time.Time) (V, bool) {
	i := sort.Search(len(s.Index), func(i int) bool { return !s.Index[i].Before(t) })
	if i < len(s.Index) && s.Index[i].Equal(t) {
		return s.Values[i], true
	}
	var zero V
	return zero, false
}

// OHLCFrame holds the four price series of one symbol on a shared index.
type OHLCFrame struct {
	Symbol    string
	Timeframe Timeframe
	Index     []time.Time
	Bars      []Bar
}

func (f *OHLCFrame) Len() int { return len(f.Index) }

// FrameFromSeries joins Open/High/Low/Close into a frame. Timestamps missing
// from any of the four are dropped from the frame; they stay visible as gaps
// against the reference index.
func FrameFromSeries(open, high, low, close *TimeSeries) (*OHLCFrame, error) {
	cols := []*TimeSeries{open, high, low, close}
	for i, c := range cols {
		if c == nil {
			return nil, fmt.Errorf("frame: %s series is nil", PriceFields[i])
		}
		if c.Symbol != open.Symbol || c.Timeframe != open.Timeframe {
			return nil, fmt.Errorf("frame: %s series belongs to %s/%s, want %s/%s",
				PriceFields[i], c.Symbol, c.Timeframe, open.Symbol, open.Timeframe)
		}
	}

	frame := &OHLCFrame{Symbol: open.Symbol, Timeframe: open.Timeframe}
	pos := make([]int, len(cols))
	for _, t := range open.Index {
		var row [4]float64
		ok := true
		for c, s := range cols {
			for pos[c] < len(s.Index) && s.Index[pos[c]].Before(t) {
				pos[c]++
			}
			if pos[c] >= len(s.Index) || !s.Index[pos[c]].Equal(t) {
				ok = false
				break
			}
			row[c] = s.Values[pos[c]]
		}
		if !ok {
			continue
		}
		frame.Index = append(frame.Index, t)
		frame.Bars = append(frame.Bars, Bar{Open: row[0], High: row[1], Low: row[2], Close: row[3]})
	}
	return frame, nil
}

// Columns splits the frame back into its four series.
func (f *OHLCFrame) Columns() map[Field]*TimeSeries {
	out := make(map[Field]*TimeSeries, len(PriceFields))
	vals := make([][]float64, len(PriceFields))
	for i := range vals {
		vals[i] = make([]float64, len(f.Bars))
	}
	for i, b := range f.Bars {
		vals[0][i], vals[1][i], vals[2][i], vals[3][i] = b.Open, b.High, b.Low, b.Close
	}
	for i, field := range PriceFields {
		index := make([]time.Time, len(f.Index))
		copy(index, f.Index)
		out[field] = &TimeSeries{Symbol: f.Symbol, Field: field, Timeframe: f.Timeframe, Index: index, Values: vals[i]}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
