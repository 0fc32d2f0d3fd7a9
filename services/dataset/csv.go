package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"backtest-dashboard/services/engine"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

// newCSVReader decodes UTF-8 or, when a BOM says so, UTF-16 input.
func newCSVReader(r io.Reader) *csv.Reader {
	tr := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	cr := csv.NewReader(tr)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr
}

// ParseTimestamp accepts RFC 3339, "2006-01-02 15:04:05" style strings and
// integer epoch milliseconds. Zoneless values are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(strings.Trim(s, `"`))
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func missingCell(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nan", "nat", "none", "null":
		return true
	}
	return false
}

func parseFloat(s string) (float64, bool, error) {
	if missingCell(s) {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false, err
	}
	if math.IsNaN(v) {
		return 0, false, nil
	}
	return v, true, nil
}

func parseBool(s string) (bool, bool, error) {
	if missingCell(s) {
		return false, false, nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "1.0", "t", "yes":
		return true, true, nil
	case "false", "0", "0.0", "f", "no":
		return false, true, nil
	}
	return false, false, fmt.Errorf("not a boolean: %q", s)
}

// wideTable is a CSV with a timestamp column followed by one column per symbol.
type wideTable struct {
	symbols []string
	index   []time.Time
	cells   [][]string
}

func readWide(r io.Reader) (*wideTable, error) {
	cr := newCSVReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("header needs a timestamp and at least one symbol column")
	}
	w := &wideTable{}
	for _, h := range header[1:] {
		w.symbols = append(w.symbols, strings.TrimSpace(h))
	}
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
		t, err := ParseTimestamp(rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if n := len(w.index); n > 0 && !t.After(w.index[n-1]) {
			return nil, fmt.Errorf("line %d: timestamp %s not after %s", line, t, w.index[n-1])
		}
		w.index = append(w.index, t)
		w.cells = append(w.cells, rec[1:])
	}
	return w, nil
}

func wideSeries[V engine.Value](w *wideTable, field engine.Field, tf engine.Timeframe, parse func(string) (V, bool, error)) ([]*engine.Series[V], error) {
	out := make([]*engine.Series[V], 0, len(w.symbols))
	for c, sym := range w.symbols {
		var (
			index  []time.Time
			values []V
		)
		for row, rec := range w.cells {
			if c >= len(rec) {
				continue
			}
			v, ok, err := parse(rec[c])
			if err != nil {
				return nil, fmt.Errorf("%s at %s: %w", sym, w.index[row].Format(time.RFC3339), err)
			}
			if ok {
				index = append(index, w.index[row])
				values = append(values, v)
			}
		}
		s, err := engine.NewSeries(sym, field, tf, index, values)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ReadOHLCCSV reads a single-symbol "timestamp,open,high,low,close[,volume]"
// file. The header row is optional; unparsable rows are errors.
func ReadOHLCCSV(r io.Reader, symbol string, tf engine.Timeframe) (*engine.OHLCFrame, error) {
	cr := newCSVReader(r)
	frame := &engine.OHLCFrame{Symbol: symbol, Timeframe: tf}
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("line %d: want at least 5 columns, got %d", line, len(rec))
		}
		if line == 1 && strings.HasPrefix(strings.ToLower(strings.TrimSpace(rec[0])), "timestamp") {
			continue
		}
		t, err := ParseTimestamp(rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		var px [4]float64
		for i := range px {
			v, ok, err := parseFloat(rec[1+i])
			if err != nil || !ok {
				return nil, fmt.Errorf("line %d: bad %s %q", line, engine.PriceFields[i], rec[1+i])
			}
			px[i] = v
		}
		if n := frame.Len(); n > 0 && !t.After(frame.Index[n-1]) {
			return nil, fmt.Errorf("line %d: timestamp %s not after %s", line, t, frame.Index[n-1])
		}
		frame.Index = append(frame.Index, t)
		frame.Bars = append(frame.Bars, engine.Bar{Open: px[0], High: px[1], Low: px[2], Close: px[3]})
	}
	return frame, nil
}

// WriteOHLCCSV writes frame with epoch-millisecond timestamps.
func WriteOHLCCSV(w io.Writer, frame *engine.OHLCFrame) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "open", "high", "low", "close"}); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for i, t := range frame.Index {
		b := frame.Bars[i]
		if err := cw.Write([]string{strconv.FormatInt(t.UnixMilli(), 10), f(b.Open), f(b.High), f(b.Low), f(b.Close)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
