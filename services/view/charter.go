package view

import (
	"context"
	"time"

	"backtest-dashboard/services/engine"
)

type ChartKind string

const (
	ChartPrice     ChartKind = "price"
	ChartIndicator ChartKind = "indicator"
	ChartOrders    ChartKind = "orders"
)

// Marker is an entry or exit flag placed on a trace.
type Marker struct {
	Time  time.Time `json:"t"`
	Value float64   `json:"y"`
}

// ChartSpec is everything a chart needs, already sliced and resampled.
type ChartSpec struct {
	Kind        ChartKind
	Title       string
	Symbol      string
	Timeframe   engine.Timeframe
	Range       engine.DateRange
	Frame       *engine.OHLCFrame
	Line        *engine.TimeSeries
	Overlays    []*engine.TimeSeries
	Entries     []Marker
	Exits       []Marker
	Signals     []*engine.SignalSeries
	LongTrades  []engine.Trade
	ShortTrades []engine.Trade
	// Missing lists reference timestamps inside the range with no bar, so the
	// renderer can collapse them instead of drawing flat segments.
	Missing []time.Time
}

// Figure is whatever the charting collaborator produces. The core never looks inside.
type Figure any

// Charter turns a spec into a figure.
type Charter interface {
	Render(ctx context.Context, spec ChartSpec) (Figure, error)
}

// CharterFunc adapts a plain function to Charter.
type CharterFunc func(ctx context.Context, spec ChartSpec) (Figure, error)

func (f CharterFunc) Render(ctx context.Context, spec ChartSpec) (Figure, error) { return f(ctx, spec) }

// FigureData is the figure DataCharter emits: plain traces a browser
// charting library can draw directly.
type FigureData struct {
	Kind        ChartKind   `json:"kind"`
	Title       string      `json:"title"`
	Traces      []Trace     `json:"traces"`
	Shapes      []Shape     `json:"shapes,omitempty"`
	RangeBreaks []time.Time `json:"rangebreaks,omitempty"`
}

type Trace struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"`
	X     []time.Time `json:"x"`
	Y     []float64   `json:"y,omitempty"`
	Open  []float64   `json:"open,omitempty"`
	High  []float64   `json:"high,omitempty"`
	Low   []float64   `json:"low,omitempty"`
	Close []float64   `json:"close,omitempty"`
}

// Shape is a trade box from entry to exit.
type Shape struct {
	Kind string    `json:"kind"`
	X0   time.Time `json:"x0"`
	X1   time.Time `json:"x1"`
	Y0   float64   `json:"y0"`
	Y1   float64   `json:"y1"`
}

// DataCharter is the default Charter.
type DataCharter struct{}

func (DataCharter) Render(ctx context.Context, spec ChartSpec) (Figure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fig := &FigureData{Kind: spec.Kind, Title: spec.Title, RangeBreaks: spec.Missing}

	if f := spec.Frame; f != nil {
		switch spec.Kind {
		case ChartOrders:
			close := make([]float64, f.Len())
			for i, b := range f.Bars {
				close[i] = b.Close
			}
			fig.Traces = append(fig.Traces, Trace{Name: "Close", Type: "line", X: f.Index, Y: close})
		default:
			tr := Trace{Name: spec.Symbol, Type: "candlestick", X: f.Index,
				Open: make([]float64, f.Len()), High: make([]float64, f.Len()),
				Low: make([]float64, f.Len()), Close: make([]float64, f.Len())}
			for i, b := range f.Bars {
				tr.Open[i], tr.High[i], tr.Low[i], tr.Close[i] = b.Open, b.High, b.Low, b.Close
			}
			fig.Traces = append(fig.Traces, tr)
		}
	}
	if l := spec.Line; l != nil {
		fig.Traces = append(fig.Traces, Trace{Name: string(l.Field), Type: "line", X: l.Index, Y: l.Values})
	}
	for _, o := range spec.Overlays {
		fig.Traces = append(fig.Traces, Trace{Name: string(o.Field), Type: "line", X: o.Index, Y: o.Values})
	}
	fig.Traces = append(fig.Traces, markerTrace("Entries", spec.Entries), markerTrace("Exits", spec.Exits))

	for _, t := range spec.LongTrades {
		fig.Shapes = append(fig.Shapes, tradeShape("long", t, spec.Range))
	}
	for _, t := range spec.ShortTrades {
		fig.Shapes = append(fig.Shapes, tradeShape("short", t, spec.Range))
	}
	return fig, nil
}

func markerTrace(name string, markers []Marker) Trace {
	tr := Trace{Name: name, Type: "markers", X: make([]time.Time, len(markers)), Y: make([]float64, len(markers))}
	for i, m := range markers {
		tr.X[i], tr.Y[i] = m.Time, m.Value
	}
	return tr
}

// tradeShape spans entry to exit; an open trade runs to the end of the range.
func tradeShape(kind string, t engine.Trade, r engine.DateRange) Shape {
	end, exit := t.ExitTime, t.ExitPrice
	if t.IsOpen() {
		end, exit = r.End, t.EntryPrice
	}
	return Shape{Kind: kind, X0: t.EntryTime, X1: end, Y0: t.EntryPrice, Y1: exit}
}
