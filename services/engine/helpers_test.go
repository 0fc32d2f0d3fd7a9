package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func at(hh, mm int) time.Time {
	return day0.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
}

// steps returns n timestamps from start spaced by tf.
func steps(start time.Time, tf Timeframe, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.Add(time.Duration(i) * tf.Width())
	}
	return out
}

func mkFrame(t *testing.T, symbol string, tf Timeframe, index []time.Time, bars []Bar) *OHLCFrame {
	t.Helper()
	require.Len(t, bars, len(index))
	return &OHLCFrame{Symbol: symbol, Timeframe: tf, Index: index, Bars: bars}
}

// walkBars builds a deterministic, valid bar sequence.
func walkBars(n int) []Bar {
	bars := make([]Bar, n)
	price := 100.0
	for i := range bars {
		move := float64((i*7)%11) - 5
		open := price
		close := price + move
		hi, lo := open, close
		if close > open {
			hi, lo = close, open
		}
		bars[i] = Bar{Open: open, High: hi + float64(i%3), Low: lo - float64(i%2), Close: close}
		price = close
	}
	return bars
}

func mkSignal(t *testing.T, symbol string, name Field, tf Timeframe, index []time.Time, values []bool) *SignalSeries {
	t.Helper()
	s, err := NewSeries(symbol, name, tf, index, values)
	require.NoError(t, err)
	return s
}

// testDataset holds two symbols at 15m with a native 4h frame for BTCUSDT,
// an RSI indicator and entry/exit signals.
func testDataset(t *testing.T) *Dataset {
	t.Helper()
	ds := NewDataset(TF15m)
	idx := steps(day0, TF15m, 96*3)
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		ds.AddFrame(mkFrame(t, sym, TF15m, idx, walkBars(len(idx))))
		ds.AddIndex(TF15m, idx)

		rsi := make([]float64, len(idx))
		entries := make([]bool, len(idx))
		for i := range rsi {
			rsi[i] = float64(30 + i%40)
			entries[i] = i%37 == 0
		}
		ds.AddSeries(&TimeSeries{Symbol: sym, Field: "RSI", Timeframe: TF15m, Index: idx, Values: rsi})
		ds.AddSignal(mkSignal(t, sym, "entries", TF15m, idx, entries))
	}
	native4h := steps(day0, TF4h, 18)
	bars := make([]Bar, len(native4h))
	for i := range bars {
		bars[i] = Bar{Open: 1, High: 2, Low: 0.5, Close: 1.5}
	}
	ds.AddFrame(mkFrame(t, "BTCUSDT", TF4h, native4h, bars))
	ds.Trades = NewTradeLog([]Trade{
		{ID: "1", Symbol: "ETHUSDT", Direction: DirectionLong, Status: TradeClosed, EntryTime: at(1, 0), ExitTime: at(5, 0)},
		{ID: "2", Symbol: "BTCUSDT", Direction: DirectionShort, Status: TradeClosed, EntryTime: at(2, 0), ExitTime: at(3, 0)},
		{ID: "3", Symbol: "ETHUSDT", Direction: DirectionShort, Status: TradeOpen, EntryTime: at(30, 0)},
	})
	return ds
}
