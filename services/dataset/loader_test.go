package dataset

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"

	"backtest-dashboard/services/arrowpipeline"
	"backtest-dashboard/services/engine"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func file(s string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(s)} }

func testFS(t *testing.T) fstest.MapFS {
	t.Helper()
	p, err := arrowpipeline.NewPipeline(nil, nil)
	require.NoError(t, err)
	frame := &engine.OHLCFrame{Symbol: "BTCUSDT", Timeframe: engine.TF4h,
		Index: []time.Time{t0, t0.Add(4 * time.Hour)},
		Bars:  []engine.Bar{{Open: 1, High: 3, Low: 0.5, Close: 2}, {Open: 2, High: 4, Low: 1, Close: 3}}}
	arrowData, err := p.ConvertToArrow(frame)
	require.NoError(t, err)

	return fstest.MapFS{
		"prices/15m/Open.csv":    file("timestamp,BTCUSDT,ETHUSDT\n2024-01-01 00:00:00,1,10\n2024-01-01 00:15:00,1.5,\n"),
		"prices/15m/High.csv":    file("timestamp,BTCUSDT,ETHUSDT\n2024-01-01 00:00:00,2,11\n2024-01-01 00:15:00,3,nan\n"),
		"prices/15m/Low.csv":     file("timestamp,BTCUSDT,ETHUSDT\n2024-01-01 00:00:00,0.5,9\n2024-01-01 00:15:00,1,\n"),
		"prices/15m/Close.csv":   file("timestamp,BTCUSDT,ETHUSDT\n2024-01-01 00:00:00,1.5,10.5\n2024-01-01 00:15:00,2.5,\n"),
		"prices/15m/Volume.csv":  file("timestamp,BTCUSDT\n2024-01-01 00:00:00,100\n"),
		"prices/4h.arrow":        {Data: arrowData},
		"prices/weekly/Open.csv": file("timestamp,BTCUSDT\n"),

		"indicators/15m/RSI.csv":  file("timestamp,BTCUSDT\n1704067200000,55.5\n1704068100000,NaN\n"),
		"signals/15m/entries.csv": file("timestamp,BTCUSDT\n2024-01-01T00:00:00Z,True\n2024-01-01T00:15:00Z,0\n"),

		"trades.csv": file("Exit Trade Id,Column,Size,Entry Timestamp,Avg Entry Price,Exit Timestamp,Avg Exit Price,PnL,Return,Direction,Status\n" +
			"0,BTCUSDT,1,2024-01-01 00:00:00,1.5,2024-01-01 00:15:00,2.5,1,0.66,Long,Closed\n" +
			"1,ETHUSDT,2,2024-01-01 00:00:00,10.5,NaT,NaN,-0.2,-0.01,Short,Open\n"),
		"stats.json": file(`{"portfolio":[{"metric":"Total Return [%]","value":12.5}],"symbols":{"BTCUSDT":[{"metric":"Total Return [%]","value":20}]}}`),
	}
}

func TestLoadDirectory(t *testing.T) {
	p, err := arrowpipeline.NewPipeline(nil, nil)
	require.NoError(t, err)
	exp, err := NewLoaderFS(testFS(t), "test", p, nil).Load(context.Background(), engine.TF15m)
	require.NoError(t, err)
	ds := exp.Dataset

	assert.Equal(t, []time.Time{t0, t0.Add(15 * time.Minute)}, ds.Index[engine.TF15m])

	ethOpen, ok := ds.Prices.Lookup("ETHUSDT", engine.FieldOpen, engine.TF15m)
	require.True(t, ok)
	assert.Equal(t, []float64{10}, ethOpen.Values)
	_, ok = ds.Prices.Lookup("BTCUSDT", "Volume", engine.TF15m)
	assert.False(t, ok)

	native, ok := ds.Prices.Lookup("BTCUSDT", engine.FieldClose, engine.TF4h)
	require.True(t, ok)
	assert.Equal(t, []float64{2, 3}, native.Values)
	assert.Len(t, ds.Index[engine.TF4h], 2)

	rsi, ok := ds.Indicators.Lookup("BTCUSDT", "RSI", engine.TF15m)
	require.True(t, ok)
	assert.Equal(t, []float64{55.5}, rsi.Values)

	entries, ok := ds.Signals.Lookup("BTCUSDT", "entries", engine.TF15m)
	require.True(t, ok)
	assert.Equal(t, []bool{true, false}, entries.Values)

	require.Equal(t, 2, ds.Trades.Len())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, ds.Trades.Symbols())
	trades := ds.Trades.All()
	assert.Equal(t, engine.TradeClosed, trades[0].Status)
	assert.Equal(t, t0.Add(15*time.Minute), trades[0].ExitTime)
	assert.True(t, trades[1].IsOpen())
	assert.Equal(t, engine.DirectionShort, trades[1].Direction)

	require.NotNil(t, exp.Stats)
	v, ok := exp.Stats.Symbols["BTCUSDT"].Get("Total Return [%]")
	require.True(t, ok)
	assert.Equal(t, "20", v.String())
}

func TestLoadEmptyDirectory(t *testing.T) {
	exp, err := NewLoaderFS(fstest.MapFS{}, "empty", nil, nil).Load(context.Background(), engine.TF15m)
	require.NoError(t, err)
	assert.Equal(t, 0, exp.Dataset.Prices.Len())
	assert.Equal(t, 0, exp.Dataset.Trades.Len())
	assert.Nil(t, exp.Stats)
}

func TestLoadRejectsUnorderedRows(t *testing.T) {
	fsys := fstest.MapFS{
		"prices/15m/Open.csv": file("timestamp,BTCUSDT\n2024-01-01 00:15:00,1\n2024-01-01 00:00:00,2\n"),
	}
	_, err := NewLoaderFS(fsys, "bad", nil, nil).Load(context.Background(), engine.TF15m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prices/15m/Open.csv")
}

func TestReadTradesRequiresColumns(t *testing.T) {
	_, err := ReadTrades(strings.NewReader("symbol,entry_time\nBTCUSDT,2024-01-01\n"))
	assert.ErrorContains(t, err, "direction")
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-01 00:15:00", t0.Add(15 * time.Minute)},
		{"2024-01-01T00:15:00Z", t0.Add(15 * time.Minute)},
		{"2024-01-01 02:15:00+02:00", t0.Add(15 * time.Minute)},
		{"1704067200000", t0},
		{"2024-01-01", t0},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
	}
	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestReadOHLCCSVUTF16(t *testing.T) {
	src := "timestamp,open,high,low,close,volume\n1704067200000,1,2,0.5,1.5,10\n1704068100000,1.5,3,1,2.5,20\n"
	enc, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().String(src)
	require.NoError(t, err)

	frame, err := ReadOHLCCSV(strings.NewReader(enc), "BTCUSDT", engine.TF15m)
	require.NoError(t, err)
	require.Equal(t, 2, frame.Len())
	assert.Equal(t, engine.Bar{Open: 1.5, High: 3, Low: 1, Close: 2.5}, frame.Bars[1])

	var buf bytes.Buffer
	require.NoError(t, WriteOHLCCSV(&buf, frame))
	back, err := ReadOHLCCSV(&buf, "BTCUSDT", engine.TF15m)
	require.NoError(t, err)
	assert.Equal(t, frame.Bars, back.Bars)
	assert.Equal(t, frame.Index, back.Index)
}
