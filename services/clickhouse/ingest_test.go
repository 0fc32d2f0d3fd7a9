package clickhouse

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest-dashboard/services/engine"
)

// fakeHTTP is a ClickHouse HTTP interface that keeps inserted rows per table.
type fakeHTTP struct {
	mu       sync.Mutex
	rows     map[string][]map[string]any
	ledger   string
	inserts  int
	checksum string
}

func (f *fakeHTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	query := r.URL.Query().Get("query")
	if strings.HasPrefix(query, "SELECT count()") {
		f.checksum = r.URL.Query().Get("param_checksum")
		w.Write([]byte(f.ledger + "\n"))
		return
	}
	if !strings.HasPrefix(query, "INSERT INTO ") {
		http.Error(w, "unexpected query", http.StatusBadRequest)
		return
	}
	table := strings.Fields(query)[2]
	gz, err := gzip.NewReader(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		var row map[string]any
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.rows[table] = append(f.rows[table], row)
	}
	f.inserts++
}

func publishFixture() *engine.Dataset {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ds := engine.NewDataset(engine.TF15m)
	idx := []time.Time{t0, t0.Add(15 * time.Minute)}
	for _, f := range engine.PriceFields {
		vals := []float64{1, 2}
		idx := idx
		if f == engine.FieldLow {
			vals, idx = vals[:1], idx[:1]
		}
		ds.AddSeries(&engine.TimeSeries{Symbol: "BTCUSDT", Field: f, Timeframe: engine.TF15m, Index: idx, Values: vals})
	}
	ds.AddSeries(&engine.TimeSeries{Symbol: "BTCUSDT", Field: "ema", Timeframe: engine.TF15m, Index: idx, Values: []float64{1.5, 1.75}})
	ds.AddSignal(&engine.SignalSeries{Symbol: "BTCUSDT", Field: "entries", Timeframe: engine.TF15m, Index: idx, Values: []bool{false, true}})
	ds.Trades = engine.NewTradeLog([]engine.Trade{
		{ID: "1", Symbol: "BTCUSDT", Direction: engine.DirectionLong, Status: engine.TradeOpen, EntryTime: idx[1], EntryPrice: 2},
	})
	return ds
}

func newFakePublisher(t *testing.T, ledger string) (*Publisher, *fakeHTTP) {
	t.Helper()
	fake := &fakeHTTP{rows: map[string][]map[string]any{}, ledger: ledger}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	cfg := Config{
		HTTPURL: srv.URL, Database: "bt",
		BarsTable: "bars", IndicatorTable: "indicators", SignalsTable: "signals", TradesTable: "trades",
	}
	return NewPublisher(cfg, 1, srv.Client(), nil), fake
}

func TestPublishWritesEveryTable(t *testing.T) {
	p, fake := newFakePublisher(t, "0")

	res, err := p.Publish(context.Background(), publishFixture(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, PublishResult{Bars: 2, Indicators: 2, Signals: 2, Trades: 1}, res)
	assert.Equal(t, "abc123", fake.checksum)

	bars := fake.rows["bt.bars"]
	require.Len(t, bars, 2)
	assert.Equal(t, float64(1704067200000), bars[0]["open_time_ms"])
	assert.Equal(t, float64(1), bars[0]["low"])
	assert.Nil(t, bars[1]["low"])
	assert.Equal(t, "15m", bars[1]["interval"])

	assert.Equal(t, float64(1), fake.rows["bt.signals"][1]["value"])
	assert.Equal(t, "ema", fake.rows["bt.indicators"][0]["name"])

	trade := fake.rows["bt.trades"][0]
	assert.Equal(t, "Long", trade["direction"])
	assert.Nil(t, trade["exit_time_ms"])

	ledger := fake.rows["bt."+LedgerTable]
	require.Len(t, ledger, 1)
	assert.Equal(t, float64(7), ledger[0]["row_count"])
}

func TestPublishSkipsKnownChecksum(t *testing.T) {
	p, fake := newFakePublisher(t, "1")

	res, err := p.Publish(context.Background(), publishFixture(), "abc123")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, fake.inserts)
}

func TestBatchWriterReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Code: 60. Table bt.bars does not exist", http.StatusNotFound)
	}))
	defer srv.Close()

	w := NewBatchWriter(Config{HTTPURL: srv.URL, Database: "bt"}, "bars", 10, srv.Client())
	require.NoError(t, w.Add(context.Background(), barRow{Symbol: "X"}))
	err := w.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clickhouse error 404")
	assert.Zero(t, w.Written())
}
