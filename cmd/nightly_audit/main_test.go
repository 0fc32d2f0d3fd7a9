package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"backtest-dashboard/services/config"
	"backtest-dashboard/services/engine"
	"backtest-dashboard/services/stats"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func auditDataset(bars int) *engine.Dataset {
	ds := engine.NewDataset(engine.TF15m)
	f := &engine.OHLCFrame{Symbol: "BTCUSDT", Timeframe: engine.TF15m}
	for i := 0; i < bars; i++ {
		c := 100 + float64(i)
		f.Index = append(f.Index, day0.Add(time.Duration(i)*15*time.Minute))
		f.Bars = append(f.Bars, engine.Bar{Open: c, High: c + 1, Low: c - 1, Close: c + 0.5})
	}
	ds.AddFrame(f)
	ds.AddIndex(engine.TF15m, f.Index)
	ds.Trades = engine.NewTradeLog([]engine.Trade{
		{ID: "1", Symbol: "BTCUSDT", Direction: engine.DirectionLong, Status: engine.TradeClosed,
			EntryTime: day0.Add(time.Hour), EntryPrice: 104, ExitTime: day0.Add(2 * time.Hour), ExitPrice: 108},
	})
	return ds
}

func newAudit(t *testing.T, ds *engine.Dataset, doc *stats.Document) *NightlyAudit {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	na := NewNightlyAudit(cfg, ds, doc, zap.NewNop())
	na.now = func() time.Time { return day0 }
	return na
}

func statuses(results []*AuditResult) map[string]string {
	out := make(map[string]string, len(results))
	for _, r := range results {
		out[r.CheckName] = r.Status
	}
	return out
}

func TestAuditCleanDataset(t *testing.T) {
	doc := &stats.Document{Symbols: map[string]stats.Record{"BTCUSDT": {Scope: "BTCUSDT"}}}
	na := newAudit(t, auditDataset(16), doc)

	results := na.runAllChecks()
	require.Len(t, results, 8)
	for _, r := range results {
		assert.Equal(t, statusPass, r.Status, "%s: %s", r.CheckName, r.Message)
	}
	assert.False(t, hasFailures(results))
	assert.NotEmpty(t, results[1].Details["checksum"])
}

func TestAuditFlagsIncompleteAndMissingStats(t *testing.T) {
	ds := auditDataset(16)
	ds.Trades = engine.NewTradeLog(append(ds.Trades.All(), engine.Trade{
		ID: "2", Symbol: "ETHUSDT", Direction: engine.DirectionShort, Status: engine.TradeOpen,
		EntryTime: day0, EntryPrice: 50,
	}))
	na := newAudit(t, ds, nil)

	results := na.runAllChecks()
	got := statuses(results)
	assert.Equal(t, statusFail, got["completeness"])
	assert.Equal(t, statusFail, got["store"])
	assert.Equal(t, statusFail, got["gaps"])
	assert.Equal(t, statusWarn, got["stats_coverage"])
	assert.True(t, hasFailures(results))
	assert.Equal(t, "Open,High,Low,Close", results[0].Details["ETHUSDT"])
}

func TestAuditWarnsOnBadBarsAndGaps(t *testing.T) {
	ds := engine.NewDataset(engine.TF15m)
	f := &engine.OHLCFrame{Symbol: "BTCUSDT", Timeframe: engine.TF15m,
		Index: []time.Time{day0, day0.Add(15 * time.Minute), day0.Add(time.Hour)},
		Bars: []engine.Bar{
			{Open: 10, High: 11, Low: 9, Close: 10},
			{Open: 10, High: 9, Low: 8, Close: 10},
			{Open: 10, High: 11, Low: 9, Close: 10},
		},
	}
	ds.AddFrame(f)
	ds.AddIndex(engine.TF15m, f.Index)
	na := newAudit(t, ds, &stats.Document{})

	got := statuses(na.runAllChecks())
	assert.Equal(t, statusPass, got["store"])
	assert.Equal(t, statusWarn, got["ohlc_invariants"])
	assert.Equal(t, statusWarn, got["gaps"])
	assert.Equal(t, statusPass, got["partial_frames"])
}

func TestAuditChecksumMismatchFails(t *testing.T) {
	na := newAudit(t, auditDataset(8), &stats.Document{})
	na.ExpectChecksum = "deadbeef"

	res, err := na.runStoreCheck()
	require.NoError(t, err)
	assert.Equal(t, statusFail, res.Status)
	assert.Equal(t, "deadbeef", res.Details["expected"])
}

func TestAuditTradeChecks(t *testing.T) {
	ds := auditDataset(8)
	ds.Trades = engine.NewTradeLog([]engine.Trade{
		{ID: "late", Symbol: "BTCUSDT", Direction: engine.DirectionLong, Status: engine.TradeOpen,
			EntryTime: day0.Add(48 * time.Hour), EntryPrice: 1},
		{ID: "inverted", Symbol: "BTCUSDT", Direction: engine.DirectionLong, Status: engine.TradeClosed,
			EntryTime: day0.Add(time.Hour), ExitTime: day0, EntryPrice: 1, ExitPrice: 2},
	})
	na := newAudit(t, ds, nil)

	res, err := na.runTradeCheck()
	require.NoError(t, err)
	assert.Equal(t, statusFail, res.Status)
	assert.Equal(t, "entry outside price history", res.Details["late"])
	assert.Equal(t, "exit before entry", res.Details["inverted"])
}

func TestWriteAuditReport(t *testing.T) {
	na := newAudit(t, auditDataset(4), nil)
	results := []*AuditResult{
		na.result("completeness", statusPass, "ok", nil),
		na.result("gaps", statusWarn, "Found 1 gap issues", map[string]interface{}{"b": 2, "a": 1}),
	}

	var sb strings.Builder
	require.NoError(t, na.writeAuditReport(&sb, results))
	report := sb.String()
	assert.Contains(t, report, "Generated: 2024-01-01T00:00:00Z")
	assert.Contains(t, report, "  Passed: 1\n  Warnings: 1\n  Failed: 0\n")
	assert.Contains(t, report, "Details:\n  a: 1\n  b: 2\n")
}
