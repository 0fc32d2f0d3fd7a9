package stats

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func portfolio() Record {
	return Record{Scope: WholePortfolio, Metrics: []Metric{
		{Name: "Total Return [%]", Value: Number(decimal.RequireFromString("12.3456789012"))},
		{Name: "Total Trades", Value: Number(decimal.NewFromInt(42))},
		{Name: "Avg Winning Trade Duration", Value: Duration(2*time.Hour + 30*time.Minute + 500*time.Millisecond)},
		{Name: "Avg Losing Trade Duration", Value: Duration(-30*time.Minute - 250*time.Millisecond)},
	}}
}

func TestBuildShape(t *testing.T) {
	perSymbol := map[string]Record{
		"BTCUSDT": {Scope: "BTCUSDT", Metrics: []Metric{
			{Name: "Total Trades", Value: Number(decimal.NewFromInt(30))},
			{Name: "Max Gross Exposure [%]", Value: Float(100)},
		}},
		"ETHUSDT": {Scope: "ETHUSDT", Metrics: []Metric{
			{Name: "Total Trades", Value: Number(decimal.NewFromInt(12))},
			{Name: "Avg Winning Trade Duration", Value: Text("0 days 01:00:00.999999")},
		}},
	}

	tbl, err := NewAggregator(Options{}).Build(portfolio(), perSymbol, []string{"ETHUSDT", "BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Metrics", "WholePortfolio", "ETHUSDT", "BTCUSDT"}, tbl.Header())
	metrics := make([]string, len(tbl.Rows))
	for i, r := range tbl.Rows {
		metrics[i] = r.Metric
	}
	assert.Equal(t, []string{
		"Total Return [%]", "Total Trades", "Avg Winning Trade Duration", "Avg Losing Trade Duration", "Max Gross Exposure [%]",
	}, metrics)

	cell := func(m, e string) string {
		v, ok := tbl.Cell(m, e)
		require.True(t, ok, "%s/%s", m, e)
		return v
	}
	assert.Equal(t, "12.3456789012", cell("Total Return [%]", WholePortfolio))
	assert.Equal(t, NotApplicable, cell("Total Return [%]", "BTCUSDT"))
	assert.Equal(t, "30", cell("Total Trades", "BTCUSDT"))
	assert.Equal(t, NotApplicable, cell("Max Gross Exposure [%]", WholePortfolio))
	assert.Equal(t, "100", cell("Max Gross Exposure [%]", "BTCUSDT"))
}

func TestBuildFloorsDurationRows(t *testing.T) {
	perSymbol := map[string]Record{
		"ETHUSDT": {Metrics: []Metric{{Name: "Avg Winning Trade Duration", Value: Text("0 days 01:00:00.999999")}}},
	}
	tbl, err := NewAggregator(Options{}).Build(portfolio(), perSymbol, []string{"ETHUSDT"})
	require.NoError(t, err)

	v, _ := tbl.Cell("Avg Winning Trade Duration", WholePortfolio)
	assert.Equal(t, "0 days 02:30:00", v)
	v, _ = tbl.Cell("Avg Winning Trade Duration", "ETHUSDT")
	assert.Equal(t, "0 days 01:00:00", v)
	v, _ = tbl.Cell("Avg Losing Trade Duration", WholePortfolio)
	assert.Equal(t, "-1 days +23:29:59", v)
	for _, row := range tbl.Rows {
		for _, c := range row.Cells {
			assert.NotContains(t, c, ".999")
		}
	}
}

func TestBuildMissingSymbolColumn(t *testing.T) {
	tbl, err := NewAggregator(Options{NotApplicable: "-"}).Build(portfolio(), nil, []string{"SOLUSDT"})
	require.NoError(t, err)
	col, ok := tbl.Column("SOLUSDT")
	require.True(t, ok)
	require.Len(t, col, 4)
	for _, m := range col {
		assert.Equal(t, "-", m.Value.String())
	}
}

func TestBuildRejectsPortfolioNamedSymbol(t *testing.T) {
	_, err := NewAggregator(Options{}).Build(portfolio(), nil, []string{WholePortfolio})
	assert.Error(t, err)
}

func TestRecordsKeyedByHeader(t *testing.T) {
	tbl, err := NewAggregator(Options{}).Build(portfolio(), nil, []string{"BTCUSDT"})
	require.NoError(t, err)
	recs := tbl.Records()
	require.Len(t, recs, 4)
	assert.Equal(t, map[string]string{
		"Metrics": "Total Trades", "WholePortfolio": "42", "BTCUSDT": NotApplicable,
	}, recs[1])
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0 days 00:00:00"},
		{26*time.Hour + 5*time.Second, "1 days 02:00:05"},
		{1500 * time.Millisecond, "0 days 00:00:01.500000"},
		{time.Nanosecond, "0 days 00:00:00.000000001"},
		{-30 * time.Minute, "-1 days +23:30:00"},
		{-49 * time.Hour, "-3 days +23:00:00"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.d))
			back, err := ParseDuration(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.d, back)
		})
	}
}

func TestParseValue(t *testing.T) {
	doc, err := DecodeDocument(strings.NewReader(`{
		"portfolio": [
			{"metric": "Start", "value": "2024-01-02 00:00:00"},
			{"metric": "Total Return [%]", "value": 0.1000000000000000055511151231257827},
			{"metric": "Sharpe Ratio", "value": "nan"},
			{"metric": "Avg Winning Trade Duration", "value": "0 days 03:14:15.926535"},
			{"metric": "Open", "value": true},
			{"metric": "Period", "value": "180 days"}
		],
		"symbols": {"BTCUSDT": [{"metric": "Total Trades", "value": 7}]}
	}`))
	require.NoError(t, err)

	kinds := make([]Kind, len(doc.Portfolio.Metrics))
	for i, m := range doc.Portfolio.Metrics {
		kinds[i] = m.Value.Kind
	}
	assert.Equal(t, []Kind{KindTime, KindNumber, KindText, KindDuration, KindBool, KindText}, kinds)
	v, _ := doc.Portfolio.Get("Total Return [%]")
	assert.Equal(t, "0.1000000000000000055511151231257827", v.String())
	assert.Equal(t, WholePortfolio, doc.Portfolio.Scope)
	n, ok := doc.Symbols["BTCUSDT"].Get("Total Trades")
	require.True(t, ok)
	assert.Equal(t, "7", n.String())

	_, err = DecodeDocument(strings.NewReader(`{"portfolio": [{"value": 1}]}`))
	assert.Error(t, err)
}

func TestBuildKeepsExportedSpelling(t *testing.T) {
	doc, err := DecodeDocument(strings.NewReader(`{
		"portfolio": [
			{"metric": "Start", "value": "2024-01-02 00:00:00+02:00"},
			{"metric": "Total Return [%]", "value": 1.50e-5},
			{"metric": "Sharpe Ratio", "value": "nan"},
			{"metric": "Max Drawdown Duration", "value": "3 days 00:00:00"},
			{"metric": "Avg Winning Trade Duration", "value": "0 days 03:14:15.926535"},
			{"metric": "Profit Factor", "value": null}
		]
	}`))
	require.NoError(t, err)

	tbl, err := NewAggregator(Options{}).Build(doc.Portfolio, nil, nil)
	require.NoError(t, err)
	want := map[string]string{
		"Start":                      "2024-01-02 00:00:00+02:00",
		"Total Return [%]":           "1.50e-5",
		"Sharpe Ratio":               "nan",
		"Max Drawdown Duration":      "3 days 00:00:00",
		"Avg Winning Trade Duration": "0 days 03:14:15",
		"Profit Factor":              NotApplicable,
	}
	for metric, exp := range want {
		got, ok := tbl.Cell(metric, WholePortfolio)
		require.True(t, ok, metric)
		assert.Equal(t, exp, got, metric)
	}
}
