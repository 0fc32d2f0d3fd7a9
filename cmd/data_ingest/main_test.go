package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"backtest-dashboard/services/config"
	"backtest-dashboard/services/engine"
)

func writeExport(t *testing.T, withPrices bool) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"trades.csv": "Exit Trade Id,Column,Size,Entry Timestamp,Avg Entry Price,Exit Timestamp,Avg Exit Price,PnL,Return,Direction,Status\n" +
			"0,BTCUSDT,1,2024-01-01 00:00:00,1.5,2024-01-01 00:15:00,2.5,1,0.66,Long,Closed\n",
		"signals/15m/entries.csv": "timestamp,BTCUSDT\n2024-01-01 00:00:00,1\n2024-01-01 00:15:00,0\n",
	}
	if withPrices {
		for _, f := range engine.PriceFields {
			files["prices/15m/"+string(f)+".csv"] = "timestamp,BTCUSDT\n2024-01-01 00:00:00,2\n2024-01-01 00:15:00,2\n"
		}
	}
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

func newIngester(t *testing.T, handler http.HandlerFunc) *DataIngester {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.ClickHouse.HTTPURL = srv.URL
	return NewDataIngester(cfg, 100, zap.NewNop())
}

func TestRunPublishesExport(t *testing.T) {
	var inserts, ledgerChecks atomic.Int32
	di := newIngester(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		q := r.URL.Query().Get("query")
		switch {
		case strings.HasPrefix(q, "SELECT count()"):
			ledgerChecks.Add(1)
			io.WriteString(w, "0\n")
		case strings.HasPrefix(q, "INSERT INTO "):
			inserts.Add(1)
		default:
			http.Error(w, "unexpected", http.StatusBadRequest)
		}
	})

	res, err := di.Run(context.Background(), writeExport(t, true), false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Bars)
	assert.Equal(t, 2, res.Signals)
	assert.Equal(t, 1, res.Trades)
	assert.Zero(t, res.Indicators)
	assert.Equal(t, int32(1), ledgerChecks.Load())
	// bars, signals, trades and the ledger row; the empty indicator table is not sent.
	assert.Equal(t, int32(4), inserts.Load())
}

func TestRunForceSkipsLedger(t *testing.T) {
	var ledgerChecks atomic.Int32
	di := newIngester(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if strings.HasPrefix(r.URL.Query().Get("query"), "SELECT") {
			ledgerChecks.Add(1)
		}
	})

	res, err := di.Run(context.Background(), writeExport(t, true), true)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Zero(t, ledgerChecks.Load())
}

func TestRunRefusesIncompleteExport(t *testing.T) {
	var calls atomic.Int32
	di := newIngester(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })

	_, err := di.Run(context.Background(), writeExport(t, false), false)
	var incomplete *engine.IncompleteDataError
	require.ErrorAs(t, err, &incomplete)
	assert.Zero(t, calls.Load())
}
