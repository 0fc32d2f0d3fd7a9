package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"backtest-dashboard/services/engine"
)

func TestRunResamplesToCoarserTimeframe(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.csv")
	out := filepath.Join(dir, "out.csv")
	// 00:00, 00:05, 00:10 fall in the first 15m bucket, 00:20 in the second.
	require.NoError(t, os.WriteFile(in, []byte(
		"timestamp,open,high,low,close,volume\n"+
			"1704067200000,10,11,9,10.5,1\n"+
			"1704067500000,10.5,13,10,12,1\n"+
			"1704067800000,12,12.5,8,9,1\n"+
			"1704068400000,9,9.5,8.5,9.2,1\n"), 0o644))

	err := run(options{in: in, out: out, symbol: "BTCUSDT", src: engine.TF5m, dst: engine.TF15m}, zap.NewNop())
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t,
		"timestamp,open,high,low,close\n"+
			"1704067200000,10,13,8,9\n"+
			"1704068100000,9,9.5,8.5,9.2\n", string(got))
}

func TestRunRejectsFinerTarget(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.csv")
	require.NoError(t, os.WriteFile(in, []byte("1704067200000,10,11,9,10.5\n"), 0o644))

	err := run(options{in: in, out: filepath.Join(dir, "out.csv"), src: engine.TF15m, dst: engine.TF5m}, zap.NewNop())
	var itf *engine.InvalidTimeframeError
	assert.ErrorAs(t, err, &itf)
}
