// Command resample_csv resamples a single-symbol OHLC CSV to a coarser
// timeframe with the same epoch-aligned rules the dashboard uses.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"backtest-dashboard/services/dataset"
	"backtest-dashboard/services/engine"
)

type options struct {
	in, out, symbol string
	src, dst        engine.Timeframe
}

func run(opts options, logger *zap.Logger) error {
	f, err := os.Open(opts.in)
	if err != nil {
		return err
	}
	defer f.Close()

	frame, err := dataset.ReadOHLCCSV(bufio.NewReader(f), opts.symbol, opts.src)
	if err != nil {
		return fmt.Errorf("%s: %w", opts.in, err)
	}
	if frame.Len() == 0 {
		return fmt.Errorf("%s: no input bars parsed", opts.in)
	}
	for i, b := range frame.Bars {
		if !b.Valid() {
			logger.Warn("bar violates OHLC invariant", zap.Time("ts", frame.Index[i]))
		}
	}

	out, err := engine.ResampleOHLC(frame, opts.dst)
	if err != nil {
		return err
	}

	of, err := os.Create(opts.out)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(of)
	if err := dataset.WriteOHLCCSV(w, out); err != nil {
		of.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		of.Close()
		return err
	}
	if err := of.Close(); err != nil {
		return err
	}
	logger.Info("resampled",
		zap.String("in", opts.in),
		zap.String("out", opts.out),
		zap.String("src", string(opts.src)),
		zap.String("dst", string(opts.dst)),
		zap.Int("bars_in", frame.Len()),
		zap.Int("bars_out", out.Len()))
	return nil
}

func main() {
	in := flag.String("in", "", "Input CSV (timestamp,open,high,low,close[,volume])")
	out := flag.String("out", "", "Output CSV path")
	symbol := flag.String("symbol", "", "Symbol label for log lines")
	src := flag.String("src", "5m", "Source timeframe (e.g., 5m)")
	dst := flag.String("dst", "15m", "Target timeframe (e.g., 4h)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *in == "" || *out == "" {
		logger.Fatal("-in and -out are required")
	}
	srcTF, err := engine.ParseTimeframe(*src)
	if err != nil {
		logger.Fatal("bad -src", zap.Error(err))
	}
	dstTF, err := engine.ParseTimeframe(*dst)
	if err != nil {
		logger.Fatal("bad -dst", zap.Error(err))
	}

	if err := run(options{in: *in, out: *out, symbol: *symbol, src: srcTF, dst: dstTF}, logger); err != nil {
		logger.Fatal("resample failed", zap.Error(err))
	}
}
