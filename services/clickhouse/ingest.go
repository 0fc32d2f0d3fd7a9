package clickhouse

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"backtest-dashboard/services/engine"
)

// LedgerTable records every published dataset by manifest checksum.
const LedgerTable = "publish_ledger"

// Publisher writes a Dataset into the tables Client.Load reads, so a file
// export can be served from ClickHouse.
type Publisher struct {
	cfg        Config
	httpClient *http.Client
	batchSize  int
	logger     *zap.Logger
	now        func() time.Time
}

func NewPublisher(cfg Config, batchSize int, httpClient *http.Client, logger *zap.Logger) *Publisher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{cfg: cfg, httpClient: httpClient, batchSize: batchSize, logger: logger, now: time.Now}
}

// PublishResult counts rows written per table.
type PublishResult struct {
	Bars       int
	Indicators int
	Signals    int
	Trades     int
	// Skipped is set when the ledger already holds the checksum.
	Skipped bool
}

type barRow struct {
	Symbol     string   `json:"symbol"`
	Interval   string   `json:"interval"`
	OpenTimeMs int64    `json:"open_time_ms"`
	Open       *float64 `json:"open"`
	High       *float64 `json:"high"`
	Low        *float64 `json:"low"`
	Close      *float64 `json:"close"`
}

type valueRow[V any] struct {
	Symbol     string `json:"symbol"`
	Interval   string `json:"interval"`
	Name       string `json:"name"`
	OpenTimeMs int64  `json:"open_time_ms"`
	Value      V      `json:"value"`
}

type tradeRow struct {
	ID          string   `json:"id"`
	Symbol      string   `json:"symbol"`
	Direction   string   `json:"direction"`
	Status      string   `json:"status"`
	Size        float64  `json:"size"`
	EntryTimeMs int64    `json:"entry_time_ms"`
	EntryPrice  float64  `json:"entry_price"`
	ExitTimeMs  *int64   `json:"exit_time_ms"`
	ExitPrice   *float64 `json:"exit_price"`
	PnL         float64  `json:"pnl"`
	Return      float64  `json:"return"`
}

type ledgerRow struct {
	Checksum    string `json:"checksum"`
	Rows        int    `json:"row_count"`
	PublishedAt string `json:"published_at"`
}

// Publish uploads ds. When checksum is non-empty and already in the ledger
// nothing is written; otherwise the checksum is recorded after all tables
// are flushed.
func (p *Publisher) Publish(ctx context.Context, ds *engine.Dataset, checksum string) (PublishResult, error) {
	var res PublishResult
	if checksum != "" {
		done, err := p.published(ctx, checksum)
		if err != nil {
			return res, fmt.Errorf("ledger check error: %w", err)
		}
		if done {
			p.logger.Info("dataset already published, skipping", zap.String("checksum", checksum))
			res.Skipped = true
			return res, nil
		}
	}

	var err error
	if res.Bars, err = p.publishBars(ctx, ds); err != nil {
		return res, err
	}
	if res.Indicators, err = publishValues(ctx, p, p.cfg.IndicatorTable, ds.Indicators, nullable); err != nil {
		return res, err
	}
	if res.Signals, err = publishValues(ctx, p, p.cfg.SignalsTable, ds.Signals, boolCell); err != nil {
		return res, err
	}
	if res.Trades, err = p.publishTrades(ctx, ds.Trades); err != nil {
		return res, err
	}

	if checksum != "" {
		total := res.Bars + res.Indicators + res.Signals + res.Trades
		if err := p.recordLedger(ctx, checksum, total); err != nil {
			return res, err
		}
	}
	p.logger.Info("dataset published",
		zap.String("database", p.cfg.Database),
		zap.Int("bars", res.Bars),
		zap.Int("indicators", res.Indicators),
		zap.Int("signals", res.Signals),
		zap.Int("trades", res.Trades))
	return res, nil
}

func (p *Publisher) writer(table string) *BatchWriter {
	return NewBatchWriter(p.cfg, table, p.batchSize, p.httpClient)
}

// publishBars writes one row per timestamp present in any price column.
// Columns lacking that timestamp are sent as NULL.
func (p *Publisher) publishBars(ctx context.Context, ds *engine.Dataset) (int, error) {
	w := p.writer(p.cfg.BarsTable)
	for _, tf := range ds.Prices.Timeframes() {
		for _, sym := range ds.Prices.Symbols(tf) {
			rows := map[int64]*barRow{}
			for i, f := range engine.PriceFields {
				s, ok := ds.Prices.Lookup(sym, f, tf)
				if !ok {
					continue
				}
				for j, t := range s.Index {
					ms := t.UnixMilli()
					r, ok := rows[ms]
					if !ok {
						r = &barRow{Symbol: sym, Interval: string(tf), OpenTimeMs: ms}
						rows[ms] = r
					}
					v := nullable(s.Values[j])
					switch i {
					case 0:
						r.Open = v
					case 1:
						r.High = v
					case 2:
						r.Low = v
					case 3:
						r.Close = v
					}
				}
			}
			keys := make([]int64, 0, len(rows))
			for ms := range rows {
				keys = append(keys, ms)
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
			for _, ms := range keys {
				if err := w.Add(ctx, rows[ms]); err != nil {
					return w.Written(), err
				}
			}
		}
	}
	if err := w.Close(ctx); err != nil {
		return w.Written(), err
	}
	return w.Written(), nil
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

func boolCell(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

func publishValues[V engine.Value, C any](ctx context.Context, p *Publisher, table string, set engine.SeriesSet[V], cell func(V) C) (int, error) {
	w := p.writer(table)
	for _, tf := range set.Timeframes() {
		for _, sym := range set.Symbols(tf) {
			for _, f := range set.Fields(sym, tf) {
				s, _ := set.Lookup(sym, f, tf)
				for i, t := range s.Index {
					row := valueRow[C]{Symbol: sym, Interval: string(tf), Name: string(f), OpenTimeMs: t.UnixMilli(), Value: cell(s.Values[i])}
					if err := w.Add(ctx, row); err != nil {
						return w.Written(), err
					}
				}
			}
		}
	}
	if err := w.Close(ctx); err != nil {
		return w.Written(), err
	}
	return w.Written(), nil
}

func (p *Publisher) publishTrades(ctx context.Context, log *engine.TradeLog) (int, error) {
	if log == nil {
		return 0, nil
	}
	w := p.writer(p.cfg.TradesTable)
	for _, t := range log.All() {
		row := tradeRow{
			ID: t.ID, Symbol: t.Symbol, Direction: string(t.Direction), Status: string(t.Status),
			Size: t.Size, EntryTimeMs: t.EntryTime.UnixMilli(), EntryPrice: t.EntryPrice,
			PnL: t.PnL, Return: t.Return,
		}
		if !t.ExitTime.IsZero() {
			ms := t.ExitTime.UnixMilli()
			price := t.ExitPrice
			row.ExitTimeMs, row.ExitPrice = &ms, &price
		}
		if err := w.Add(ctx, row); err != nil {
			return w.Written(), err
		}
	}
	if err := w.Close(ctx); err != nil {
		return w.Written(), err
	}
	return w.Written(), nil
}

func (p *Publisher) published(ctx context.Context, checksum string) (bool, error) {
	query := fmt.Sprintf("SELECT count() FROM %s.%s WHERE checksum = {checksum:String} FORMAT TabSeparated", p.cfg.Database, LedgerTable)
	out, err := postQuery(ctx, p.httpClient, p.cfg.HTTPURL, query, map[string]string{"checksum": checksum}, p.cfg.Username, p.cfg.Password, nil, false)
	if err != nil {
		return false, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return false, fmt.Errorf("parse ledger count %q: %w", out, err)
	}
	return n > 0, nil
}

func (p *Publisher) recordLedger(ctx context.Context, checksum string, rows int) error {
	w := p.writer(LedgerTable)
	row := ledgerRow{Checksum: checksum, Rows: rows, PublishedAt: p.now().UTC().Format("2006-01-02 15:04:05")}
	if err := w.Add(ctx, row); err != nil {
		return err
	}
	return w.Close(ctx)
}
