package clickhouse

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"backtest-dashboard/services/engine"
)

// Conn is the part of driver.Conn the loader uses.
type Conn interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config mirrors config.ClickHouseConfig field for field so one converts to the other.
type Config struct {
	Addr           []string
	Database       string
	Username       string
	Password       string
	BarsTable      string
	SignalsTable   string
	IndicatorTable string
	TradesTable    string
	DialTimeout    time.Duration
	QueryTimeout   time.Duration
	// HTTPURL is the HTTP interface used by Publisher, e.g. http://localhost:8123.
	HTTPURL string
}

// Client loads backtest output from ClickHouse. Every table carries an
// interval column holding timeframe tokens ("15m", "4h") and open_time_ms in
// epoch milliseconds.
type Client struct {
	conn   Conn
	cfg    Config
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	return NewClientWithConn(conn, cfg, logger), nil
}

// NewClientWithConn wraps an existing connection.
func NewClientWithConn(conn Conn, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, cfg: cfg, logger: logger}
}

func (c *Client) Ping(ctx context.Context) error { return c.conn.Ping(ctx) }

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) table(name string) string { return c.cfg.Database + "." + name }

func (c *Client) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

// Load reads prices, indicators and signals at each timeframe plus the trade
// history into a Dataset with base as its base timeframe.
func (c *Client) Load(ctx context.Context, base engine.Timeframe, timeframes []engine.Timeframe) (*engine.Dataset, error) {
	ds := engine.NewDataset(base)
	tfs := append([]engine.Timeframe{base}, timeframes...)
	seen := map[engine.Timeframe]bool{}
	for _, tf := range tfs {
		if seen[tf] {
			continue
		}
		seen[tf] = true
		if err := c.loadBars(ctx, ds, tf); err != nil {
			return nil, err
		}
		if err := c.loadIndicators(ctx, ds, tf); err != nil {
			return nil, err
		}
		if err := c.loadSignals(ctx, ds, tf); err != nil {
			return nil, err
		}
	}
	trades, err := c.loadTrades(ctx)
	if err != nil {
		return nil, err
	}
	ds.Trades = engine.NewTradeLog(trades)
	c.logger.Info("clickhouse dataset loaded",
		zap.String("database", c.cfg.Database),
		zap.Int("price_series", ds.Prices.Len()),
		zap.Int("indicator_series", ds.Indicators.Len()),
		zap.Int("signal_series", ds.Signals.Len()),
		zap.Int("trades", len(trades)))
	return ds, nil
}

type cells[V engine.Value] struct {
	index  []time.Time
	values []V
}

type builder[V engine.Value] map[string]map[engine.Field]*cells[V]

func (b builder[V]) add(symbol string, field engine.Field, t time.Time, v V) {
	byField, ok := b[symbol]
	if !ok {
		byField = map[engine.Field]*cells[V]{}
		b[symbol] = byField
	}
	c, ok := byField[field]
	if !ok {
		c = &cells[V]{}
		byField[field] = c
	}
	c.index = append(c.index, t)
	c.values = append(c.values, v)
}

func (b builder[V]) series(tf engine.Timeframe) ([]*engine.Series[V], error) {
	var out []*engine.Series[V]
	for sym, byField := range b {
		for f, c := range byField {
			s, err := engine.NewSeries(sym, f, tf, c.index, c.values)
			if err != nil {
				return nil, fmt.Errorf("clickhouse: %w", err)
			}
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Client) loadBars(ctx context.Context, ds *engine.Dataset, tf engine.Timeframe) error {
	ctx, cancel := c.queryCtx(ctx)
	defer cancel()
	q := fmt.Sprintf(`
SELECT symbol, open_time_ms, open, high, low, close
FROM %s
WHERE interval = ?
ORDER BY symbol, open_time_ms`, c.table(c.cfg.BarsTable))
	rows, err := c.conn.Query(ctx, q, string(tf))
	if err != nil {
		return fmt.Errorf("query bars %s: %w", tf, err)
	}
	defer rows.Close()

	b := builder[float64]{}
	var index []time.Time
	for rows.Next() {
		var (
			sym        string
			ot         uint64
			o, h, l, x *float64
		)
		if err := rows.Scan(&sym, &ot, &o, &h, &l, &x); err != nil {
			return fmt.Errorf("scan bar: %w", err)
		}
		t := time.UnixMilli(int64(ot)).UTC()
		index = append(index, t)
		for i, v := range []*float64{o, h, l, x} {
			if v != nil {
				b.add(sym, engine.PriceFields[i], t, *v)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read bars %s: %w", tf, err)
	}
	series, err := b.series(tf)
	if err != nil {
		return err
	}
	for _, s := range series {
		ds.AddSeries(s)
	}
	if len(index) > 0 {
		ds.AddIndex(tf, dedupe(index))
	}
	return nil
}

func (c *Client) loadIndicators(ctx context.Context, ds *engine.Dataset, tf engine.Timeframe) error {
	ctx, cancel := c.queryCtx(ctx)
	defer cancel()
	q := fmt.Sprintf(`
SELECT symbol, name, open_time_ms, value
FROM %s
WHERE interval = ?
ORDER BY symbol, name, open_time_ms`, c.table(c.cfg.IndicatorTable))
	rows, err := c.conn.Query(ctx, q, string(tf))
	if err != nil {
		return fmt.Errorf("query indicators %s: %w", tf, err)
	}
	defer rows.Close()

	b := builder[float64]{}
	for rows.Next() {
		var (
			sym, name string
			ot        uint64
			v         *float64
		)
		if err := rows.Scan(&sym, &name, &ot, &v); err != nil {
			return fmt.Errorf("scan indicator: %w", err)
		}
		if v != nil {
			b.add(sym, engine.Field(name), time.UnixMilli(int64(ot)).UTC(), *v)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read indicators %s: %w", tf, err)
	}
	series, err := b.series(tf)
	if err != nil {
		return err
	}
	for _, s := range series {
		ds.AddSeries(s)
	}
	return nil
}

func (c *Client) loadSignals(ctx context.Context, ds *engine.Dataset, tf engine.Timeframe) error {
	ctx, cancel := c.queryCtx(ctx)
	defer cancel()
	q := fmt.Sprintf(`
SELECT symbol, name, open_time_ms, value
FROM %s
WHERE interval = ?
ORDER BY symbol, name, open_time_ms`, c.table(c.cfg.SignalsTable))
	rows, err := c.conn.Query(ctx, q, string(tf))
	if err != nil {
		return fmt.Errorf("query signals %s: %w", tf, err)
	}
	defer rows.Close()

	b := builder[bool]{}
	for rows.Next() {
		var (
			sym, name string
			ot        uint64
			v         uint8
		)
		if err := rows.Scan(&sym, &name, &ot, &v); err != nil {
			return fmt.Errorf("scan signal: %w", err)
		}
		b.add(sym, engine.Field(name), time.UnixMilli(int64(ot)).UTC(), v != 0)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read signals %s: %w", tf, err)
	}
	series, err := b.series(tf)
	if err != nil {
		return err
	}
	for _, s := range series {
		ds.AddSignal(s)
	}
	return nil
}

func (c *Client) loadTrades(ctx context.Context) ([]engine.Trade, error) {
	ctx, cancel := c.queryCtx(ctx)
	defer cancel()
	q := fmt.Sprintf(`
SELECT id, symbol, direction, status, size, entry_time_ms, entry_price, exit_time_ms, exit_price, pnl, return
FROM %s
ORDER BY entry_time_ms, id`, c.table(c.cfg.TradesTable))
	rows, err := c.conn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []engine.Trade
	for rows.Next() {
		var (
			id, sym, dir, status string
			size, entry, pnl, ret float64
			entryMs               uint64
			exitMs                *uint64
			exit                  *float64
		)
		if err := rows.Scan(&id, &sym, &dir, &status, &size, &entryMs, &entry, &exitMs, &exit, &pnl, &ret); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		d, err := engine.ParseDirection(dir)
		if err != nil {
			return nil, fmt.Errorf("trade %s: %w", id, err)
		}
		st, err := engine.ParseTradeStatus(status)
		if err != nil {
			return nil, fmt.Errorf("trade %s: %w", id, err)
		}
		t := engine.Trade{
			ID: id, Symbol: sym, Direction: d, Status: st, Size: size,
			EntryTime: time.UnixMilli(int64(entryMs)).UTC(), EntryPrice: entry, PnL: pnl, Return: ret,
		}
		if exitMs != nil {
			t.ExitTime = time.UnixMilli(int64(*exitMs)).UTC()
		}
		if exit != nil {
			t.ExitPrice = *exit
		}
		switch {
		case t.ExitTime.IsZero():
			t.Status = engine.TradeOpen
		case t.Status == "":
			t.Status = engine.TradeClosed
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read trades: %w", err)
	}
	return out, nil
}

// dedupe drops repeats from a timestamp list sorted per symbol but not globally.
func dedupe(ts []time.Time) []time.Time {
	seen := make(map[int64]struct{}, len(ts))
	out := make([]time.Time, 0, len(ts))
	for _, t := range ts {
		k := t.UnixMilli()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
