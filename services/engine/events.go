package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type Direction string

const (
	DirectionLong  Direction = "Long"
	DirectionShort Direction = "Short"
)

// ParseDirection accepts the backtest export spellings ("Long", "short", "buy", "sell").
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return DirectionLong, nil
	case "short", "sell":
		return DirectionShort, nil
	}
	return "", fmt.Errorf("unknown trade direction %q", s)
}

type TradeStatus string

const (
	TradeOpen   TradeStatus = "Open"
	TradeClosed TradeStatus = "Closed"
)

// ParseTradeStatus is case-insensitive. An empty status is left for the
// caller to infer from the exit time.
func ParseTradeStatus(s string) (TradeStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return TradeOpen, nil
	case "closed":
		return TradeClosed, nil
	case "":
		return "", nil
	}
	return "", fmt.Errorf("unknown trade status %q", s)
}

// Trade is one row of the trade history.
type Trade struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Direction  Direction   `json:"direction"`
	Status     TradeStatus `json:"status"`
	Size       float64     `json:"size"`
	EntryTime  time.Time   `json:"entry_time"`
	EntryPrice float64     `json:"entry_price"`
	ExitTime   time.Time   `json:"exit_time,omitempty"`
	ExitPrice  float64     `json:"exit_price,omitempty"`
	PnL        float64     `json:"pnl"`
	Return     float64     `json:"return"`
}

func (t Trade) IsOpen() bool { return t.Status == TradeOpen || t.ExitTime.IsZero() }

// Overlaps reports whether the trade was live at any instant of r. Open trades
// extend forever.
func (t Trade) Overlaps(r DateRange) bool {
	if t.EntryTime.After(r.End) {
		return false
	}
	return t.IsOpen() || !t.ExitTime.Before(r.Start)
}

// TradeLog is the trade history in export order. It is never modified after load.
type TradeLog struct {
	trades  []Trade
	symbols []string
}

func NewTradeLog(trades []Trade) *TradeLog {
	l := &TradeLog{trades: trades}
	seen := make(map[string]struct{})
	for _, t := range trades {
		if _, ok := seen[t.Symbol]; ok {
			continue
		}
		seen[t.Symbol] = struct{}{}
		l.symbols = append(l.symbols, t.Symbol)
	}
	return l
}

func (l *TradeLog) Len() int {
	if l == nil {
		return 0
	}
	return len(l.trades)
}

// Symbols lists traded symbols in order of first appearance.
func (l *TradeLog) Symbols() []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l.symbols...)
}

func (l *TradeLog) All() []Trade {
	if l == nil {
		return nil
	}
	return append([]Trade(nil), l.trades...)
}

// Between returns the trades of symbol live during r, ordered by entry time.
func (l *TradeLog) Between(symbol string, r DateRange) []Trade {
	if l == nil {
		return nil
	}
	var out []Trade
	for _, t := range l.trades {
		if t.Symbol == symbol && t.Overlaps(r) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// SplitByDirection separates long and short trades, keeping order.
func SplitByDirection(trades []Trade) (long, short []Trade) {
	for _, t := range trades {
		if t.Direction == DirectionShort {
			short = append(short, t)
		} else {
			long = append(long, t)
		}
	}
	return long, short
}
