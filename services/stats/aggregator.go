package stats

import (
	"fmt"

	"go.uber.org/zap"
)

type Options struct {
	// DurationMetrics names the rows floored to whole seconds. Nil means
	// DefaultDurationMetrics.
	DurationMetrics []string
	// NotApplicable fills cells with no value. Empty means NotApplicable.
	NotApplicable string
	Logger        *zap.Logger
}

// Aggregator merges portfolio and per-symbol stats into one Table.
type Aggregator struct {
	durations map[string]bool
	na        string
	logger    *zap.Logger
}

func NewAggregator(opts Options) *Aggregator {
	names := opts.DurationMetrics
	if names == nil {
		names = DefaultDurationMetrics
	}
	a := &Aggregator{
		durations: make(map[string]bool, len(names)),
		na:        opts.NotApplicable,
		logger:    opts.Logger,
	}
	for _, n := range names {
		a.durations[n] = true
	}
	if a.na == "" {
		a.na = NotApplicable
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

// Build lays out the table. Columns are WholePortfolio followed by symbols in
// the given order (first appearance in the trade history). Rows follow the
// portfolio record; metrics only symbols report are appended in first-seen
// order. A symbol without a record gets a column of N/A.
func (a *Aggregator) Build(portfolio Record, perSymbol map[string]Record, symbols []string) (*Table, error) {
	entities := []string{WholePortfolio}
	seenEntity := map[string]bool{WholePortfolio: true}
	for _, sym := range symbols {
		if seenEntity[sym] {
			if sym == WholePortfolio {
				return nil, fmt.Errorf("stats: symbol %q collides with the portfolio column", sym)
			}
			continue
		}
		seenEntity[sym] = true
		entities = append(entities, sym)
	}
	for sym := range perSymbol {
		if !seenEntity[sym] {
			a.logger.Warn("stats for symbol without trades dropped", zap.String("symbol", sym))
		}
	}

	records := make([]Record, len(entities))
	records[0] = portfolio
	for j, sym := range entities[1:] {
		rec, ok := perSymbol[sym]
		if !ok {
			a.logger.Warn("no stats for traded symbol", zap.String("symbol", sym))
		}
		records[j+1] = rec
	}

	var order []string
	seenMetric := make(map[string]bool)
	for _, rec := range records {
		for _, m := range rec.Metrics {
			if !seenMetric[m.Name] {
				seenMetric[m.Name] = true
				order = append(order, m.Name)
			}
		}
	}

	t := &Table{Entities: entities, Rows: make([]Row, len(order))}
	for i, name := range order {
		row := Row{Metric: name, Cells: make([]string, len(entities))}
		for j, rec := range records {
			row.Cells[j] = a.cell(name, rec)
		}
		t.Rows[i] = row
	}
	return t, nil
}

func (a *Aggregator) cell(name string, rec Record) string {
	v, ok := rec.Get(name)
	if !ok || v.IsNull() {
		return a.na
	}
	if a.durations[name] {
		if v.Kind == KindText {
			if d, err := ParseDuration(v.Text); err == nil {
				raw := v.Raw
				v = Duration(d)
				v.Raw = raw
			}
		}
		v = v.FloorSeconds()
	}
	return v.String()
}
