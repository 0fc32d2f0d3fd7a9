package stats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Document is the on-disk stats export:
//
//	{"portfolio": [{"metric": "Total Return [%]", "value": 12.5}, ...],
//	 "symbols":   {"BTCUSDT": [{"metric": ..., "value": ...}], ...}}
//
// Metric lists are arrays so row order survives the round trip.
type Document struct {
	Portfolio Record
	Symbols   map[string]Record
}

type rawMetric struct {
	Metric string `json:"metric"`
	Value  any    `json:"value"`
}

type rawDocument struct {
	Portfolio []rawMetric            `json:"portfolio"`
	Symbols   map[string][]rawMetric `json:"symbols"`
}

// DecodeDocument reads a stats export. Numbers are decoded exactly.
func DecodeDocument(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stats: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw rawDocument
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	doc := &Document{Symbols: make(map[string]Record, len(raw.Symbols))}
	if doc.Portfolio, err = toRecord(WholePortfolio, raw.Portfolio); err != nil {
		return nil, err
	}
	for sym, metrics := range raw.Symbols {
		rec, err := toRecord(sym, metrics)
		if err != nil {
			return nil, err
		}
		doc.Symbols[sym] = rec
	}
	return doc, nil
}

func toRecord(scope string, metrics []rawMetric) (Record, error) {
	rec := Record{Scope: scope, Metrics: make([]Metric, 0, len(metrics))}
	for _, m := range metrics {
		if m.Metric == "" {
			return Record{}, fmt.Errorf("stats %s: metric without name", scope)
		}
		v, err := ParseValue(m.Value)
		if err != nil {
			return Record{}, fmt.Errorf("stats %s/%s: %w", scope, m.Metric, err)
		}
		rec.Metrics = append(rec.Metrics, Metric{Name: m.Metric, Value: v})
	}
	return rec, nil
}
