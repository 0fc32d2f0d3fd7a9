package engine

// Dataset manifest with a reproducible checksum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
	"time"
)

type ManifestEntry struct {
	Kind      string    `json:"kind"`
	Symbol    string    `json:"symbol"`
	Field     Field     `json:"field"`
	Timeframe Timeframe `json:"timeframe"`
	Points    int       `json:"points"`
	First     time.Time `json:"first,omitempty"`
	Last      time.Time `json:"last,omitempty"`
	Derived   bool      `json:"derived"`
}

// Manifest inventories the store. Checksum is a SHA-256 over every series'
// key, timestamps and values, so two stores built from the same inputs with
// the same options report the same checksum.
type Manifest struct {
	Base       Timeframe       `json:"base"`
	Timeframes []Timeframe     `json:"timeframes"`
	Symbols    []string        `json:"symbols"`
	Trades     int             `json:"trades"`
	Entries    []ManifestEntry `json:"entries"`
	Checksum   string          `json:"checksum"`
}

const (
	kindPrice     = "price"
	kindIndicator = "indicator"
	kindSignal    = "signal"
)

func buildManifest(s *Store) Manifest {
	m := Manifest{
		Base:       s.base,
		Timeframes: s.Timeframes(),
		Symbols:    s.Symbols(),
		Trades:     s.trades.Len(),
	}
	h := sha256.New()
	var buf [8]byte
	writeKey := func(e ManifestEntry) {
		h.Write([]byte(e.Kind + "|" + e.Symbol + "|" + string(e.Field) + "|" + string(e.Timeframe) + "\n"))
	}
	writeTime := func(t time.Time) {
		binary.LittleEndian.PutUint64(buf[:], uint64(t.UnixMilli()))
		h.Write(buf[:])
	}

	s.prices.Each(func(series *TimeSeries) {
		e := entryFor(kindPrice, series.Symbol, series.Field, series.Timeframe, series.Index)
		e.Derived = !s.native[frameKey{series.Symbol, series.Timeframe}]
		m.Entries = append(m.Entries, e)
		writeKey(e)
		for i, t := range series.Index {
			writeTime(t)
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(series.Values[i]))
			h.Write(buf[:])
		}
	})
	s.indicators.Each(func(series *TimeSeries) {
		e := entryFor(kindIndicator, series.Symbol, series.Field, series.Timeframe, series.Index)
		m.Entries = append(m.Entries, e)
		writeKey(e)
		for i, t := range series.Index {
			writeTime(t)
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(series.Values[i]))
			h.Write(buf[:])
		}
	})

	keys := make([]signalKey, 0, len(s.signals))
	for k := range s.signals {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.tf != b.tf {
			return a.tf.Width() < b.tf.Width()
		}
		if a.symbol != b.symbol {
			return a.symbol < b.symbol
		}
		return a.name < b.name
	})
	for _, k := range keys {
		r := s.signals[k]
		e := entryFor(kindSignal, k.symbol, k.name, k.tf, r.Index)
		e.Derived = !s.nativeSig[k]
		m.Entries = append(m.Entries, e)
		writeKey(e)
		for i, t := range r.Index {
			writeTime(t)
			v := byte(0)
			if r.Values[i] {
				v = 1
			}
			h.Write([]byte{v})
		}
	}
	m.Checksum = hex.EncodeToString(h.Sum(nil))
	return m
}

func entryFor(kind, symbol string, field Field, tf Timeframe, index []time.Time) ManifestEntry {
	e := ManifestEntry{Kind: kind, Symbol: symbol, Field: field, Timeframe: tf, Points: len(index)}
	if len(index) > 0 {
		e.First, e.Last = index[0], index[len(index)-1]
	}
	return e
}
