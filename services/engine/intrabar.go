package engine

import "math"

// Bar represents a single OHLC bar
type Bar struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Valid reports whether High >= max(Open, Close) >= min(Open, Close) >= Low.
// A bar with any NaN component is not checked and counts as valid.
func (b Bar) Valid() bool {
	if b.hasNaN() {
		return true
	}
	hi := math.Max(b.Open, b.Close)
	lo := math.Min(b.Open, b.Close)
	return b.High >= hi && lo >= b.Low
}

func (b Bar) hasNaN() bool {
	return math.IsNaN(b.Open) || math.IsNaN(b.High) || math.IsNaN(b.Low) || math.IsNaN(b.Close)
}

// merge folds a later bar of the same bucket into b: first open, last close,
// running extremes. NaN components are skipped, so a bucket is NaN only where
// every bar in it is.
func (b Bar) merge(next Bar) Bar {
	out := Bar{
		Open:  b.Open,
		High:  skipNaN(b.High, next.High, math.Max),
		Low:   skipNaN(b.Low, next.Low, math.Min),
		Close: b.Close,
	}
	if math.IsNaN(out.Open) {
		out.Open = next.Open
	}
	if !math.IsNaN(next.Close) {
		out.Close = next.Close
	}
	return out
}

func skipNaN(a, b float64, pick func(float64, float64) float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	}
	return pick(a, b)
}
