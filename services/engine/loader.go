package engine

// Reference index helpers: union of row indexes, missing timestamps, gap detection

import (
	"time"
)

// MissingTimestamps returns, in order, every timestamp of full that observed
// lacks. Both inputs must be sorted ascending. When observed is a subset of
// full, the result and observed partition full.
func MissingTimestamps(full, observed []time.Time) []time.Time {
	var missing []time.Time
	j := 0
	for _, t := range full {
		for j < len(observed) && observed[j].Before(t) {
			j++
		}
		if j < len(observed) && observed[j].Equal(t) {
			j++
			continue
		}
		missing = append(missing, t)
	}
	return missing
}

// UnionIndex merges sorted indexes into one sorted index without duplicates.
func UnionIndex(indexes ...[]time.Time) []time.Time {
	var out []time.Time
	for _, idx := range indexes {
		out = mergeIndex(out, idx)
	}
	return out
}

func mergeIndex(a, b []time.Time) []time.Time {
	out := make([]time.Time, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].Before(b[j]):
			out = append(out, a[i])
			i++
		case b[j].Before(a[i]):
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Gap is a run of absent bars after a present one.
type Gap struct {
	After   time.Time
	Missing int
}

// DetectGaps walks a sorted index and reports every step wider than one bar of tf.
func DetectGaps(index []time.Time, tf Timeframe) []Gap {
	step := tf.Width()
	if step <= 0 {
		return nil
	}
	var gaps []Gap
	for i := 1; i < len(index); i++ {
		if d := index[i].Sub(index[i-1]); d > step {
			gaps = append(gaps, Gap{After: index[i-1], Missing: int(d/step) - 1})
		}
	}
	return gaps
}
