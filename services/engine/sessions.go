package engine

// Calendar grids for the "calendar" reference index mode

import "time"

// ReferenceIndexMode selects how Store.Index builds the full timestamp index
// that missing timestamps are measured against.
type ReferenceIndexMode string

const (
	// IndexDataset uses the loaded frame's own rows (union over symbols).
	IndexDataset ReferenceIndexMode = "dataset"
	// IndexCalendar uses a regular epoch-aligned grid from the first to the last
	// row, merged with the rows themselves.
	IndexCalendar ReferenceIndexMode = "calendar"
)

func (m ReferenceIndexMode) Valid() bool {
	return m == IndexDataset || m == IndexCalendar
}

// Calendar produces regular bar grids for one timeframe. Trading runs 24/7, so
// there are no session breaks to skip.
type Calendar struct {
	Timeframe Timeframe
}

// Grid returns every bucket start of the timeframe from the bucket holding
// first to the bucket holding last, both inclusive.
func (c Calendar) Grid(first, last time.Time) []time.Time {
	if !c.Timeframe.Valid() || last.Before(first) {
		return nil
	}
	step := c.Timeframe.Width().Milliseconds()
	from := c.Timeframe.bucketKey(first)
	to := c.Timeframe.bucketKey(last)
	out := make([]time.Time, 0, (to-from)/step+1)
	for k := from; k <= to; k += step {
		out = append(out, time.UnixMilli(k).UTC())
	}
	return out
}

// Covering returns the grid spanning index.
func (c Calendar) Covering(index []time.Time) []time.Time {
	if len(index) == 0 {
		return nil
	}
	return c.Grid(index[0], index[len(index)-1])
}
