package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout is the calendar date format the UI sends.
const DateLayout = time.DateOnly

// DateRange is an inclusive [Start, End] window.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange rejects start > end. start == end is a valid one-instant range.
func NewDateRange(start, end time.Time) (DateRange, error) {
	if start.After(end) {
		return DateRange{}, &EmptyRangeError{Start: start, End: end}
	}
	return DateRange{Start: start.UTC(), End: end.UTC()}, nil
}

// ParseDateRange parses two calendar dates. The end date covers its whole day,
// so "2024-01-02".."2024-01-02" includes every bar stamped that day.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.ParseInLocation(DateLayout, strings.TrimSpace(start), time.UTC)
	if err != nil {
		return DateRange{}, fmt.Errorf("parse start date %q: %w", start, err)
	}
	e, err := time.ParseInLocation(DateLayout, strings.TrimSpace(end), time.UTC)
	if err != nil {
		return DateRange{}, fmt.Errorf("parse end date %q: %w", end, err)
	}
	if s.After(e) {
		return DateRange{}, &EmptyRangeError{Start: s, End: e}
	}
	return DateRange{Start: s, End: e.Add(24*time.Hour - time.Nanosecond)}, nil
}

func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Overlaps reports whether r and [first, last] share at least one instant.
func (r DateRange) Overlaps(first, last time.Time) bool {
	return !r.Start.After(last) && !r.End.Before(first)
}

func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + ".." + r.End.Format(DateLayout)
}

// SliceIndex returns the half-open position range [lo, hi) of index covered by r.
func SliceIndex(index []time.Time, r DateRange) (int, int, error) {
	if r.Start.After(r.End) {
		return 0, 0, &EmptyRangeError{Start: r.Start, End: r.End}
	}
	lo := sort.Search(len(index), func(i int) bool { return !index[i].Before(r.Start) })
	hi := sort.Search(len(index), func(i int) bool { return index[i].After(r.End) })
	if hi < lo {
		hi = lo
	}
	return lo, hi, nil
}

// Slice returns the observations of s with Start <= t <= End. The result shares
// no memory with s.
func Slice[V Value](s *Series[V], r DateRange) (*Series[V], error) {
	lo, hi, err := SliceIndex(s.Index, r)
	if err != nil {
		return nil, err
	}
	return &Series[V]{
		Symbol:    s.Symbol,
		Field:     s.Field,
		Timeframe: s.Timeframe,
		Index:     append([]time.Time{}, s.Index[lo:hi]...),
		Values:    append([]V{}, s.Values[lo:hi]...),
	}, nil
}

// SliceFrame is Slice for a whole OHLC frame.
func SliceFrame(f *OHLCFrame, r DateRange) (*OHLCFrame, error) {
	lo, hi, err := SliceIndex(f.Index, r)
	if err != nil {
		return nil, err
	}
	return &OHLCFrame{
		Symbol:    f.Symbol,
		Timeframe: f.Timeframe,
		Index:     append([]time.Time{}, f.Index[lo:hi]...),
		Bars:      append([]Bar{}, f.Bars[lo:hi]...),
	}, nil
}

// Clamp narrows r to the extent covered by index, where each entry opens a
// bar of the given width: [index[0], index[last]+width). A range already
// inside that extent comes back unchanged. ok is false when index is empty or
// r does not overlap it at all.
func Clamp(r DateRange, index []time.Time, width time.Duration) (DateRange, bool) {
	if len(index) == 0 {
		return r, false
	}
	first, last := index[0], index[len(index)-1]
	if width > 0 {
		last = last.Add(width - time.Nanosecond)
	}
	if !r.Overlaps(first, last) {
		return r, false
	}
	out := r
	if out.Start.Before(first) {
		out.Start = first
	}
	if out.End.After(last) {
		out.End = last
	}
	return out, true
}
