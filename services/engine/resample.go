package engine

import (
	"fmt"
	"time"
)

// ResampledSignal is a coarse signal series plus the number of fine
// observations that fell into each bucket. A zero count marks a bucket with no
// data, as opposed to one that was evaluated and stayed false.
type ResampledSignal struct {
	*SignalSeries
	Counts []int
}

// checkTarget rejects resampling to a finer timeframe. The bool result is true
// when source and target are the same and the input can be copied as is.
func checkTarget(from, to Timeframe) (bool, error) {
	if !to.Valid() {
		return false, &InvalidTimeframeError{Token: string(to), Allowed: Timeframes()}
	}
	if !from.Valid() {
		return false, &InvalidTimeframeError{Token: string(from), Allowed: Timeframes()}
	}
	if to == from {
		return true, nil
	}
	if !to.Coarser(from) {
		coarser := make([]Timeframe, 0, len(bucketRules))
		for _, tf := range Timeframes() {
			if tf.Coarser(from) || tf == from {
				coarser = append(coarser, tf)
			}
		}
		return false, &InvalidTimeframeError{Token: string(to), Allowed: coarser}
	}
	return false, nil
}

// ResampleOHLC aggregates a frame into target buckets: first open, max high,
// min low, last close. Buckets without observations are not emitted.
func ResampleOHLC(frame *OHLCFrame, target Timeframe) (*OHLCFrame, error) {
	if frame == nil {
		return nil, fmt.Errorf("resample: nil frame")
	}
	same, err := checkTarget(frame.Timeframe, target)
	if err != nil {
		return nil, err
	}
	out := &OHLCFrame{Symbol: frame.Symbol, Timeframe: target}
	if same {
		out.Index = append([]time.Time(nil), frame.Index...)
		out.Bars = append([]Bar(nil), frame.Bars...)
		return out, nil
	}

	var (
		curKey int64
		cur    Bar
		open   bool
	)
	for i, t := range frame.Index {
		key := target.bucketKey(t)
		if open && key == curKey {
			cur = cur.merge(frame.Bars[i])
			continue
		}
		if open {
			out.Index = append(out.Index, time.UnixMilli(curKey).UTC())
			out.Bars = append(out.Bars, cur)
		}
		curKey, cur, open = key, frame.Bars[i], true
	}
	if open {
		out.Index = append(out.Index, time.UnixMilli(curKey).UTC())
		out.Bars = append(out.Bars, cur)
	}
	return out, nil
}

// ResampleSignal ORs fine flags per target bucket. Every bucket between the
// first and last observed one is emitted; buckets with no observations are
// false with a count of zero.
func ResampleSignal(series *SignalSeries, target Timeframe) (*ResampledSignal, error) {
	if series == nil {
		return nil, fmt.Errorf("resample: nil signal series")
	}
	same, err := checkTarget(series.Timeframe, target)
	if err != nil {
		return nil, err
	}
	out := &SignalSeries{Symbol: series.Symbol, Field: series.Field, Timeframe: target}
	if same {
		out.Index = append([]time.Time(nil), series.Index...)
		out.Values = append([]bool(nil), series.Values...)
		counts := make([]int, len(out.Index))
		for i := range counts {
			counts[i] = 1
		}
		return &ResampledSignal{SignalSeries: out, Counts: counts}, nil
	}
	if series.Empty() {
		return &ResampledSignal{SignalSeries: out}, nil
	}

	step := target.Width().Milliseconds()
	first := target.bucketKey(series.First())
	last := target.bucketKey(series.Last())
	n := int((last-first)/step) + 1
	out.Index = make([]time.Time, n)
	out.Values = make([]bool, n)
	counts := make([]int, n)
	for i := range out.Index {
		out.Index[i] = time.UnixMilli(first + int64(i)*step).UTC()
	}
	for i, t := range series.Index {
		b := int((target.bucketKey(t) - first) / step)
		counts[b]++
		out.Values[b] = out.Values[b] || series.Values[i]
	}
	return &ResampledSignal{SignalSeries: out, Counts: counts}, nil
}
