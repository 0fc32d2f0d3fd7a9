package engine

// Multi-timeframe bucketing rules, epoch (UTC midnight) aligned

import (
	"sort"
	"strings"
	"time"
)

type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// bucketRules is the closed table of supported timeframes. Every width divides
// 24h, so epoch alignment is the same as alignment to UTC midnight.
var bucketRules = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
}

// Timeframes returns every supported timeframe, finest first.
func Timeframes() []Timeframe {
	out := make([]Timeframe, 0, len(bucketRules))
	for tf := range bucketRules {
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return bucketRules[out[i]] < bucketRules[out[j]] })
	return out
}

// ParseTimeframe maps a UI token such as "4h" or "15M" to a Timeframe.
func ParseTimeframe(token string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(token)))
	if _, ok := bucketRules[tf]; !ok {
		return "", &InvalidTimeframeError{Token: token, Allowed: Timeframes()}
	}
	return tf, nil
}

// ParseTimeframeIn parses token and additionally requires it to be one of allowed.
func ParseTimeframeIn(token string, allowed []Timeframe) (Timeframe, error) {
	tf, err := ParseTimeframe(token)
	if err != nil {
		return "", &InvalidTimeframeError{Token: token, Allowed: allowed}
	}
	for _, a := range allowed {
		if a == tf {
			return tf, nil
		}
	}
	return "", &InvalidTimeframeError{Token: token, Allowed: allowed}
}

func (tf Timeframe) Valid() bool {
	_, ok := bucketRules[tf]
	return ok
}

// Width is the bucket width; zero for an unknown timeframe.
func (tf Timeframe) Width() time.Duration { return bucketRules[tf] }

func (tf Timeframe) String() string { return string(tf) }

// Coarser reports whether tf buckets are strictly wider than other's.
func (tf Timeframe) Coarser(other Timeframe) bool { return tf.Width() > other.Width() }

// BucketStart returns the start of the bucket containing t.
func (tf Timeframe) BucketStart(t time.Time) time.Time {
	return time.UnixMilli(tf.bucketKey(t)).UTC()
}

func (tf Timeframe) bucketKey(t time.Time) int64 {
	step := tf.Width().Milliseconds()
	ms := t.UnixMilli()
	b := (ms / step) * step
	if ms < 0 && b != ms {
		b -= step
	}
	return b
}

// Label is the short chart label used in titles ("m15", "H4", "D1").
func (tf Timeframe) Label() string {
	switch tf {
	case TF1m:
		return "m1"
	case TF5m:
		return "m5"
	case TF15m:
		return "m15"
	case TF1h:
		return "H1"
	case TF4h:
		return "H4"
	case TF1d:
		return "D1"
	}
	return string(tf)
}
