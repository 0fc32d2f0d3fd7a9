package stats

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Kind int

const (
	KindNull Kind = iota
	KindText
	KindNumber
	KindDuration
	KindTime
	KindBool
)

// Value is one statistic. Raw holds the exported spelling of a decoded value
// and is what the table displays; the typed fields serve callers that need
// the value itself.
type Value struct {
	Kind     Kind
	Raw      string
	Text     string
	Number   decimal.Decimal
	Duration time.Duration
	Time     time.Time
	Bool     bool
}

func Null() Value { return Value{Kind: KindNull} }
func Text(s string) Value { return Value{Kind: KindText, Text: s} }
func Number(d decimal.Decimal) Value { return Value{Kind: KindNumber, Number: d} }
func Duration(d time.Duration) Value { return Value{Kind: KindDuration, Duration: d} }
func Timestamp(t time.Time) Value { return Value{Kind: KindTime, Time: t} }
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }
func Float(f float64) Value { return Number(decimal.NewFromFloat(f)) }
func (v Value) IsNull() bool { return v.Kind == KindNull }

// String renders the value the way the stats table displays it. Null renders
// empty; the table substitutes its N/A marker.
func (v Value) String() string {
	if v.Raw != "" {
		return v.Raw
	}
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		return v.Number.String()
	case KindDuration:
		return FormatDuration(v.Duration)
	case KindTime:
		return v.Time.UTC().Format("2006-01-02 15:04:05")
	case KindBool:
		if v.Bool {
			return "True"
		}
		return "False"
	}
	return ""
}

// FloorSeconds floors duration values to whole seconds, toward negative
// infinity. Other kinds, and durations already on a whole second, come back
// unchanged.
func (v Value) FloorSeconds() Value {
	if v.Kind != KindDuration {
		return v
	}
	d := v.Duration
	r := d % time.Second
	if r < 0 {
		r += time.Second
	}
	if r == 0 {
		return v
	}
	return Duration(d - r)
}

var durationPattern = regexp.MustCompile(`^(-?\d+) days? ([+-]?)(\d{2}):(\d{2}):(\d{2})(?:\.(\d{1,9}))?$`)

// ParseDuration reads the "N days HH:MM:SS[.fraction]" form, including the
// negative "-1 days +23:59:59" spelling.
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("not a duration: %q", s)
	}
	days, _ := strconv.ParseInt(m[1], 10, 64)
	hh, _ := strconv.ParseInt(m[3], 10, 64)
	mm, _ := strconv.ParseInt(m[4], 10, 64)
	ss, _ := strconv.ParseInt(m[5], 10, 64)
	var nanos int64
	if m[6] != "" {
		frac := m[6] + strings.Repeat("0", 9-len(m[6]))
		nanos, _ = strconv.ParseInt(frac, 10, 64)
	}
	clock := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second + time.Duration(nanos)
	if m[2] == "-" {
		clock = -clock
	}
	return time.Duration(days)*24*time.Hour + clock, nil
}

// FormatDuration renders d as "N days HH:MM:SS" with a microsecond or
// nanosecond fraction when needed. Negative values keep a non-negative clock
// part: -30m is "-1 days +23:30:00".
func FormatDuration(d time.Duration) string {
	const day = 24 * time.Hour
	days := d / day
	rem := d % day
	if rem < 0 {
		days--
		rem += day
	}
	hh := rem / time.Hour
	rem -= hh * time.Hour
	mm := rem / time.Minute
	rem -= mm * time.Minute
	ss := rem / time.Second
	ns := int64(rem - ss*time.Second)

	var b strings.Builder
	fmt.Fprintf(&b, "%d days ", days)
	if d < 0 {
		b.WriteByte('+')
	}
	fmt.Fprintf(&b, "%02d:%02d:%02d", hh, mm, ss)
	switch {
	case ns == 0:
	case ns%1000 == 0:
		fmt.Fprintf(&b, ".%06d", ns/1000)
	default:
		fmt.Fprintf(&b, ".%09d", ns)
	}
	return b.String()
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05-07:00", "2006-01-02 15:04:05"}

// ParseValue converts a decoded JSON value (decoded with UseNumber) into a
// Value, recognising durations and timestamps inside strings. Strings and
// numbers keep their exported spelling in Raw; only JSON null is Null.
func ParseValue(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return Value{}, fmt.Errorf("parse number %q: %w", x, err)
		}
		v := Number(d)
		v.Raw = x.String()
		return v, nil
	case float64:
		return Float(x), nil
	case string:
		v := parseString(x)
		v.Raw = x
		return v, nil
	}
	return Value{}, fmt.Errorf("unsupported stat value of type %T", raw)
}

func parseString(s string) Value {
	if d, err := ParseDuration(s); err == nil {
		return Duration(d)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp(t)
		}
	}
	return Text(s)
}
