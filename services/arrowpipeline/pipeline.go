// Package arrowpipeline moves OHLC frames and signal series in and out of the
// Apache Arrow IPC stream format.
package arrowpipeline

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"go.uber.org/zap"

	"backtest-dashboard/services/engine"
)

const (
	colSymbol    = "symbol"
	colTimestamp = "timestamp"
	signalPrefix = "signal:"
	metaTF       = "timeframe"
)

var priceColumns = map[string]engine.Field{
	"open":  engine.FieldOpen,
	"high":  engine.FieldHigh,
	"low":   engine.FieldLow,
	"close": engine.FieldClose,
}

// Config holds Arrow pipeline configuration
type Config struct {
	BatchSize int `yaml:"batch_size"`
}

// Pipeline converts between engine series and Arrow record batches.
type Pipeline struct {
	config     *Config
	memoryPool memory.Allocator
	logger     *zap.Logger
}

func NewPipeline(config *Config, logger *zap.Logger) (*Pipeline, error) {
	if config == nil {
		config = &Config{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		config:     config,
		memoryPool: memory.NewGoAllocator(),
		logger:     logger,
	}, nil
}

// Bundle is the content of one Arrow stream: price columns and signals at a
// single timeframe, any number of symbols.
type Bundle struct {
	Timeframe engine.Timeframe
	Prices    []*engine.TimeSeries
	Signals   []*engine.SignalSeries
}

func frameSchema(tf engine.Timeframe, signals []*engine.SignalSeries) *arrow.Schema {
	fields := []arrow.Field{
		{Name: colSymbol, Type: arrow.BinaryTypes.String},
		{Name: colTimestamp, Type: arrow.FixedWidthTypes.Timestamp_ms},
		{Name: "open", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "high", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "low", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "close", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}
	for _, s := range signals {
		fields = append(fields, arrow.Field{Name: signalPrefix + string(s.Field), Type: arrow.FixedWidthTypes.Boolean, Nullable: true})
	}
	md := arrow.NewMetadata([]string{metaTF}, []string{string(tf)})
	return arrow.NewSchema(fields, &md)
}

// WriteFrame streams frame to w, one record batch per BatchSize rows. Each
// signal becomes a boolean column aligned to the frame index, null where the
// signal has no value.
func (p *Pipeline) WriteFrame(w io.Writer, frame *engine.OHLCFrame, signals ...*engine.SignalSeries) error {
	if frame == nil {
		return fmt.Errorf("write arrow: nil frame")
	}
	schema := frameSchema(frame.Timeframe, signals)
	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(p.memoryPool))

	builder := array.NewRecordBuilder(p.memoryPool, schema)
	defer builder.Release()

	for lo := 0; lo < frame.Len() || lo == 0; lo += p.config.BatchSize {
		hi := lo + p.config.BatchSize
		if hi > frame.Len() {
			hi = frame.Len()
		}
		for i := lo; i < hi; i++ {
			t, b := frame.Index[i], frame.Bars[i]
			builder.Field(0).(*array.StringBuilder).Append(frame.Symbol)
			builder.Field(1).(*array.TimestampBuilder).Append(arrow.Timestamp(t.UnixMilli()))
			builder.Field(2).(*array.Float64Builder).Append(b.Open)
			builder.Field(3).(*array.Float64Builder).Append(b.High)
			builder.Field(4).(*array.Float64Builder).Append(b.Low)
			builder.Field(5).(*array.Float64Builder).Append(b.Close)
			for j, s := range signals {
				fb := builder.Field(6 + j).(*array.BooleanBuilder)
				if v, ok := s.ValueAt(t); ok {
					fb.Append(v)
				} else {
					fb.AppendNull()
				}
			}
		}
		record := builder.NewRecord()
		err := writer.Write(record)
		record.Release()
		if err != nil {
			writer.Close()
			return fmt.Errorf("failed to write Arrow record: %w", err)
		}
		if frame.Len() == 0 {
			break
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close Arrow writer: %w", err)
	}
	p.logger.Debug("arrow frame written",
		zap.String("symbol", frame.Symbol),
		zap.String("timeframe", string(frame.Timeframe)),
		zap.Int("rows", frame.Len()),
		zap.Int("signals", len(signals)))
	return nil
}

// ConvertToArrow is WriteFrame into a byte slice.
func (p *Pipeline) ConvertToArrow(frame *engine.OHLCFrame, signals ...*engine.SignalSeries) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.WriteFrame(&buf, frame, signals...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ConvertFromArrow decodes a stream produced by WriteFrame or by any writer
// using the same columns.
func (p *Pipeline) ConvertFromArrow(data []byte) (*Bundle, error) {
	return p.ReadBundle(bytes.NewReader(data), "")
}

type column[V engine.Value] struct {
	index  []time.Time
	values []V
}

// ReadBundle reads an Arrow IPC stream. The timeframe comes from the schema
// metadata, or from fallback when the stream has none. Null cells are missing
// observations and are skipped, never filled.
func (p *Pipeline) ReadBundle(r io.Reader, fallback engine.Timeframe) (*Bundle, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(p.memoryPool))
	if err != nil {
		return nil, fmt.Errorf("open arrow stream: %w", err)
	}
	defer rdr.Release()

	schema := rdr.Schema()
	tf := fallback
	if i := schema.Metadata().FindKey(metaTF); i >= 0 {
		parsed, err := engine.ParseTimeframe(schema.Metadata().Values()[i])
		if err != nil {
			return nil, err
		}
		tf = parsed
	}
	if !tf.Valid() {
		return nil, fmt.Errorf("arrow stream has no timeframe")
	}

	symIdx := schema.FieldIndices(colSymbol)
	tsIdx := schema.FieldIndices(colTimestamp)
	if len(symIdx) != 1 || len(tsIdx) != 1 {
		return nil, fmt.Errorf("arrow stream needs exactly one %q and one %q column", colSymbol, colTimestamp)
	}

	prices := map[string]map[engine.Field]*column[float64]{}
	signals := map[string]map[engine.Field]*column[bool]{}
	rows := 0
	for rdr.Next() {
		rec := rdr.Record()
		syms, ok := rec.Column(symIdx[0]).(*array.String)
		if !ok {
			return nil, fmt.Errorf("arrow column %q is %s, want utf8", colSymbol, rec.Column(symIdx[0]).DataType())
		}
		stamps, err := timestamps(rec.Column(tsIdx[0]))
		if err != nil {
			return nil, err
		}
		for c, f := range schema.Fields() {
			if field, ok := priceColumns[strings.ToLower(f.Name)]; ok {
				col, ok := rec.Column(c).(*array.Float64)
				if !ok {
					return nil, fmt.Errorf("arrow column %q is %s, want float64", f.Name, f.Type)
				}
				for i := 0; i < col.Len(); i++ {
					if col.IsNull(i) {
						continue
					}
					appendCell(prices, syms.Value(i), field, stamps[i], col.Value(i))
				}
				continue
			}
			if strings.HasPrefix(f.Name, signalPrefix) {
				col, ok := rec.Column(c).(*array.Boolean)
				if !ok {
					return nil, fmt.Errorf("arrow column %q is %s, want bool", f.Name, f.Type)
				}
				field := engine.Field(strings.TrimPrefix(f.Name, signalPrefix))
				for i := 0; i < col.Len(); i++ {
					if col.IsNull(i) {
						continue
					}
					appendCell(signals, syms.Value(i), field, stamps[i], col.Value(i))
				}
			}
		}
		rows += int(rec.NumRows())
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("read arrow stream: %w", err)
	}

	b := &Bundle{Timeframe: tf}
	if b.Prices, err = collect(prices, tf); err != nil {
		return nil, err
	}
	if b.Signals, err = collect(signals, tf); err != nil {
		return nil, err
	}
	p.logger.Debug("arrow stream read",
		zap.String("timeframe", string(tf)),
		zap.Int("rows", rows),
		zap.Int("price_series", len(b.Prices)),
		zap.Int("signal_series", len(b.Signals)))
	return b, nil
}

func timestamps(arr arrow.Array) ([]time.Time, error) {
	out := make([]time.Time, arr.Len())
	switch col := arr.(type) {
	case *array.Timestamp:
		unit := col.DataType().(*arrow.TimestampType).Unit
		for i := range out {
			out[i] = col.Value(i).ToTime(unit).UTC()
		}
	case *array.Int64:
		for i := range out {
			out[i] = time.UnixMilli(col.Value(i)).UTC()
		}
	default:
		return nil, fmt.Errorf("arrow column %q is %s, want timestamp or int64 ms", colTimestamp, arr.DataType())
	}
	return out, nil
}

func appendCell[V engine.Value](m map[string]map[engine.Field]*column[V], sym string, field engine.Field, t time.Time, v V) {
	byField, ok := m[sym]
	if !ok {
		byField = map[engine.Field]*column[V]{}
		m[sym] = byField
	}
	col, ok := byField[field]
	if !ok {
		col = &column[V]{}
		byField[field] = col
	}
	col.index = append(col.index, t)
	col.values = append(col.values, v)
}

func collect[V engine.Value](m map[string]map[engine.Field]*column[V], tf engine.Timeframe) ([]*engine.Series[V], error) {
	syms := make([]string, 0, len(m))
	for s := range m {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	var out []*engine.Series[V]
	for _, sym := range syms {
		fields := make([]engine.Field, 0, len(m[sym]))
		for f := range m[sym] {
			fields = append(fields, f)
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
		for _, f := range fields {
			col := m[sym][f]
			s, err := engine.NewSeries(sym, f, tf, col.index, col.values)
			if err != nil {
				return nil, fmt.Errorf("arrow: %w", err)
			}
			out = append(out, s)
		}
	}
	return out, nil
}
