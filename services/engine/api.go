package engine

// Error taxonomy shared by the store, slicer, resampler and the HTTP surface

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	CodeNotFound         = "NOT_FOUND"
	CodeIncompleteData   = "INCOMPLETE_DATA"
	CodeEmptyRange       = "EMPTY_RANGE"
	CodeInvalidTimeframe = "INVALID_TIMEFRAME"
	CodeInternal         = "INTERNAL"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e APIError) Error() string { return e.Code + ": " + e.Message }

// NotFoundError reports a (symbol, field, timeframe) triple that was never
// loaded or derived.
type NotFoundError struct {
	Symbol    string
	Field     string
	Timeframe Timeframe
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("series not found: symbol=%s field=%s timeframe=%s", e.Symbol, e.Field, e.Timeframe)
}

func (e *NotFoundError) Code() string { return CodeNotFound }

// IncompleteDataError is fatal at load time: a symbol referenced by the trade
// history lacks one of its base OHLC series.
type IncompleteDataError struct {
	Timeframe Timeframe
	Missing   map[string][]Field
}

func (e *IncompleteDataError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, sym := range sortedKeys(e.Missing) {
		fields := make([]string, len(e.Missing[sym]))
		for i, f := range e.Missing[sym] {
			fields[i] = string(f)
		}
		parts = append(parts, sym+"["+strings.Join(fields, ",")+"]")
	}
	return fmt.Sprintf("incomplete data at base timeframe %s: %s", e.Timeframe, strings.Join(parts, " "))
}

func (e *IncompleteDataError) Code() string { return CodeIncompleteData }

type EmptyRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *EmptyRangeError) Error() string {
	return fmt.Sprintf("invalid date range: start %s is after end %s",
		e.Start.Format(time.DateOnly), e.End.Format(time.DateOnly))
}

func (e *EmptyRangeError) Code() string { return CodeEmptyRange }

type InvalidTimeframeError struct {
	Token   string
	Allowed []Timeframe
}

func (e *InvalidTimeframeError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, tf := range e.Allowed {
		allowed[i] = string(tf)
	}
	return fmt.Sprintf("invalid timeframe %q (allowed: %s)", e.Token, strings.Join(allowed, ", "))
}

func (e *InvalidTimeframeError) Code() string { return CodeInvalidTimeframe }

// ToAPIError maps any error onto the wire envelope. Unknown errors become INTERNAL.
func ToAPIError(err error) APIError {
	var (
		nf  *NotFoundError
		inc *IncompleteDataError
		er  *EmptyRangeError
		itf *InvalidTimeframeError
		api APIError
	)
	switch {
	case errors.As(err, &nf):
		return APIError{Code: nf.Code(), Message: "Requested series not available", Details: nf.Error()}
	case errors.As(err, &inc):
		return APIError{Code: inc.Code(), Message: "Required base series missing", Details: inc.Error()}
	case errors.As(err, &er):
		return APIError{Code: er.Code(), Message: "Start date is after end date", Details: er.Error()}
	case errors.As(err, &itf):
		return APIError{Code: itf.Code(), Message: "Unrecognized timeframe", Details: itf.Error()}
	case errors.As(err, &api):
		return api
	}
	return APIError{Code: CodeInternal, Message: "Request failed", Details: err.Error()}
}
