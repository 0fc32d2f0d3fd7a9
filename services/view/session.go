package view

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"backtest-dashboard/services/engine"
)

// Session is one user's selection and the view last rendered for it. The
// four triggers run synchronously; a failed trigger leaves both untouched.
type Session struct {
	id       string
	ctrl     *Controller
	mu       sync.Mutex
	sel      Selection
	view     *View
	lastUsed time.Time
}

func (s *Session) ID() string { return s.id }

func (s *Session) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel
}

// View returns the last rendered view.
func (s *Session) View() *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Session) touched() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// SelectSymbol switches symbol, keeping the date range clamped to the new
// symbol's data.
func (s *Session) SelectSymbol(ctx context.Context, symbol string) (*View, error) {
	return s.trigger(ctx, "symbol", func(cur Selection) (Selection, error) {
		if !s.ctrl.knownSymbol(symbol) {
			return cur, &engine.NotFoundError{Symbol: symbol, Field: "OHLC", Timeframe: cur.Timeframe}
		}
		cur.Symbol = symbol
		cur.Range = s.ctrl.reconcileRange(cur.Range, symbol, cur.Timeframe)
		return cur, nil
	})
}

// SelectTimeframe parses token against the active mode's list.
func (s *Session) SelectTimeframe(ctx context.Context, token string) (*View, error) {
	return s.trigger(ctx, "timeframe", func(cur Selection) (Selection, error) {
		tf, err := engine.ParseTimeframeIn(token, s.ctrl.cfg.timeframesFor(cur.Mode))
		if err != nil {
			return cur, err
		}
		cur.Timeframe = tf
		cur.Range = s.ctrl.reconcileRange(cur.Range, cur.Symbol, tf)
		return cur, nil
	})
}

// SelectRange sets the date range as given; a range without data renders empty.
func (s *Session) SelectRange(ctx context.Context, r engine.DateRange) (*View, error) {
	return s.trigger(ctx, "range", func(cur Selection) (Selection, error) {
		if r.Start.After(r.End) {
			return cur, &engine.EmptyRangeError{Start: r.Start, End: r.End}
		}
		cur.Range = r
		return cur, nil
	})
}

// SelectTab switches mode. A timeframe the new mode does not offer falls back
// to that mode's default.
func (s *Session) SelectTab(ctx context.Context, mode Mode) (*View, error) {
	return s.trigger(ctx, "tab", func(cur Selection) (Selection, error) {
		if mode != ModeSummary && mode != ModeStrategy {
			_, err := ParseMode(string(mode))
			return cur, err
		}
		cur.Mode = mode
		if !contains(s.ctrl.cfg.timeframesFor(mode), cur.Timeframe) {
			cur.Timeframe = s.ctrl.cfg.defaultTimeframeFor(mode)
			cur.Range = s.ctrl.reconcileRange(cur.Range, cur.Symbol, cur.Timeframe)
		}
		return cur, nil
	})
}

// Indicator renders the indicator panel for the current symbol and range at
// token's timeframe. The selection is not changed.
func (s *Session) Indicator(ctx context.Context, name engine.Field, token string) (Figure, ChartSpec, error) {
	start := time.Now()
	fig, spec, err := s.indicator(ctx, name, token)
	s.ctrl.observer.ObserveTrigger("indicator", time.Since(start), err)
	return fig, spec, err
}

func (s *Session) indicator(ctx context.Context, name engine.Field, token string) (Figure, ChartSpec, error) {
	if name == "" {
		name = s.ctrl.cfg.DefaultIndicator
	}
	if token == "" {
		token = string(s.ctrl.cfg.ChartTimeframes[0])
	}
	tf, err := engine.ParseTimeframeIn(token, s.ctrl.cfg.ChartTimeframes)
	if err != nil {
		return nil, ChartSpec{}, err
	}
	sel := s.Selection()
	spec, err := s.ctrl.indicatorSpec(sel, name, tf)
	if err != nil {
		return nil, ChartSpec{}, err
	}
	fig, err := s.ctrl.charter.Render(ctx, spec)
	if err != nil {
		return nil, ChartSpec{}, err
	}
	return fig, spec, nil
}

func (s *Session) trigger(ctx context.Context, name string, next func(Selection) (Selection, error)) (*View, error) {
	if err := s.apply(ctx, name, next); err != nil {
		return nil, err
	}
	return s.View(), nil
}

// apply computes the next selection, renders it and commits both only on success.
func (s *Session) apply(ctx context.Context, name string, next func(Selection) (Selection, error)) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.applyLocked(ctx, next)
	elapsed := time.Since(start)
	s.ctrl.observer.ObserveTrigger(name, elapsed, err)
	if err != nil {
		s.ctrl.logger.Debug("trigger rejected",
			zap.String("session", s.id),
			zap.String("trigger", name),
			zap.Error(err))
		return err
	}
	s.ctrl.logger.Debug("trigger applied",
		zap.String("session", s.id),
		zap.String("trigger", name),
		zap.Duration("elapsed", elapsed))
	return nil
}

func (s *Session) applyLocked(ctx context.Context, next func(Selection) (Selection, error)) error {
	sel, err := next(s.sel)
	if err != nil {
		return err
	}
	spec, fig, err := s.ctrl.render(ctx, sel)
	if err != nil {
		return err
	}
	v := &View{
		SessionID: s.id,
		Selection: sel,
		Symbols:   s.ctrl.Symbols(),
		Spec:      spec,
		Figure:    fig,
		Rendered:  time.Now().UTC(),
	}
	for _, tf := range s.ctrl.cfg.timeframesFor(sel.Mode) {
		v.Allowed = append(v.Allowed, string(tf))
	}
	if sel.Mode == ModeSummary {
		v.Stats = s.ctrl.table
	}
	s.sel, s.view, s.lastUsed = sel, v, time.Now()
	return nil
}
