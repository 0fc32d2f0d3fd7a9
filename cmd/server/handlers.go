package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"backtest-dashboard/services/engine"
	"backtest-dashboard/services/monitoring"
	"backtest-dashboard/services/view"
)

const (
	codeBadRequest  = "BAD_REQUEST"
	codeRateLimited = "RATE_LIMITED"

	arrowStreamType = "application/vnd.apache.arrow.stream"
)

func badRequest(msg string, err error) error {
	e := engine.APIError{Code: codeBadRequest, Message: msg}
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

func sessionNotFound(id string) error {
	return engine.APIError{Code: engine.CodeNotFound, Message: "Session not found", Details: "session=" + id}
}

func statusFor(code string) int {
	switch code {
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeIncompleteData:
		return http.StatusUnprocessableEntity
	case engine.CodeEmptyRange, engine.CodeInvalidTimeframe, codeBadRequest:
		return http.StatusBadRequest
	case codeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// writeError renders err as an APIError envelope. Internal errors are logged.
func (s *DashboardService) writeError(c *gin.Context, err error) {
	apiErr := engine.ToAPIError(err)
	if errors.Is(err, monitoring.ErrRateLimited) {
		apiErr = engine.APIError{Code: codeRateLimited, Message: "Too many requests"}
	}
	status := statusFor(apiErr.Code)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.ObserveError(err)
	}
	c.AbortWithStatusJSON(status, apiErr)
}

// HTTP handlers for REST API
func (s *DashboardService) setupHTTPRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.GET("/health", s.handleHealthCheck)
	if s.metrics != nil {
		api.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	limited := api.Group("", s.rateLimitMiddleware())
	{
		limited.GET("/manifest", s.handleManifest)
		limited.GET("/symbols", s.handleSymbols)
		limited.GET("/stats", s.handleStats)
		limited.GET("/series/:symbol/:field", s.handleSeries)

		limited.POST("/sessions", s.handleCreateSession)
		limited.GET("/sessions/:id", s.handleGetSession)
		limited.DELETE("/sessions/:id", s.handleDeleteSession)
		limited.PUT("/sessions/:id/symbol", s.handleSelectSymbol)
		limited.PUT("/sessions/:id/timeframe", s.handleSelectTimeframe)
		limited.PUT("/sessions/:id/range", s.handleSelectRange)
		limited.PUT("/sessions/:id/tab", s.handleSelectTab)
		limited.GET("/sessions/:id/indicator/:name", s.handleIndicator)
		limited.GET("/sessions/:id/chart.arrow", s.handleChartArrow)
	}
}

func (s *DashboardService) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"sessions":  s.registry.Len(),
		"symbols":   len(s.ctrl.Symbols()),
	})
}

func (s *DashboardService) handleManifest(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"manifest": s.store.Manifest(),
		"issues":   len(s.store.Issues()),
	})
}

func (s *DashboardService) handleSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.ctrl.Symbols()})
}

func (s *DashboardService) handleStats(c *gin.Context) {
	t := s.ctrl.Table()
	if t == nil {
		s.writeError(c, engine.APIError{Code: engine.CodeNotFound, Message: "No stats loaded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"header":  t.Header(),
		"records": t.Records(),
	})
}

type seriesResponse struct {
	Symbol    string           `json:"symbol"`
	Field     engine.Field     `json:"field"`
	Timeframe engine.Timeframe `json:"timeframe"`
	Index     []time.Time      `json:"index"`
	Values    any              `json:"values"`
	Counts    []int            `json:"counts,omitempty"`
}

// handleSeries serves one stored series, sliced when start and end are given.
// Signals are looked up when the field is not a price or indicator.
func (s *DashboardService) handleSeries(c *gin.Context) {
	symbol, field := c.Param("symbol"), engine.Field(c.Param("field"))
	tf := s.store.Base()
	if tok := c.Query("timeframe"); tok != "" {
		parsed, err := engine.ParseTimeframe(tok)
		if err != nil {
			s.writeError(c, err)
			return
		}
		tf = parsed
	}
	var r *engine.DateRange
	if start, end := c.Query("start"), c.Query("end"); start != "" || end != "" {
		if start == "" || end == "" {
			s.writeError(c, badRequest("start and end must be given together", nil))
			return
		}
		dr, err := engine.ParseDateRange(start, end)
		if err != nil {
			s.writeError(c, err)
			return
		}
		r = &dr
	}

	if ts, err := s.store.Get(symbol, field, tf); err == nil {
		if r != nil {
			if ts, err = engine.Slice(ts, *r); err != nil {
				s.writeError(c, err)
				return
			}
		}
		c.JSON(http.StatusOK, seriesResponse{Symbol: symbol, Field: field, Timeframe: tf, Index: ts.Index, Values: ts.Values})
		return
	}

	buckets, err := s.store.SignalBuckets(symbol, field, tf)
	if err != nil {
		s.writeError(c, err)
		return
	}
	sig, counts := buckets.SignalSeries, buckets.Counts
	if r != nil {
		lo, hi, err := engine.SliceIndex(sig.Index, *r)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if sig, err = engine.Slice(sig, *r); err != nil {
			s.writeError(c, err)
			return
		}
		if counts != nil {
			counts = counts[lo:hi]
		}
	}
	c.JSON(http.StatusOK, seriesResponse{Symbol: symbol, Field: field, Timeframe: tf, Index: sig.Index, Values: sig.Values, Counts: counts})
}

func (s *DashboardService) handleCreateSession(c *gin.Context) {
	sess, err := s.registry.Create(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.recordSessions()
	c.JSON(http.StatusCreated, sess.View())
}

func (s *DashboardService) session(c *gin.Context) (*view.Session, bool) {
	id := c.Param("id")
	sess, ok := s.registry.Get(id)
	if !ok {
		s.writeError(c, sessionNotFound(id))
	}
	return sess, ok
}

func (s *DashboardService) handleGetSession(c *gin.Context) {
	if sess, ok := s.session(c); ok {
		c.JSON(http.StatusOK, sess.View())
	}
}

func (s *DashboardService) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if !s.registry.Delete(id) {
		s.writeError(c, sessionNotFound(id))
		return
	}
	s.recordSessions()
	c.Status(http.StatusNoContent)
}

func (s *DashboardService) recordSessions() {
	if s.metrics != nil {
		s.metrics.SetSessions(s.registry.Len())
	}
}

type symbolRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

type timeframeRequest struct {
	Timeframe string `json:"timeframe" binding:"required"`
}

type rangeRequest struct {
	Start string `json:"start" binding:"required"`
	End   string `json:"end" binding:"required"`
}

type tabRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *DashboardService) respond(c *gin.Context, v *view.View, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *DashboardService) handleSelectSymbol(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req symbolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("invalid symbol request", err))
		return
	}
	v, err := sess.SelectSymbol(c.Request.Context(), req.Symbol)
	s.respond(c, v, err)
}

func (s *DashboardService) handleSelectTimeframe(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req timeframeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("invalid timeframe request", err))
		return
	}
	v, err := sess.SelectTimeframe(c.Request.Context(), req.Timeframe)
	s.respond(c, v, err)
}

func (s *DashboardService) handleSelectRange(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req rangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("invalid range request", err))
		return
	}
	r, err := engine.ParseDateRange(req.Start, req.End)
	if err != nil {
		s.writeError(c, err)
		return
	}
	v, err := sess.SelectRange(c.Request.Context(), r)
	s.respond(c, v, err)
}

func (s *DashboardService) handleSelectTab(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	var req tabRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, badRequest("invalid tab request", err))
		return
	}
	mode, err := view.ParseMode(req.Mode)
	if err != nil {
		s.writeError(c, badRequest("unknown tab", err))
		return
	}
	v, err := sess.SelectTab(c.Request.Context(), mode)
	s.respond(c, v, err)
}

func (s *DashboardService) handleIndicator(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	fig, spec, err := sess.Indicator(c.Request.Context(), engine.Field(c.Param("name")), c.Query("timeframe"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"title":     spec.Title,
		"timeframe": spec.Timeframe,
		"range":     spec.Range,
		"figure":    fig,
	})
}

// handleChartArrow streams the OHLC slice behind the session's current chart,
// with its entry and exit signals, as an Arrow IPC stream.
func (s *DashboardService) handleChartArrow(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}
	spec := sess.View().Spec
	if spec.Frame == nil {
		s.writeError(c, engine.APIError{Code: engine.CodeNotFound, Message: "Current chart has no price frame"})
		return
	}
	c.Header("Content-Type", arrowStreamType)
	c.Header("X-Rows", strconv.Itoa(spec.Frame.Len()))
	c.Status(http.StatusOK)
	if err := s.pipeline.WriteFrame(c.Writer, spec.Frame, spec.Signals...); err != nil {
		s.logger.Error("arrow stream failed", zap.String("session", sess.ID()), zap.Error(err))
	}
}
