package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"backtest-dashboard/services/arrowpipeline"
	"backtest-dashboard/services/clickhouse"
	"backtest-dashboard/services/config"
	"backtest-dashboard/services/dataset"
	"backtest-dashboard/services/engine"
	"backtest-dashboard/services/stats"
)

const (
	statusPass = "PASS"
	statusWarn = "WARN"
	statusFail = "FAIL"
)

// NightlyAudit performs data quality checks over an exported backtest
type NightlyAudit struct {
	cfg    *config.Config
	ds     *engine.Dataset
	doc    *stats.Document
	logger *zap.Logger
	now    func() time.Time

	// ExpectChecksum, when set, must match the manifest checksum.
	ExpectChecksum string

	store *engine.Store
}

func NewNightlyAudit(cfg *config.Config, ds *engine.Dataset, doc *stats.Document, logger *zap.Logger) *NightlyAudit {
	return &NightlyAudit{cfg: cfg, ds: ds, doc: doc, logger: logger, now: time.Now}
}

// AuditResult represents the result of an audit check
type AuditResult struct {
	CheckName string
	Status    string // "PASS", "WARN", "FAIL"
	Message   string
	Details   map[string]interface{}
	CheckedAt time.Time
}

func (na *NightlyAudit) result(name, status, msg string, details map[string]interface{}) *AuditResult {
	if details == nil {
		details = map[string]interface{}{}
	}
	return &AuditResult{CheckName: name, Status: status, Message: msg, Details: details, CheckedAt: na.now()}
}

// runCompletenessCheck requires base prices for every traded symbol
func (na *NightlyAudit) runCompletenessCheck() (*AuditResult, error) {
	v := &engine.Validator{Base: na.ds.Base}
	err := v.CheckCompleteness(na.ds)
	var incomplete *engine.IncompleteDataError
	switch {
	case err == nil:
		return na.result("completeness", statusPass,
			fmt.Sprintf("All %d traded symbols have base prices", len(na.ds.Trades.Symbols())), nil), nil
	case errors.As(err, &incomplete):
		details := map[string]interface{}{"timeframe": string(incomplete.Timeframe)}
		for sym, fields := range incomplete.Missing {
			names := make([]string, len(fields))
			for i, f := range fields {
				names[i] = string(f)
			}
			details[sym] = strings.Join(names, ",")
		}
		return na.result("completeness", statusFail,
			fmt.Sprintf("%d traded symbols lack base prices", len(incomplete.Missing)), details), nil
	default:
		return nil, err
	}
}

// runStoreCheck builds the series store the dashboard would serve
func (na *NightlyAudit) runStoreCheck() (*AuditResult, error) {
	derive, err := config.ParseTimeframes(na.cfg.Dataset.Derive)
	if err != nil {
		return nil, err
	}
	store, err := engine.NewStore(na.ds, engine.StoreOptions{
		Derive:             derive,
		ReferenceIndex:     engine.ReferenceIndexMode(na.cfg.Dataset.ReferenceIndex),
		MaxIssuesPerSeries: na.cfg.Dataset.MaxIssues,
		Logger:             na.logger,
	})
	if err != nil {
		return na.result("store", statusFail, fmt.Sprintf("Store failed to build: %v", err), nil), nil
	}
	na.store = store

	m := store.Manifest()
	details := map[string]interface{}{
		"checksum":   m.Checksum,
		"symbols":    len(m.Symbols),
		"timeframes": len(m.Timeframes),
		"series":     len(m.Entries),
		"trades":     m.Trades,
	}
	if na.ExpectChecksum != "" && na.ExpectChecksum != m.Checksum {
		details["expected"] = na.ExpectChecksum
		return na.result("store", statusFail, "Manifest checksum differs from the expected value", details), nil
	}
	return na.result("store", statusPass, fmt.Sprintf("Store built with %d series", len(m.Entries)), details), nil
}

// issueCheck summarizes the store's findings of one kind
func (na *NightlyAudit) issueCheck(name string, kind engine.IssueKind) func() (*AuditResult, error) {
	return func() (*AuditResult, error) {
		if na.store == nil {
			return na.result(name, statusFail, "Skipped: store not built", nil), nil
		}
		details := map[string]interface{}{}
		count := 0
		for _, issue := range na.store.Issues() {
			if issue.Kind != kind {
				continue
			}
			count++
			key := issue.Symbol + "/" + string(issue.Timeframe)
			if issue.Field != "" {
				key += "/" + string(issue.Field)
			}
			if prev, ok := details[key]; ok {
				details[key] = prev.(string) + "; " + issue.Detail
			} else {
				details[key] = issue.Detail
			}
		}
		if count == 0 {
			return na.result(name, statusPass, fmt.Sprintf("No %s issues", kind), nil), nil
		}
		return na.result(name, statusWarn, fmt.Sprintf("Found %d %s issues", count, kind), details), nil
	}
}

// runTradeCheck flags trades that fall outside the price history or close before they open
func (na *NightlyAudit) runTradeCheck() (*AuditResult, error) {
	trades := na.ds.Trades.All()
	details := map[string]interface{}{}
	status := statusPass
	outside, inverted := 0, 0
	for _, t := range trades {
		if !t.IsOpen() && t.ExitTime.Before(t.EntryTime) {
			inverted++
			status = statusFail
			details[t.ID] = "exit before entry"
			continue
		}
		idx := na.baseIndex(t.Symbol)
		if len(idx) == 0 {
			continue
		}
		if t.EntryTime.Before(idx[0]) || t.EntryTime.After(idx[len(idx)-1]) {
			outside++
			if status == statusPass {
				status = statusWarn
			}
			details[t.ID] = "entry outside price history"
		}
	}
	msg := fmt.Sprintf("%d trades checked", len(trades))
	if inverted > 0 || outside > 0 {
		msg = fmt.Sprintf("%d trades exit before entry, %d enter outside price history", inverted, outside)
	}
	return na.result("trades", status, msg, details), nil
}

func (na *NightlyAudit) baseIndex(symbol string) []time.Time {
	s, ok := na.ds.Prices.Lookup(symbol, engine.FieldClose, na.ds.Base)
	if !ok {
		return nil
	}
	return s.Index
}

// runStatsCoverageCheck requires a stats record per traded symbol
func (na *NightlyAudit) runStatsCoverageCheck() (*AuditResult, error) {
	if na.doc == nil {
		return na.result("stats_coverage", statusWarn, "No stats export found", nil), nil
	}
	var missing []string
	for _, sym := range na.ds.Trades.Symbols() {
		if _, ok := na.doc.Symbols[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	if len(missing) == 0 {
		return na.result("stats_coverage", statusPass,
			fmt.Sprintf("Stats cover %d symbols", len(na.doc.Symbols)), nil), nil
	}
	sort.Strings(missing)
	return na.result("stats_coverage", statusWarn,
		fmt.Sprintf("%d traded symbols have no stats record", len(missing)),
		map[string]interface{}{"missing": strings.Join(missing, ",")}), nil
}

// runAllChecks runs all audit checks. The store check must precede the issue checks.
func (na *NightlyAudit) runAllChecks() []*AuditResult {
	var results []*AuditResult

	checks := []struct {
		name string
		fn   func() (*AuditResult, error)
	}{
		{"completeness", na.runCompletenessCheck},
		{"store", na.runStoreCheck},
		{"ohlc_invariants", na.issueCheck("ohlc_invariants", engine.IssueOHLCInvariant)},
		{"gaps", na.issueCheck("gaps", engine.IssueGap)},
		{"partial_frames", na.issueCheck("partial_frames", engine.IssuePartialFrame)},
		{"orphan_series", na.issueCheck("orphan_series", engine.IssueOrphanSeries)},
		{"trades", na.runTradeCheck},
		{"stats_coverage", na.runStatsCoverageCheck},
	}

	for _, check := range checks {
		result, err := check.fn()
		if err != nil {
			na.logger.Warn("check failed", zap.String("check", check.name), zap.Error(err))
			result = na.result(check.name, statusFail, fmt.Sprintf("Check failed: %v", err), nil)
		}
		na.logger.Info("check complete",
			zap.String("check", result.CheckName),
			zap.String("status", result.Status),
			zap.String("message", result.Message))
		results = append(results, result)
	}

	return results
}

// writeAuditReport renders results as a plain-text report
func (na *NightlyAudit) writeAuditReport(w io.Writer, results []*AuditResult) error {
	passCount, warnCount, failCount := 0, 0, 0
	for _, result := range results {
		switch result.Status {
		case statusPass:
			passCount++
		case statusWarn:
			warnCount++
		case statusFail:
			failCount++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Dataset Quality Audit Report\n")
	fmt.Fprintf(&b, "Generated: %s\n", na.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Source: %s\n", na.cfg.Dataset.Source)
	fmt.Fprintf(&b, "Base timeframe: %s\n\n", na.ds.Base)

	fmt.Fprintf(&b, "Summary:\n")
	fmt.Fprintf(&b, "  Total checks: %d\n", len(results))
	fmt.Fprintf(&b, "  Passed: %d\n", passCount)
	fmt.Fprintf(&b, "  Warnings: %d\n", warnCount)
	fmt.Fprintf(&b, "  Failed: %d\n\n", failCount)

	fmt.Fprintf(&b, "Detailed Results:\n")
	fmt.Fprintf(&b, "%s\n", strings.Repeat("=", 80))

	for _, result := range results {
		fmt.Fprintf(&b, "\nCheck: %s\n", result.CheckName)
		fmt.Fprintf(&b, "Status: %s\n", result.Status)
		fmt.Fprintf(&b, "Message: %s\n", result.Message)
		fmt.Fprintf(&b, "Checked at: %s\n", result.CheckedAt.UTC().Format(time.RFC3339))

		if len(result.Details) > 0 {
			keys := make([]string, 0, len(result.Details))
			for key := range result.Details {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			fmt.Fprintf(&b, "Details:\n")
			for _, key := range keys {
				fmt.Fprintf(&b, "  %s: %v\n", key, result.Details[key])
			}
		}
		fmt.Fprintf(&b, "%s\n", strings.Repeat("-", 40))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func hasFailures(results []*AuditResult) bool {
	for _, result := range results {
		if result.Status == statusFail {
			return true
		}
	}
	return false
}

// loadExport reads the dataset from the configured source. Stats always come from disk.
func loadExport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*engine.Dataset, *stats.Document, error) {
	pipeline, err := arrowpipeline.NewPipeline(&arrowpipeline.Config{BatchSize: cfg.Arrow.BatchSize}, logger)
	if err != nil {
		return nil, nil, err
	}
	base := config.MustTimeframe(cfg.Dataset.Base)
	exp, err := dataset.NewLoader(cfg.Dataset.Dir, pipeline, logger).Load(ctx, base)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Dataset.Source != config.SourceClickHouse {
		return exp.Dataset, exp.Stats, nil
	}

	derive, err := config.ParseTimeframes(cfg.Dataset.Derive)
	if err != nil {
		return nil, nil, err
	}
	client, err := clickhouse.NewClient(clickhouse.Config(cfg.ClickHouse), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	ds, err := client.Load(ctx, base, derive)
	if err != nil {
		return nil, nil, err
	}
	return ds, exp.Stats, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML config file")
	reportPath := flag.String("report", "nightly_audit_report.txt", "Where to write the audit report")
	checksum := flag.String("expect-checksum", "", "Fail unless the manifest checksum matches")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ds, doc, err := loadExport(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Fatal("Failed to load dataset", zap.Error(err))
	}

	logger.Info("Starting dataset audit", zap.String("source", cfg.Dataset.Source))
	audit := NewNightlyAudit(cfg, ds, doc, logger)
	audit.ExpectChecksum = *checksum
	results := audit.runAllChecks()

	file, err := os.Create(*reportPath)
	if err != nil {
		logger.Fatal("Failed to create audit report", zap.Error(err))
	}
	if err := audit.writeAuditReport(file, results); err != nil {
		file.Close()
		logger.Fatal("Failed to write audit report", zap.Error(err))
	}
	if err := file.Close(); err != nil {
		logger.Fatal("Failed to write audit report", zap.Error(err))
	}
	logger.Info("Audit report saved", zap.String("path", *reportPath))
	logger.Sync()

	if hasFailures(results) {
		os.Exit(1)
	}
}
