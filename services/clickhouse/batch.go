package clickhouse

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// BatchWriter buffers rows for one table and ships them to the ClickHouse
// HTTP interface as gzipped JSONEachRow.
type BatchWriter struct {
	baseURL    string
	table      string
	username   string
	password   string
	httpClient *http.Client
	buffer     []any
	batchSize  int
	written    int
}

func NewBatchWriter(cfg Config, table string, batchSize int, httpClient *http.Client) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 10000
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &BatchWriter{
		baseURL:    cfg.HTTPURL,
		table:      cfg.Database + "." + table,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
		buffer:     make([]any, 0, batchSize),
		batchSize:  batchSize,
	}
}

// Add buffers row and flushes once the batch is full. row must marshal to a
// JSON object whose keys are column names.
func (w *BatchWriter) Add(ctx context.Context, row any) error {
	w.buffer = append(w.buffer, row)
	if len(w.buffer) >= w.batchSize {
		return w.Flush(ctx)
	}
	return nil
}

// Written counts rows the server has accepted.
func (w *BatchWriter) Written() int { return w.written }

func (w *BatchWriter) Flush(ctx context.Context) error {
	if len(w.buffer) == 0 {
		return nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, row := range w.buffer {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip error: %w", err)
	}

	query := fmt.Sprintf("INSERT INTO %s FORMAT JSONEachRow", w.table)
	if _, err := postQuery(ctx, w.httpClient, w.baseURL, query, nil, w.username, w.password, &buf, true); err != nil {
		return fmt.Errorf("insert %s: %w", w.table, err)
	}

	w.written += len(w.buffer)
	w.buffer = w.buffer[:0]
	return nil
}

func (w *BatchWriter) Close(ctx context.Context) error {
	return w.Flush(ctx)
}

// postQuery runs query against the HTTP interface with body as its input and
// returns the response body. params bind {name:Type} placeholders.
func postQuery(ctx context.Context, client *http.Client, baseURL, query string, params map[string]string, user, password string, body io.Reader, gzipped bool) ([]byte, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("input_format_null_as_default", "1")
	q.Set("date_time_input_format", "best_effort")
	for k, v := range params {
		q.Set("param_"+k, v)
	}
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/?"+q.Encode(), body)
	if err != nil {
		return nil, fmt.Errorf("request error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if user != "" {
		req.SetBasicAuth(user, password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("clickhouse error %d: %s", resp.StatusCode, bytes.TrimSpace(out))
	}
	return out, nil
}
