// Package remote talks to the app's libSQL backend over the Hrana HTTP
// pipeline protocol and exposes the row-level operations queued actions are
// replayed with.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrNotFound is returned when a statement that targets existing rows
	// matched none.
	ErrNotFound = errors.New("remote: not found")
	// ErrDuplicate is returned when an insert hit an existing primary key.
	ErrDuplicate = errors.New("remote: duplicate")
	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("remote: unauthorized")
)

// Client is a libSQL HTTP client. Requests that fail in transport or with a
// 5xx status are retried a few times within the caller's context; statement
// errors are returned as is.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a client for databaseURL. libsql:// URLs are rewritten to
// https://.
func NewClient(databaseURL, authToken string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := strings.TrimSuffix(databaseURL, "/")
	if rest, ok := strings.CutPrefix(baseURL, "libsql://"); ok {
		baseURL = "https://" + rest
	}

	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		logger:     logger.With("component", "remote"),
	}
}

// SetRateLimit caps outgoing requests, retries included, at rps per second
// with the given burst. rps <= 0 removes the cap.
func (c *Client) SetRateLimit(rps float64, burst int) {
	if rps <= 0 {
		c.limiter.SetLimit(rate.Inf)
		return
	}
	if burst < 1 {
		burst = 1
	}
	c.limiter.SetBurst(burst)
	c.limiter.SetLimit(rate.Limit(rps))
}

// PipelineRequest is a batch of stream requests.
type PipelineRequest struct {
	Baton    *string        `json:"baton,omitempty"`
	Requests []BatchRequest `json:"requests"`
}

// BatchRequest is a single stream request, "execute" or "close".
type BatchRequest struct {
	Type      string     `json:"type"`
	Statement *Statement `json:"stmt,omitempty"`
}

// Statement is a SQL statement with positional arguments.
type Statement struct {
	SQL  string  `json:"sql"`
	Args []Value `json:"args,omitempty"`
}

// Value is a Hrana tagged value.
type Value struct {
	Type   string `json:"type"`
	Value  any    `json:"value,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// PipelineResponse carries one result per request.
type PipelineResponse struct {
	Baton   *string       `json:"baton,omitempty"`
	Results []BatchResult `json:"results"`
}

// BatchResult is the outcome of one stream request.
type BatchResult struct {
	Type     string          `json:"type"` // "ok" or "error"
	Response *StreamResponse `json:"response,omitempty"`
	Error    *PipelineError  `json:"error,omitempty"`
}

// StreamResponse wraps the statement result of an "execute" request.
type StreamResponse struct {
	Type   string      `json:"type"`
	Result *StmtResult `json:"result,omitempty"`
}

// StmtResult holds rows and the affected row count of a statement.
type StmtResult struct {
	Cols             []Column  `json:"cols"`
	Rows             [][]Value `json:"rows"`
	AffectedRowCount int64     `json:"affected_row_count"`
	LastInsertRowID  *string   `json:"last_insert_rowid,omitempty"`
}

// Column describes a result column.
type Column struct {
	Name     string `json:"name"`
	DeclType string `json:"decltype,omitempty"`
}

// PipelineError is a statement-level error reported by the server.
type PipelineError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *PipelineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// statusError is a non-200 HTTP response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

func (e *statusError) Unwrap() error {
	if e.code == http.StatusUnauthorized || e.code == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// ToValue converts a Go value to its Hrana representation. Maps and slices
// other than []byte are stored as JSON text.
func ToValue(v any) Value {
	switch val := v.(type) {
	case nil:
		return Value{Type: "null"}
	case string:
		return Value{Type: "text", Value: val}
	case bool:
		if val {
			return Value{Type: "integer", Value: "1"}
		}
		return Value{Type: "integer", Value: "0"}
	case int:
		return Value{Type: "integer", Value: strconv.FormatInt(int64(val), 10)}
	case int32:
		return Value{Type: "integer", Value: strconv.FormatInt(int64(val), 10)}
	case int64:
		return Value{Type: "integer", Value: strconv.FormatInt(val, 10)}
	case uint32:
		return Value{Type: "integer", Value: strconv.FormatUint(uint64(val), 10)}
	case float32:
		return Value{Type: "float", Value: float64(val)}
	case float64:
		return Value{Type: "float", Value: val}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return Value{Type: "integer", Value: strconv.FormatInt(n, 10)}
		}
		if f, err := val.Float64(); err == nil {
			return Value{Type: "float", Value: f}
		}
		return Value{Type: "text", Value: val.String()}
	case time.Time:
		return Value{Type: "integer", Value: strconv.FormatInt(val.UTC().Unix(), 10)}
	case []byte:
		return Value{Type: "blob", Base64: base64.StdEncoding.EncodeToString(val)}
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return Value{Type: "text", Value: fmt.Sprintf("%v", val)}
		}
		return Value{Type: "text", Value: string(raw)}
	default:
		return Value{Type: "text", Value: fmt.Sprintf("%v", val)}
	}
}

// Any returns the Go value of v: string, int64, float64, []byte or nil.
func (v Value) Any() any {
	switch v.Type {
	case "null":
		return nil
	case "integer":
		s, _ := v.Value.(string)
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return s
		}
		return n
	case "float":
		f, _ := v.Value.(float64)
		return f
	case "blob":
		b, err := base64.StdEncoding.DecodeString(v.Base64)
		if err != nil {
			return nil
		}
		return b
	default:
		s, _ := v.Value.(string)
		return s
	}
}

func convertArgs(args []any) []Value {
	if len(args) == 0 {
		return nil
	}
	converted := make([]Value, len(args))
	for i, arg := range args {
		converted[i] = ToValue(arg)
	}
	return converted
}

func executeRequests(stmts []Statement) PipelineRequest {
	requests := make([]BatchRequest, 0, len(stmts)+1)
	for i := range stmts {
		requests = append(requests, BatchRequest{Type: "execute", Statement: &stmts[i]})
	}
	requests = append(requests, BatchRequest{Type: "close"})
	return PipelineRequest{Requests: requests}
}

// executePipeline sends req with exponential backoff on retryable failures.
func (c *Client) executePipeline(ctx context.Context, req PipelineRequest) (*PipelineResponse, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << (attempt - 1)
			c.logger.Debug("retrying remote request", "attempt", attempt+1, "delay", delay)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("remote request: %w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("remote request: %w (last error: %v)", err, lastErr)
			}
			return nil, fmt.Errorf("remote request: %w", err)
		}

		resp, err := c.doExecutePipeline(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		c.logger.Warn("remote request failed", "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) doExecutePipeline(ctx context.Context, req PipelineRequest) (*PipelineResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/pipeline", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &statusError{code: httpResp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}

	var resp PipelineResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}

func (c *Client) run(ctx context.Context, stmts []Statement) ([]*StmtResult, error) {
	resp, err := c.executePipeline(ctx, executeRequests(stmts))
	if err != nil {
		return nil, err
	}

	results := make([]*StmtResult, len(stmts))
	for i := range stmts {
		if i >= len(resp.Results) {
			return nil, fmt.Errorf("statement %d: missing result", i)
		}
		r := resp.Results[i]
		if r.Type == "error" {
			if r.Error == nil {
				return nil, fmt.Errorf("statement %d failed", i)
			}
			return nil, r.Error
		}
		if r.Response != nil && r.Response.Result != nil {
			results[i] = r.Response.Result
		} else {
			results[i] = &StmtResult{}
		}
	}
	return results, nil
}

// Execute runs a single statement.
func (c *Client) Execute(ctx context.Context, sql string, args ...any) error {
	_, err := c.ExecuteResult(ctx, sql, args...)
	return err
}

// ExecuteResult runs a single statement and returns the number of rows it
// changed.
func (c *Client) ExecuteResult(ctx context.Context, sql string, args ...any) (int64, error) {
	results, err := c.run(ctx, []Statement{{SQL: sql, Args: convertArgs(args)}})
	if err != nil {
		return 0, err
	}
	return results[0].AffectedRowCount, nil
}

// Query runs a statement and returns its rows.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (*StmtResult, error) {
	results, err := c.run(ctx, []Statement{{SQL: sql, Args: convertArgs(args)}})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// BatchExecute runs statements in order in one pipeline request. Args are Go
// values and are converted like Execute's.
func (c *Client) BatchExecute(ctx context.Context, sqls []string, args [][]any) error {
	stmts := make([]Statement, len(sqls))
	for i, sql := range sqls {
		var a []any
		if i < len(args) {
			a = args[i]
		}
		stmts[i] = Statement{SQL: sql, Args: convertArgs(a)}
	}

	if _, err := c.run(ctx, stmts); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	return nil
}

// Ping checks that the database answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Query(ctx, "SELECT 1")
	return err
}
