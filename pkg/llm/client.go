// Package llm invokes the upstream inference endpoint for one task, with
// bounded retries and a hard per-task timeout. Each task line carries its
// own target URL; this client holds no model configuration of its own.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Usage is the token accounting block of an upstream response.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result is a successful upstream invocation.
type Result struct {
	Completions map[string]any
	Usage       Usage
	// Attempts is the number of tries it took, including the last.
	Attempts int
}

// InvokeError is a failed invocation after retries are exhausted or a
// permanent upstream rejection. It becomes the task's result document.
type InvokeError struct {
	StatusCode int
	Message    string
	Permanent  bool
	Attempts   int
}

func (e *InvokeError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

// Client calls upstream endpoints. Safe for concurrent use.
type Client struct {
	httpClient *http.Client

	// maxAttempts is the total number of tries per task.
	maxAttempts int
	// timeout is the hard wall-clock budget covering all attempts.
	timeout time.Duration

	minInterval time.Duration
	maxInterval time.Duration
}

// NewClient builds an upstream client. maxAttempts and timeout come from
// MAX_RETRIES and LLM_TIMEOUT.
func NewClient(maxAttempts int, timeout time.Duration) *Client {
	return &Client{
		httpClient:  &http.Client{},
		maxAttempts: maxAttempts,
		timeout:     timeout,
		minInterval: 4 * time.Second,
		maxInterval: 60 * time.Second,
	}
}

// WithRetryInterval overrides the backoff window. Integration tests shrink
// it so retry scenarios finish quickly.
func (c *Client) WithRetryInterval(min, max time.Duration) *Client {
	c.minInterval = min
	c.maxInterval = max
	return c
}

// retryAfterBackOff prefers an upstream Retry-After hint over the
// exponential schedule for the next wait.
type retryAfterBackOff struct {
	backoff.BackOff
	hint *time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if *b.hint > 0 {
		d := *b.hint
		*b.hint = 0
		return d
	}
	return b.BackOff.NextBackOff()
}

// Invoke posts body to url and returns the parsed completion. Transient
// failures (5xx, 429, network errors) are retried with exponential backoff;
// auth failures and other 4xx responses abort immediately. The whole call,
// waits included, is bounded by the client timeout.
func (c *Client) Invoke(ctx context.Context, method, url string, body map[string]any, apiKey string) (*Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &InvokeError{Message: fmt.Sprintf("unserializable request body: %v", err), Permanent: true}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.minInterval),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(c.maxInterval),
	)
	var retryAfter time.Duration
	var bo backoff.BackOff = &retryAfterBackOff{BackOff: exp, hint: &retryAfter}
	if c.maxAttempts > 1 {
		bo = backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1))
	} else {
		bo = &backoff.StopBackOff{}
	}

	attempt := 0
	var result *Result
	operation := func() error {
		attempt++
		res, err := c.attempt(ctx, method, url, payload, apiKey, &retryAfter)
		if err != nil {
			var ie *InvokeError
			if errors.As(err, &ie) && ie.Permanent {
				return backoff.Permanent(err)
			}
			slog.Warn("Upstream attempt failed", "url", url, "attempt", attempt, "error", err)
			return err
		}
		result = res
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		var ie *InvokeError
		if errors.As(err, &ie) {
			ie.Attempts = attempt
			return nil, ie
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &InvokeError{
				Message:  fmt.Sprintf("upstream call timed out after %s", c.timeout),
				Attempts: attempt,
			}
		}
		return nil, &InvokeError{Message: err.Error(), Attempts: attempt}
	}
	result.Attempts = attempt
	return result, nil
}

func (c *Client) attempt(ctx context.Context, method, url string, payload []byte, apiKey string, retryAfter *time.Duration) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &InvokeError{Message: fmt.Sprintf("invalid upstream request: %v", err), Permanent: true}
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return parseCompletion(raw)
	case resp.StatusCode == http.StatusTooManyRequests:
		if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
			*retryAfter = d
		}
		return nil, &InvokeError{StatusCode: resp.StatusCode, Message: truncate(raw)}
	case resp.StatusCode >= 500:
		return nil, &InvokeError{StatusCode: resp.StatusCode, Message: truncate(raw)}
	default:
		// 401, 403, 404, 422 and friends will not improve with retries.
		return nil, &InvokeError{StatusCode: resp.StatusCode, Message: truncate(raw), Permanent: true}
	}
}

func parseCompletion(raw []byte) (*Result, error) {
	var completions map[string]any
	if err := json.Unmarshal(raw, &completions); err != nil {
		return nil, &InvokeError{Message: fmt.Sprintf("upstream returned malformed JSON: %v", err), Permanent: true}
	}

	res := &Result{Completions: completions}
	if usage, ok := completions["usage"].(map[string]any); ok {
		res.Usage = Usage{
			PromptTokens:     intField(usage, "prompt_tokens"),
			CompletionTokens: intField(usage, "completion_tokens"),
			TotalTokens:      intField(usage, "total_tokens"),
		}
	}
	return res, nil
}

func intField(m map[string]any, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

// parseRetryAfter handles both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(raw []byte) string {
	const max = 2048
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
