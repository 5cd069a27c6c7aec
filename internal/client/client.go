// Package client is the automation-side counterpart of the bridge: a
// resilient RPC layer that tolerates host unavailability during startup,
// reload, and transient network failure without losing requests.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hostbridge/hostbridge/internal/config"
	"github.com/hostbridge/hostbridge/internal/logger"
	"github.com/hostbridge/hostbridge/internal/protocol"
)

const defaultPollInterval = 250 * time.Millisecond

// Client issues calls against one bridge. Safe for concurrent use; calls
// issued sequentially by one goroutine reach the host in issue order
// because each call awaits its response.
type Client struct {
	cfg          config.ClientConfig
	httpClient   *http.Client
	pollInterval time.Duration
}

// New creates a client from configuration. Timeouts are applied per call
// via context deadlines, so a zero timeout genuinely waits forever.
func New(cfg config.ClientConfig) *Client {
	return &Client{
		cfg:          cfg,
		httpClient:   &http.Client{},
		pollInterval: defaultPollInterval,
	}
}

type callOptions struct {
	timeout     time.Duration
	timeoutSet  bool
	maxAttempts int
}

// CallOption overrides per-call behavior.
type CallOption func(*callOptions)

// WithTimeout overrides the default call timeout. Zero waits indefinitely;
// long-running host operations use this so a slow success is not
// misclassified as a failure.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
		o.timeoutSet = true
	}
}

// WithMaxAttempts overrides the configured attempt cap for one call.
func WithMaxAttempts(n int) CallOption {
	return func(o *callOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// Call POSTs payload to the operation at path and returns the decoded
// result document (nil for a void success). Transient failures are retried
// with a linearly growing delay up to the attempt cap; fatal failures
// (auth, routing, handler errors, malformed payloads) are returned on the
// first attempt.
func (c *Client) Call(ctx context.Context, path string, payload any, opts ...CallOption) (json.RawMessage, error) {
	options := callOptions{
		timeout:     c.cfg.DefaultTimeout(),
		maxAttempts: c.cfg.MaxAttempts,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.maxAttempts < 1 {
		options.maxAttempts = 1
	}

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode payload for %s: %w", path, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= options.maxAttempts; attempt++ {
		result, err := c.attempt(ctx, http.MethodPost, path, body, options.timeout)
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return nil, fmt.Errorf("call %s: %w", path, err)
		}
		lastErr = err

		if attempt == options.maxAttempts {
			break
		}
		delay := c.retryDelay(attempt)
		logger.Debug("call %s attempt %d/%d failed (%v), retrying in %s",
			path, attempt, options.maxAttempts, err, delay)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("call %s failed after %d attempts: %w", path, options.maxAttempts, lastErr)
}

// CallInto is Call plus unmarshalling of the result into out.
func (c *Client) CallInto(ctx context.Context, path string, payload, out any, opts ...CallOption) error {
	result, err := c.Call(ctx, path, payload, opts...)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(result, out)
}

// retryDelay grows linearly with the attempt number, capped at the
// configured maximum. Deliberately linear, not exponential.
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.cfg.RetryBaseDelay() * time.Duration(attempt)
	if max := c.cfg.RetryMaxDelay(); max > 0 && delay > max {
		delay = max
	}
	return delay
}

// attempt performs one request/response exchange and classifies failures.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set(protocol.TokenHeader, c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, classifyStatus(resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(err)
	}
	return protocol.Decode(data)
}

// ReadLogs fetches the host's retained log buffer as plain text.
func (c *Client) ReadLogs(ctx context.Context) (string, error) {
	if timeout := c.cfg.GetTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+protocol.RouteLogsRead, nil)
	if err != nil {
		return "", err
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set(protocol.TokenHeader, c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransport(err)
	}
	return string(data), nil
}

// StreamLogs subscribes to the live log feed and invokes fn for every
// event until the stream ends or ctx is cancelled. The connection is held
// open indefinitely; retry/reconnect policy is the caller's.
func (c *Client) StreamLogs(ctx context.Context, fn func(line string)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+protocol.RouteLogsStream, nil)
	if err != nil {
		return err
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set(protocol.TokenHeader, c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if data, ok := strings.CutPrefix(text, "data: "); ok {
			fn(strings.ReplaceAll(data, "\\n", "\n"))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return classifyTransport(err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
