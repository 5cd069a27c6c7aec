package client

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hostbridge/hostbridge/internal/logger"
	"github.com/hostbridge/hostbridge/internal/protocol"
)

// WaitUntilIdle polls the host's status route until it reports not busy,
// then returns nil. A non-positive timeout uses the configured compile-wait
// timeout. Transient poll failures count as "still not ready" rather than
// aborting: the host is expected to be briefly unreachable during the very
// reload window being waited out. Fatal failures (such as a rejected
// token) abort immediately; exhausting the window returns ErrWaitTimeout.
func (c *Client) WaitUntilIdle(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.CompileWaitTimeout()
	}
	deadline := time.Now().Add(timeout)

	for {
		busy, err := c.queryBusy(ctx)
		switch {
		case err == nil && !busy:
			return nil
		case err != nil && !IsTransient(err):
			return err
		case err != nil:
			logger.Debug("idle poll failed (%v), treating host as not ready", err)
		}

		if time.Now().After(deadline) {
			return ErrWaitTimeout
		}
		if err := sleepCtx(ctx, c.pollInterval); err != nil {
			return err
		}
	}
}

// queryBusy performs one unretried status probe.
func (c *Client) queryBusy(ctx context.Context) (bool, error) {
	if timeout := c.cfg.GetTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+protocol.RouteStatus, nil)
	if err != nil {
		return false, err
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set(protocol.TokenHeader, c.cfg.AuthToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, classifyStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, classifyTransport(err)
	}

	var status protocol.StatusResult
	if err := protocol.DecodeInto(body, &status); err != nil {
		return false, err
	}
	return status.Busy, nil
}
