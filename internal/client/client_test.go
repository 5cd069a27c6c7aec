package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/hostbridge/internal/config"
	"github.com/hostbridge/hostbridge/internal/protocol"
)

func testClientConfig(baseURL string) config.ClientConfig {
	cfg := config.Default().Client
	cfg.BaseURL = baseURL
	cfg.MaxAttempts = 3
	cfg.RetryBaseDelayMs = 10
	cfg.RetryMaxDelayMs = 1000
	cfg.GetTimeoutSec = 2
	return cfg
}

func envelopeHandler(fn func(r *http.Request) *protocol.Envelope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, _ := fn(r).Marshal()
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func TestCallDecodesResult(t *testing.T) {
	ts := httptest.NewServer(envelopeHandler(func(r *http.Request) *protocol.Envelope {
		var payload map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		env, err := protocol.EncodeOK(payload)
		require.NoError(t, err)
		return env
	}))
	defer ts.Close()

	c := New(testClientConfig(ts.URL))
	var out map[string]int
	require.NoError(t, c.CallInto(context.Background(), "/echo", map[string]int{"x": 1}, &out))
	assert.Equal(t, map[string]int{"x": 1}, out)
}

func TestCallSendsToken(t *testing.T) {
	var seen atomic.Value
	ts := httptest.NewServer(envelopeHandler(func(r *http.Request) *protocol.Envelope {
		seen.Store(r.Header.Get(protocol.TokenHeader))
		env, _ := protocol.EncodeOK(nil)
		return env
	}))
	defer ts.Close()

	cfg := testClientConfig(ts.URL)
	cfg.AuthToken = "sekrit"
	_, err := New(cfg).Call(context.Background(), "/op", nil)
	require.NoError(t, err)
	assert.Equal(t, "sekrit", seen.Load())
}

func TestConnectionRefusedRetriedWithLinearDelay(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()
	ln.Close()

	cfg := testClientConfig(base)
	cfg.MaxAttempts = 3
	cfg.RetryBaseDelayMs = 20

	start := time.Now()
	_, err = New(cfg).Call(context.Background(), "/op", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.ErrorContains(t, err, "after 3 attempts")
	// Linear backoff: 20ms after attempt 1, 40ms after attempt 2.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestServerErrorRetriedUntilSuccess(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		env, _ := protocol.EncodeOK("recovered")
		data, _ := env.Marshal()
		w.Write(data)
	}))
	defer ts.Close()

	var out string
	require.NoError(t, New(testClientConfig(ts.URL)).CallInto(context.Background(), "/op", nil, &out))
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(3), requests.Load())
}

func TestRemoteErrorIsFatal(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(envelopeHandler(func(r *http.Request) *protocol.Envelope {
		requests.Add(1)
		return protocol.EncodeErr("boom")
	}))
	defer ts.Close()

	_, err := New(testClientConfig(ts.URL)).Call(context.Background(), "/op", nil)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
	// Fatal on first attempt, never retried.
	assert.Equal(t, int32(1), requests.Load())
}

func TestUnauthorizedIsFatal(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	_, err := New(testClientConfig(ts.URL)).Call(context.Background(), "/op", nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), requests.Load())
}

func TestUnknownRouteIsFatal(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := New(testClientConfig(ts.URL)).Call(context.Background(), "/op", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestZeroTimeoutWaitsForSlowSuccess(t *testing.T) {
	ts := httptest.NewServer(envelopeHandler(func(r *http.Request) *protocol.Envelope {
		time.Sleep(150 * time.Millisecond)
		env, _ := protocol.EncodeOK("slow but fine")
		return env
	}))
	defer ts.Close()

	cfg := testClientConfig(ts.URL)
	c := New(cfg)

	var out string
	err := c.CallInto(context.Background(), "/op", nil, &out, WithTimeout(0))
	require.NoError(t, err)
	assert.Equal(t, "slow but fine", out)
}

func TestWaitUntilIdleReturnsWhenHostSettles(t *testing.T) {
	var polls atomic.Int32
	ts := httptest.NewServer(envelopeHandler(func(r *http.Request) *protocol.Envelope {
		busy := polls.Add(1) <= 3
		env, _ := protocol.EncodeOK(protocol.StatusResult{Busy: busy})
		return env
	}))
	defer ts.Close()

	c := New(testClientConfig(ts.URL))
	c.pollInterval = 10 * time.Millisecond

	start := time.Now()
	require.NoError(t, c.WaitUntilIdle(context.Background(), 2*time.Second))

	// Three busy polls, then the idle one.
	assert.Equal(t, int32(4), polls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitUntilIdleTimesOut(t *testing.T) {
	ts := httptest.NewServer(envelopeHandler(func(r *http.Request) *protocol.Envelope {
		env, _ := protocol.EncodeOK(protocol.StatusResult{Busy: true})
		return env
	}))
	defer ts.Close()

	c := New(testClientConfig(ts.URL))
	c.pollInterval = 10 * time.Millisecond

	err := c.WaitUntilIdle(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitUntilIdleSwallowsTransientFailures(t *testing.T) {
	// The host is unreachable for the first polls, exactly the window the
	// caller is waiting out.
	var polls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) <= 2 {
			http.Error(w, "reloading", http.StatusServiceUnavailable)
			return
		}
		env, _ := protocol.EncodeOK(protocol.StatusResult{Busy: false})
		data, _ := env.Marshal()
		w.Write(data)
	}))
	defer ts.Close()

	c := New(testClientConfig(ts.URL))
	c.pollInterval = 10 * time.Millisecond

	require.NoError(t, c.WaitUntilIdle(context.Background(), 2*time.Second))
	assert.Equal(t, int32(3), polls.Load())
}

func TestWaitUntilIdleFatalAborts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := New(testClientConfig(ts.URL))
	c.pollInterval = 10 * time.Millisecond

	err := c.WaitUntilIdle(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStreamLogs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "retry: 100\n\n")
		fmt.Fprint(w, "data: first\n\n")
		fmt.Fprint(w, "data: multi\\nline\n\n")
		flusher.Flush()
	}))
	defer ts.Close()

	var lines []string
	err := New(testClientConfig(ts.URL)).StreamLogs(context.Background(), func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "multi\nline"}, lines)
}
