// Package config holds the bridge server and automation client
// configuration: a JSON config file overlaid with BRIDGE_* environment
// variables, environment winning.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ServerConfig configures the bridge embedded in the host.
type ServerConfig struct {
	// Host and Port form the loopback listen address.
	Host string `json:"host"`
	Port int    `json:"port"`
	// AuthToken is the shared secret clients must present. Empty disables
	// the check (insecure default, warned about at startup).
	AuthToken string `json:"auth_token,omitempty"`
	// RingCapacity is the number of log lines retained for /logs/read.
	RingCapacity int `json:"ring_capacity"`
	// SSERetryMs is the reconnect interval advertised to SSE clients.
	SSERetryMs int `json:"sse_retry_ms"`
	// RateLimit caps dispatched operations per second; RateBurst is the
	// allowed burst. Zero RateLimit disables limiting.
	RateLimit int `json:"rate_limit"`
	RateBurst int `json:"rate_burst"`
	// ReadTimeoutSec bounds reading a request; writes are unbounded because
	// the event stream stays open indefinitely.
	ReadTimeoutSec int `json:"read_timeout_sec"`
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SSERetry returns the advertised reconnect interval.
func (c *ServerConfig) SSERetry() time.Duration {
	return time.Duration(c.SSERetryMs) * time.Millisecond
}

// ReadTimeout returns the request read timeout.
func (c *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSec) * time.Second
}

// ClientConfig configures the resilient RPC client.
type ClientConfig struct {
	// BaseURL of the bridge, e.g. "http://127.0.0.1:8941".
	BaseURL string `json:"base_url"`
	// AuthToken matches the server's shared secret.
	AuthToken string `json:"auth_token,omitempty"`
	// DefaultTimeoutSec bounds ordinary calls; zero waits indefinitely.
	DefaultTimeoutSec int `json:"default_timeout_sec"`
	// GetTimeoutSec bounds cheap read-only queries such as the idle poll.
	GetTimeoutSec int `json:"get_timeout_sec"`
	// CompileWaitTimeoutSec bounds WaitUntilIdle.
	CompileWaitTimeoutSec int `json:"compile_wait_timeout_sec"`
	// MaxAttempts caps transient retries per call.
	MaxAttempts int `json:"max_attempts"`
	// RetryBaseDelayMs is multiplied by the attempt number to get the
	// wait before the next attempt, capped at RetryMaxDelayMs.
	RetryBaseDelayMs int `json:"retry_base_delay_ms"`
	RetryMaxDelayMs  int `json:"retry_max_delay_ms"`
	// BackoffMultiplier is kept for config compatibility; the retry delay
	// grows linearly and does not consult it.
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
}

// DefaultTimeout returns the default per-call timeout.
func (c *ClientConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSec) * time.Second
}

// GetTimeout returns the read-only query timeout.
func (c *ClientConfig) GetTimeout() time.Duration {
	return time.Duration(c.GetTimeoutSec) * time.Second
}

// CompileWaitTimeout returns the idle-wait timeout.
func (c *ClientConfig) CompileWaitTimeout() time.Duration {
	return time.Duration(c.CompileWaitTimeoutSec) * time.Second
}

// RetryBaseDelay returns the base retry delay.
func (c *ClientConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// RetryMaxDelay returns the retry delay cap.
func (c *ClientConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

// LogConfig configures the host-side logger.
type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
}

// Config is the on-disk configuration document.
type Config struct {
	Server ServerConfig `json:"server"`
	Client ClientConfig `json:"client"`
	Log    LogConfig    `json:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8941,
			RingCapacity:   2048,
			SSERetryMs:     2000,
			RateLimit:      200,
			RateBurst:      400,
			ReadTimeoutSec: 60,
		},
		Client: ClientConfig{
			BaseURL:               "http://127.0.0.1:8941",
			DefaultTimeoutSec:     30,
			GetTimeoutSec:         5,
			CompileWaitTimeoutSec: 300,
			MaxAttempts:           5,
			RetryBaseDelayMs:      500,
			RetryMaxDelayMs:       5000,
			BackoffMultiplier:     2,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path over the defaults, then applies
// environment overrides. A missing file is not an error; the defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("BRIDGE_HOST", &c.Server.Host)
	envInt("BRIDGE_PORT", &c.Server.Port)
	envString("BRIDGE_TOKEN", &c.Server.AuthToken)
	envInt("BRIDGE_RING_CAPACITY", &c.Server.RingCapacity)
	envInt("BRIDGE_SSE_RETRY_MS", &c.Server.SSERetryMs)
	envInt("BRIDGE_RATE_LIMIT", &c.Server.RateLimit)
	envInt("BRIDGE_RATE_BURST", &c.Server.RateBurst)

	envString("BRIDGE_BASE_URL", &c.Client.BaseURL)
	envString("BRIDGE_TOKEN", &c.Client.AuthToken)
	envInt("BRIDGE_DEFAULT_TIMEOUT_SEC", &c.Client.DefaultTimeoutSec)
	envInt("BRIDGE_GET_TIMEOUT_SEC", &c.Client.GetTimeoutSec)
	envInt("BRIDGE_COMPILE_WAIT_TIMEOUT_SEC", &c.Client.CompileWaitTimeoutSec)
	envInt("BRIDGE_MAX_ATTEMPTS", &c.Client.MaxAttempts)
	envInt("BRIDGE_RETRY_BASE_DELAY_MS", &c.Client.RetryBaseDelayMs)
	envInt("BRIDGE_RETRY_MAX_DELAY_MS", &c.Client.RetryMaxDelayMs)

	envString("BRIDGE_LOG_LEVEL", &c.Log.Level)
	envString("BRIDGE_LOG_FILE", &c.Log.File)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
