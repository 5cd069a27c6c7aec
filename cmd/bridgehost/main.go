// Command bridgehost runs a simulated single-threaded host with the bridge
// embedded: a tick loop drains the main-thread executor, SIGHUP or a config
// file change triggers the reload cycle (bridge teardown and recreation),
// and a small key/value state demonstrates host-state mutation through the
// executor.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hostbridge/hostbridge/internal/bridge"
	"github.com/hostbridge/hostbridge/internal/config"
	"github.com/hostbridge/hostbridge/internal/logger"
	"github.com/hostbridge/hostbridge/internal/protocol"
	"github.com/hostbridge/hostbridge/internal/securemem"
)

// reloadPause simulates the host's reinitialization window.
const reloadPause = 500 * time.Millisecond

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bridgehost: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to bridge config file")
	tickMs := flag.Int("tick", 50, "host tick interval in milliseconds")
	flag.Parse()

	securemem.Init()
	defer securemem.Purge()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.ParseLevel(cfg.Log.Level), cfg.Log.File); err != nil {
		return err
	}

	host := newHost(cfg.Server)
	logger.AddSink(host.bridge)

	ctx := context.Background()
	if err := host.bridge.Start(ctx); err != nil {
		return err
	}
	logger.Info("host up, bridge on %s", host.bridge.Addr())

	var watchEvents chan fsnotify.Event
	if *configPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()
		if err := watcher.Add(*configPath); err != nil {
			logger.Warn("cannot watch config %s: %v", *configPath, err)
		} else {
			watchEvents = make(chan fsnotify.Event, 8)
			go func() {
				for ev := range watcher.Events {
					watchEvents <- ev
				}
			}()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ticker := time.NewTicker(time.Duration(*tickMs) * time.Millisecond)
	defer ticker.Stop()

	// This loop is the host's single logical thread: every host-state
	// mutation happens here, via Drain.
	for {
		select {
		case <-ticker.C:
			host.bridge.Drain()

		case ev := <-watchEvents:
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				logger.Info("config changed, reloading host")
				if err := host.reload(ctx); err != nil {
					return err
				}
			}

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("SIGHUP, reloading host")
				if err := host.reload(ctx); err != nil {
					return err
				}
			default:
				logger.Info("shutting down")
				return host.bridge.Stop()
			}
		}
	}
}

// host owns the simulated editor state. The state map is only ever touched
// by closures running on the tick loop.
type host struct {
	bridge *bridge.Server
	state  map[string]string
	busy   atomic.Bool
}

func newHost(cfg config.ServerConfig) *host {
	h := &host{
		bridge: bridge.New(cfg),
		state:  make(map[string]string),
	}
	h.bridge.SetBusyProbe(h.busy.Load)

	h.bridge.Handle("/echo", h.handleEcho)
	h.bridge.Handle("/state/set", h.handleStateSet)
	h.bridge.Handle("/state/get", h.handleStateGet)
	h.bridge.Handle("/state/dump", h.handleStateDump)

	return h
}

// reload models the host destroying and recreating its execution context.
// Queued tasks and open subscribers are intentionally discarded.
func (h *host) reload(ctx context.Context) error {
	h.busy.Store(true)
	defer h.busy.Store(false)

	if err := h.bridge.Stop(); err != nil {
		logger.Warn("bridge stop during reload: %v", err)
	}
	h.state = make(map[string]string)
	time.Sleep(reloadPause)

	if err := h.bridge.Start(ctx); err != nil {
		return fmt.Errorf("failed to restart bridge after reload: %w", err)
	}
	logger.Info("host reloaded, bridge on %s", h.bridge.Addr())
	return nil
}

func (h *host) handleEcho(ctx context.Context, body json.RawMessage) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("echo payload is not valid JSON")
	}
	return body, nil
}

type stateEntry struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func (h *host) handleStateSet(ctx context.Context, body json.RawMessage) (any, error) {
	var entry stateEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("bad payload: %w", err)
	}
	if entry.Key == "" {
		return nil, fmt.Errorf("key is required")
	}
	return h.bridge.RunOnHost(ctx, func() (any, error) {
		h.state[entry.Key] = entry.Value
		return nil, nil
	})
}

func (h *host) handleStateGet(ctx context.Context, body json.RawMessage) (any, error) {
	var entry stateEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return nil, fmt.Errorf("bad payload: %w", err)
	}
	return h.bridge.RunOnHost(ctx, func() (any, error) {
		value, ok := h.state[entry.Key]
		if !ok {
			return nil, fmt.Errorf("no such key: %s", entry.Key)
		}
		return stateEntry{Key: entry.Key, Value: value}, nil
	})
}

func (h *host) handleStateDump(ctx context.Context, body json.RawMessage) (any, error) {
	return h.bridge.RunOnHost(ctx, func() (any, error) {
		// The state map is heterogeneous from the protocol's point of
		// view; serialize it here and ship it opaque.
		data, err := json.Marshal(h.state)
		if err != nil {
			return nil, err
		}
		return protocol.Opaque(data), nil
	})
}
