// Command bridgectl drives a bridge-embedded host from the command line:
// invoking operations, dumping and tailing the host log, and waiting for
// the host to become idle. Configuration comes from BRIDGE_* environment
// variables overridden by flags.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostbridge/hostbridge/internal/client"
	"github.com/hostbridge/hostbridge/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bridgectl: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	baseURL     string
	token       string
	timeoutSec  int
	maxAttempts int
}

func (o *options) client() (*client.Client, *config.ClientConfig, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	cc := cfg.Client
	if o.baseURL != "" {
		cc.BaseURL = o.baseURL
	}
	if o.token != "" {
		cc.AuthToken = o.token
	}
	if o.timeoutSec >= 0 {
		cc.DefaultTimeoutSec = o.timeoutSec
	}
	if o.maxAttempts > 0 {
		cc.MaxAttempts = o.maxAttempts
	}
	return client.New(cc), &cc, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Drive a bridge-embedded host application",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file path")
	flags.StringVar(&opts.baseURL, "base-url", "", "bridge base URL (default from BRIDGE_BASE_URL)")
	flags.StringVar(&opts.token, "token", "", "shared-secret token (default from BRIDGE_TOKEN)")
	flags.IntVar(&opts.timeoutSec, "timeout", -1, "call timeout in seconds, 0 waits indefinitely")
	flags.IntVar(&opts.maxAttempts, "max-attempts", 0, "retry attempt cap for transient failures")

	root.AddCommand(
		newCallCmd(opts),
		newLogsCmd(opts),
		newTailCmd(opts),
		newWaitIdleCmd(opts),
	)
	return root
}

func newCallCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "call <path> [json-payload]",
		Short: "Invoke an operation and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if len(args) == 2 {
				raw := json.RawMessage(args[1])
				if !json.Valid(raw) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = raw
			}

			c, _, err := opts.client()
			if err != nil {
				return err
			}
			result, err := c.Call(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return nil
		},
	}
}

func newLogsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Dump the host's retained log buffer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			dump, err := c.ReadLogs(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), dump)
			return nil
		},
	}
}

func newTailCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Follow the host's live log stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			return c.StreamLogs(cmd.Context(), func(line string) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			})
		},
	}
}

func newWaitIdleCmd(opts *options) *cobra.Command {
	var waitSec int
	cmd := &cobra.Command{
		Use:   "wait-idle",
		Short: "Block until the host reports it is idle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cc, err := opts.client()
			if err != nil {
				return err
			}
			timeout := cc.CompileWaitTimeout()
			if waitSec > 0 {
				timeout = time.Duration(waitSec) * time.Second
			}
			return c.WaitUntilIdle(cmd.Context(), timeout)
		},
	}
	cmd.Flags().IntVar(&waitSec, "wait-timeout", 0, "seconds to wait before giving up")
	return cmd
}
