// Command bitget-mm runs the Bitget spot/perp funding-capture
// market-making bot: preflight, then the concurrent task set, until
// interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/quantedge/bitget-mm/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to config YAML")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := supervisor.Run(ctx, *configPath); err != nil {
		var preflightErr *supervisor.PreflightError
		if errors.As(err, &preflightErr) {
			fmt.Fprintln(os.Stderr, preflightErr.Error())
			return 1
		}
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}
