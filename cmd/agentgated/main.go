// Command agentgated runs the websocket gateway daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate"
)

func main() {
	root := &cobra.Command{
		Use:           "agentgated",
		Short:         "Websocket gateway between chat clients and the agent engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agentgated:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	var cfg agentgate.Config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	srv, err := agentgate.New(ctx, cfg)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
