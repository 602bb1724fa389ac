package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bingosuite/debugbridge/internal/engine"
	"github.com/bingosuite/debugbridge/internal/engine/delve"
	"github.com/bingosuite/debugbridge/internal/worker"
)

// WorkerCmd is the worker entry point. Hosts start it; users normally don't.
func WorkerCmd(o *Options) *cobra.Command {
	var listen, connect string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "serve the debugger engine to a host",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (listen == "") == (connect == "") {
				return errors.New("exactly one of --listen or --connect is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := o.Log.WithField("pid", os.Getpid())
			newEngine := func() engine.Engine {
				opts := o.delveOptions()
				opts.Logger = logger
				return delve.New(opts)
			}

			var err error
			if listen != "" {
				err = worker.ListenAndServe(ctx, listen, newEngine, logger)
			} else {
				err = worker.DialAndServe(ctx, connect, newEngine, logger)
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "endpoint to listen on (host:port or unix:path)")
	cmd.Flags().StringVar(&connect, "connect", "", "host endpoint to connect back to (host:port or unix:path)")
	return cmd
}
