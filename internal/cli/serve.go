package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bingosuite/debugbridge/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func ServeCmd(o *Options) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the remote console over WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				o.Config.Server.Addr = addr
			}
			start, err := o.starter(nil)
			if err != nil {
				return err
			}
			server := ws.NewServer(o.Config.Server.Addr, &o.Config.WebSocket, start, o.Log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- server.Serve() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			o.Log.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	return cmd
}
