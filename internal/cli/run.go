package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bingosuite/debugbridge/internal/host"
	"github.com/bingosuite/debugbridge/internal/protocol"
)

func RunCmd(o *Options) *cobra.Command {
	var (
		breakpoints []string
		env         []string
		cwd         string
	)

	cmd := &cobra.Command{
		Use:   "run target [-- args...]",
		Short: "debug target in an interactive console",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			launch, err := launchOptions(args[1:], env, cwd)
			if err != nil {
				return err
			}
			start, err := o.starter(nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c := newConsole(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), o.Log)
			ctrl := host.NewController(start, c.attach, o.Log)
			defer func() {
				if err := ctrl.Close(); err != nil {
					o.Log.WithError(err).Warn("Failed to close debug session")
				}
			}()

			for _, loc := range breakpoints {
				file, line, err := parseLocation(loc)
				if err != nil {
					return err
				}
				if _, err := ctrl.ToggleBreakpoint(file, line); err != nil {
					return err
				}
			}

			if err := c.start(ctx, ctrl, args[0], launch); err != nil {
				return err
			}

			in := newLineReader(os.Stdin)
			defer func() { _ = in.Close() }()
			if err := c.loop(ctx, ctrl, in); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&breakpoints, "break", "b", nil, "breakpoint at file:line, set before launching (repeatable)")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "KEY=VALUE added to the target environment (repeatable)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory of the target")
	return cmd
}

func launchOptions(args, env []string, cwd string) (protocol.TargetLaunch, error) {
	launch := protocol.TargetLaunch{Arguments: args, WorkingDirectory: cwd}
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return launch, fmt.Errorf("invalid environment entry %q, want KEY=VALUE", kv)
		}
		if launch.Environment == nil {
			launch.Environment = make(map[string]string)
		}
		launch.Environment[key] = value
	}
	return launch, nil
}
