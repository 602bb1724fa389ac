// Package cli builds the debugbridge command tree.
//
// Every command shares one Options value. Its config is loaded from the
// config file before a command runs, then overridden by the flags the user
// set explicitly.
package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bingosuite/debugbridge/config"
	"github.com/bingosuite/debugbridge/internal/engine/delve"
	"github.com/bingosuite/debugbridge/internal/host"
	"github.com/bingosuite/debugbridge/internal/supervisor"
)

const defaultConfigPath = "~/.config/debugbridge/config.yml"

type Options struct {
	ConfigPath string
	Config     *config.Config
	Log        *log.Entry

	overrides overrides
}

func App(version string) *cobra.Command {
	opts := &Options{}
	app := &cobra.Command{
		Use:   "debugbridge",
		Short: "debug native programs through an out-of-process engine",
		Long: `debugbridge runs a debugger engine inside a supervised worker process and
drives it from an interactive console or a remote WebSocket console.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	app.SuggestionsMinimumDistance = 1
	app.AddCommand(
		RunCmd(opts),
		ServeCmd(opts),
		WorkerCmd(opts),
	)

	app.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath, "config file (YAML, or TOML when it ends in .toml)")
	applyFlags(&opts.overrides, app.PersistentFlags())

	return app
}

func (o *Options) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	o.overrides.apply(cfg, cmd.Flags())
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	o.Config = cfg
	o.Log = logger
	return nil
}

// workerOptions describes how the host starts workers. The default worker
// is this executable, pointed at the same config file.
func (o *Options) workerOptions(output func(string)) (supervisor.Options, error) {
	w := o.Config.Worker
	opts := supervisor.Options{
		Binary:          w.Binary,
		Args:            append([]string(nil), w.Args...),
		Mode:            supervisor.Mode(w.Mode),
		EngineDirectory: w.EngineDirectory,
		Env:             append([]string(nil), w.Env...),
		Attempts:        w.ConnectRetries,
		Backoff:         w.RetryBackoff,
		ConnectTimeout:  w.ConnectTimeout,
		StopTimeout:     w.StopTimeout,
		Output:          output,
		Logger:          o.Log,
	}
	if opts.Binary != "" {
		return opts, nil
	}

	self, err := os.Executable()
	if err != nil {
		return opts, err
	}
	opts.Binary = self
	if path, err := homedir.Expand(o.ConfigPath); err == nil && fileExists(path) {
		if abs, err := filepath.Abs(path); err == nil {
			opts.Args = append(opts.Args, "--config", abs)
		}
	}
	return opts, nil
}

func (o *Options) starter(output func(string)) (host.Starter, error) {
	opts, err := o.workerOptions(output)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (*host.Session, error) {
		return host.StartSession(ctx, opts)
	}, nil
}

// delveOptions finds dlv in the configured path, then in the directory the
// host exported, then on PATH.
func (o *Options) delveOptions() delve.Options {
	path := o.Config.Engine.DelvePath
	if path == "" {
		if dir := os.Getenv(supervisor.EngineEnv); dir != "" {
			path = filepath.Join(dir, supervisor.EngineBinary)
		}
	}
	return delve.Options{
		Path:           path,
		Flags:          o.Config.Engine.Flags,
		StartupTimeout: o.Config.Engine.StartupTimeout,
		Logger:         o.Log,
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
