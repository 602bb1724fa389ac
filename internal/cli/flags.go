package cli

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/bingosuite/debugbridge/config"
)

// overrides holds flag values that replace config file settings when the
// flag was given.
type overrides struct {
	logLevel       string
	logFormat      string
	workerMode     string
	workerBinary   string
	engineDir      string
	delvePath      string
	connectRetries int
	retryBackoff   time.Duration
	connectTimeout time.Duration
}

func applyFlags(o *overrides, f *pflag.FlagSet) {
	f.StringVar(&o.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	f.StringVar(&o.logFormat, "log-format", "text", "log format (text or json)")
	f.StringVar(&o.workerMode, "worker-mode", "connect", "how host and worker connect: connect (worker dials a unix socket) or dial (host dials the worker)")
	f.StringVar(&o.workerBinary, "worker-binary", "", "worker executable; defaults to this binary")
	f.StringVar(&o.engineDir, "engine-dir", "", "directory holding dlv, exported to the worker")
	f.StringVar(&o.delvePath, "dlv", "", "path of the dlv binary used by the worker")
	f.IntVar(&o.connectRetries, "connect-retries", 5, "handshake attempts before giving up")
	f.DurationVar(&o.retryBackoff, "retry-backoff", 200*time.Millisecond, "pause between handshake attempts")
	f.DurationVar(&o.connectTimeout, "connect-timeout", 5*time.Second, "how long to wait for the worker to connect back")
}

func (o *overrides) apply(cfg *config.Config, f *pflag.FlagSet) {
	if f.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if f.Changed("log-format") {
		cfg.Logging.Format = o.logFormat
	}
	if f.Changed("worker-mode") {
		cfg.Worker.Mode = o.workerMode
	}
	if f.Changed("worker-binary") {
		cfg.Worker.Binary = o.workerBinary
	}
	if f.Changed("engine-dir") {
		cfg.Worker.EngineDirectory = o.engineDir
	}
	if f.Changed("dlv") {
		cfg.Engine.DelvePath = o.delvePath
	}
	if f.Changed("connect-retries") {
		cfg.Worker.ConnectRetries = o.connectRetries
	}
	if f.Changed("retry-backoff") {
		cfg.Worker.RetryBackoff = o.retryBackoff
	}
	if f.Changed("connect-timeout") {
		cfg.Worker.ConnectTimeout = o.connectTimeout
	}
}
